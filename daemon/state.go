package daemon

import (
	"sync"
	"sync/atomic"
	"time"
)

// ListenerSettings captures the runtime listener configuration for the daemon.
type ListenerSettings struct {
	DNSAddress  string
	APIPort     string
	APIEnabled  bool
}

// UpstreamInfo describes one configured upstream for status output.
type UpstreamInfo struct {
	Address string `json:"address"`
	Class   string `json:"class"`
	Repeat  int    `json:"repeat"`
}

// Inventory counts what was loaded at startup.
type Inventory struct {
	Routes4   int `json:"routes_v4"`
	Routes6   int `json:"routes_v6"`
	BlockList int `json:"gfwlist"`
	AllowList int `json:"chnlist"`
}

// State owns mutable runtime data for the daemon process. The proxy loop and
// the API goroutine share it.
type State struct {
	started time.Time

	serverStatusMu sync.RWMutex
	serverUp       bool

	listenerMu sync.RWMutex
	listener   ListenerSettings

	inventoryMu sync.RWMutex
	upstreams   []UpstreamInfo
	inventory   Inventory
	mode        string

	apiRunning atomic.Bool
}

// NewState builds a State with initial runtime defaults.
func NewState() *State {
	return &State{started: time.Now()}
}

// Started returns the process start time.
func (s *State) Started() time.Time {
	return s.started
}

// Uptime returns the time since NewState.
func (s *State) Uptime() time.Duration {
	return time.Since(s.started)
}

// SetServerStatus stores whether the proxy loop is currently running.
func (s *State) SetServerStatus(up bool) {
	s.serverStatusMu.Lock()
	s.serverUp = up
	s.serverStatusMu.Unlock()
}

// ServerStatus reports whether the proxy loop is currently running.
func (s *State) ServerStatus() bool {
	s.serverStatusMu.RLock()
	defer s.serverStatusMu.RUnlock()
	return s.serverUp
}

// UpdateListener applies a mutation to the stored listener settings.
func (s *State) UpdateListener(update func(*ListenerSettings)) {
	s.listenerMu.Lock()
	update(&s.listener)
	s.listenerMu.Unlock()
}

// ListenerSnapshot returns a copy of the current listener settings.
func (s *State) ListenerSnapshot() ListenerSettings {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	return s.listener
}

// SetUpstreams records the upstream list and arbitration mode.
func (s *State) SetUpstreams(mode string, ups []UpstreamInfo) {
	s.inventoryMu.Lock()
	s.mode = mode
	s.upstreams = append([]UpstreamInfo(nil), ups...)
	s.inventoryMu.Unlock()
}

// Upstreams returns the arbitration mode and a copy of the upstream list.
func (s *State) Upstreams() (string, []UpstreamInfo) {
	s.inventoryMu.RLock()
	defer s.inventoryMu.RUnlock()
	return s.mode, append([]UpstreamInfo(nil), s.upstreams...)
}

// SetInventory records the loaded route and list sizes.
func (s *State) SetInventory(inv Inventory) {
	s.inventoryMu.Lock()
	s.inventory = inv
	s.inventoryMu.Unlock()
}

// Inventory returns the loaded route and list sizes.
func (s *State) Inventory() Inventory {
	s.inventoryMu.RLock()
	defer s.inventoryMu.RUnlock()
	return s.inventory
}

// SetAPIRunning records the API server running state.
func (s *State) SetAPIRunning(running bool) {
	s.apiRunning.Store(running)
}

// APIRunning reports whether the API server goroutine is currently running.
func (s *State) APIRunning() bool {
	return s.apiRunning.Load()
}
