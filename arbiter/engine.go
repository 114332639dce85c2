// Package arbiter routes client queries to the untrusted and trusted upstream classes and
// decides which upstream reply, if any, is returned to the client.
package arbiter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"dnssplit/dnsmsg"
	"dnssplit/namelist"
	"dnssplit/session"
	"dnssplit/timerheap"
)

// DefaultTimeout is how long a session waits for an acceptable reply.
const DefaultTimeout = 5 * time.Second

// Class is the trust class of an upstream.
type Class uint8

const (
	// Untrusted upstreams are fast but may return poisoned answers.
	Untrusted Class = iota
	// Trusted upstreams are reliable but slower or selectively blocked.
	Trusted
	classCount
)

func (c Class) String() string {
	if c == Trusted {
		return "trusted"
	}
	return "untrusted"
}

// Mode selects how a trusted reply is treated before any untrusted reply arrived.
type Mode uint8

const (
	// Fast accepts a trusted reply as soon as it arrives.
	Fast Mode = iota
	// Fair holds a trusted reply until an untrusted reply has been seen.
	Fair
)

func (m Mode) String() string {
	if m == Fair {
		return "fair"
	}
	return "fast"
}

// Upstream describes one forwarding target. Its index in Config.Upstreams is the
// index handed to Sender.SendToUpstream and expected by HandleReply.
type Upstream struct {
	Addr   netip.AddrPort
	Class  Class
	Repeat int
}

// Sender transmits packets on behalf of the engine.
type Sender interface {
	SendToClient(pkt []byte, client netip.AddrPort) error
	SendToUpstream(index int, pkt []byte) error
}

// Config defines the engine dependencies.
type Config struct {
	Upstreams  []Upstream
	Timeout    time.Duration
	Mode       Mode
	FilterAAAA bool
	Lists      *namelist.Lists
	Checker    *dnsmsg.Checker
	Sender     Sender
	Logger     *slog.Logger
	// Sink, when set, receives one Outcome per finished query.
	Sink Sink
}

var errNoUpstreams = errors.New("arbiter: no upstreams configured")

// Engine is the arbitration state machine. All methods must be called from the
// goroutine that drives the reactor.
type Engine struct {
	upstreams  []Upstream
	timeout    int64
	mode       Mode
	filterAAAA bool
	lists      *namelist.Lists
	checker    *dnsmsg.Checker
	sender     Sender
	log        *slog.Logger
	sink       Sink

	table   *session.Table
	alloc   session.Allocator
	timers  *timerheap.Heap
	now     int64
	metrics *Metrics
}

// New constructs an Engine using the provided configuration.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Upstreams) == 0 {
		return nil, errNoUpstreams
	}
	if cfg.Sender == nil {
		return nil, errors.New("arbiter: sender is nil")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	upstreams := make([]Upstream, len(cfg.Upstreams))
	for i, up := range cfg.Upstreams {
		if up.Class >= classCount {
			return nil, fmt.Errorf("arbiter: upstream %s: unknown class %d", up.Addr, up.Class)
		}
		if up.Repeat < 1 {
			up.Repeat = 1
		}
		upstreams[i] = up
	}
	checker := cfg.Checker
	if checker == nil {
		checker = &dnsmsg.Checker{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		upstreams:  upstreams,
		timeout:    timeout.Milliseconds(),
		mode:       cfg.Mode,
		filterAAAA: cfg.FilterAAAA,
		lists:      cfg.Lists,
		checker:    checker,
		sender:     cfg.Sender,
		log:        logger,
		sink:       cfg.Sink,
		table:      session.NewTable(),
		metrics:    NewMetrics(),
	}
	e.timers = timerheap.New(e.expire)
	return e, nil
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Len returns the number of sessions in flight.
func (e *Engine) Len() int { return e.table.Len() }

// SetNow updates the monotonic millisecond time used for new deadlines.
func (e *Engine) SetNow(now int64) { e.now = now }

// Expire advances the clock to now and retires every session whose deadline passed.
func (e *Engine) Expire(now int64) int {
	e.now = now
	return e.timers.RunDue(now)
}

// HandleQuery processes one client query. pkt is modified in place.
func (e *Engine) HandleQuery(pkt []byte, client netip.AddrPort) {
	e.metrics.Queries.Inc()
	if e.table.Full() {
		e.metrics.Dropped.Inc()
		e.log.Warn("session table full, query refused", "client", client)
		return
	}

	q, err := dnsmsg.ParseQuery(pkt)
	if err != nil {
		e.metrics.Malformed.Inc()
		e.log.Debug("bad query", "client", client, "error", err)
		return
	}

	if e.filterAAAA && q.QType == dns.TypeAAAA {
		dnsmsg.Refuse(pkt)
		if err := e.sender.SendToClient(pkt, client); err != nil {
			e.log.Error("failed to send refused reply", "client", client, "error", err)
		}
		e.metrics.Refused.Inc()
		e.log.Debug("query refused by ipv6 filter", "name", q.Name, "client", client)
		e.record(Outcome{Name: q.Name, QType: q.QType, Client: client, Verdict: VerdictRefused})
		return
	}

	id, ok := e.alloc.Next(e.table)
	if !ok {
		e.metrics.Dropped.Inc()
		e.log.Warn("no free transaction id, query refused", "client", client)
		return
	}
	match := e.lists.Classify(q.Name)

	slot, err := e.table.Insert(session.Session{
		ID:                 id,
		OriginalID:         q.ID,
		Client:             client,
		Name:               q.Name,
		QType:              q.QType,
		Match:              match,
		UntrustedSatisfied: e.mode == Fast,
		Created:            e.now,
	})
	if err != nil {
		e.metrics.Dropped.Inc()
		e.log.Error("failed to create session", "name", q.Name, "error", err)
		return
	}
	e.timers.Insert(timerheap.ID(slot), e.now+e.timeout)
	e.metrics.live.Store(int64(e.table.Len()))

	e.log.Debug("query", "name", q.Name, "qtype", dnsmsg.QTypeString(q.QType), "client", client, "id", id, "match", match)

	dnsmsg.SetID(pkt, id)
	for i, up := range e.upstreams {
		times := up.Repeat
		switch {
		case up.Class == Untrusted && match == namelist.Block:
			continue
		case up.Class == Trusted && match == namelist.Allow:
			continue
		case up.Class == Untrusted:
			times = 1
		}
		for n := 0; n < times; n++ {
			if err := e.sender.SendToUpstream(i, pkt); err != nil {
				e.log.Error("failed to send query", "name", q.Name, "upstream", up.Addr, "error", err)
				break
			}
		}
	}
}

// HandleReply processes one reply received from upstream index. pkt may be the shared
// receive buffer; anything kept past the call is copied.
func (e *Engine) HandleReply(index int, pkt []byte) {
	if index < 0 || index >= len(e.upstreams) {
		e.log.Error("reply from unknown upstream", "index", index)
		return
	}
	up := e.upstreams[index]
	e.metrics.replies[up.Class].Inc()

	reply, err := e.checker.CheckReply(pkt, up.Class == Untrusted)
	if err != nil {
		e.metrics.Malformed.Inc()
		e.log.Debug("bad reply", "upstream", up.Addr, "error", err)
		return
	}

	s, slot, ok := e.table.Lookup(reply.ID)
	if !ok {
		e.metrics.Ignored.Inc()
		e.log.Debug("reply", "name", reply.Name, "upstream", up.Addr, "id", reply.ID, "result", "ignore")
		return
	}
	if s.Name != reply.Name || s.QType != reply.QType {
		e.metrics.Ignored.Inc()
		e.log.Debug("reply for another question", "name", reply.Name, "session", s.Name, "upstream", up.Addr, "id", reply.ID, "result", "ignore")
		return
	}

	if up.Class == Untrusted {
		if s.Match == namelist.Allow || reply.Accept {
			e.log.Debug("reply", "name", s.Name, "upstream", up.Addr, "id", s.ID, "result", "accept")
			if s.Trusted != nil {
				e.log.Debug("reply", "name", s.Name, "upstream", "buffered-trusted", "id", s.ID, "result", "filter")
			}
			e.deliver(slot, s, pkt, Untrusted, VerdictUntrusted)
			return
		}
		e.log.Debug("reply", "name", s.Name, "upstream", up.Addr, "id", s.ID, "result", "filter")
		if s.Trusted != nil {
			e.log.Debug("reply", "name", s.Name, "upstream", "buffered-trusted", "id", s.ID, "result", "accept")
			e.deliver(slot, s, s.Trusted, Trusted, VerdictTrustedDelayed)
			return
		}
		s.UntrustedSatisfied = true
		return
	}

	if s.Match == namelist.Block || s.UntrustedSatisfied {
		e.log.Debug("reply", "name", s.Name, "upstream", up.Addr, "id", s.ID, "result", "accept")
		e.deliver(slot, s, pkt, Trusted, VerdictTrusted)
		return
	}
	if s.Trusted != nil {
		e.metrics.Ignored.Inc()
		e.log.Debug("reply", "name", s.Name, "upstream", up.Addr, "id", s.ID, "result", "ignore")
		return
	}
	s.Trusted = append([]byte(nil), pkt...)
	e.metrics.Buffered.Inc()
	e.log.Debug("reply", "name", s.Name, "upstream", up.Addr, "id", s.ID, "result", "delay")
}

// deliver restores the client's id on pkt, sends it and retires the session.
func (e *Engine) deliver(slot session.Slot, s *session.Session, pkt []byte, class Class, verdict Verdict) {
	dnsmsg.SetID(pkt, s.OriginalID)
	if err := e.sender.SendToClient(pkt, s.Client); err != nil {
		e.log.Error("failed to send reply", "name", s.Name, "client", s.Client, "error", err)
	}
	e.metrics.accepted[class].Inc()
	e.retire(slot, s.ID, verdict)
}

func (e *Engine) retire(slot session.Slot, id uint16, verdict Verdict) {
	e.timers.Remove(timerheap.ID(slot))
	s, ok := e.table.Remove(id)
	if !ok {
		return
	}
	e.metrics.live.Store(int64(e.table.Len()))
	e.record(Outcome{
		Name:    s.Name,
		QType:   s.QType,
		Client:  s.Client,
		Match:   s.Match,
		Verdict: verdict,
		Latency: time.Duration(e.now-s.Created) * time.Millisecond,
	})
}

// expire is the timer callback; the timer has already been popped.
func (e *Engine) expire(id timerheap.ID) {
	s, ok := e.table.At(session.Slot(id))
	if !ok {
		return
	}
	e.metrics.Timeouts.Inc()
	e.log.Warn("query timeout", "name", s.Name, "qtype", dnsmsg.QTypeString(s.QType), "client", s.Client, "id", s.ID)
	e.retire(session.Slot(id), s.ID, VerdictTimeout)
}

// Close retires every live session without replying.
func (e *Engine) Close() {
	var live []struct {
		slot session.Slot
		id   uint16
	}
	e.table.Each(func(slot session.Slot, s *session.Session) {
		live = append(live, struct {
			slot session.Slot
			id   uint16
		}{slot, s.ID})
	})
	for _, l := range live {
		e.retire(l.slot, l.id, VerdictShutdown)
	}
	if len(live) > 0 {
		e.log.Info("retired in-flight sessions", "count", len(live))
	}
}

func (e *Engine) record(o Outcome) {
	if e.sink != nil {
		e.sink.Record(o)
	}
}
