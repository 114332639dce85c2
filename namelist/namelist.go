// Package namelist provides the domain name lists that pre-decide which upstream class
// answers a query: the block list (gfwlist, trusted upstreams only) and the allow list
// (chnlist, untrusted upstreams only).
package namelist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Match is the classification of a query name.
type Match uint8

const (
	// None means neither list matched; both upstream classes are asked.
	None Match = iota
	// Block means the name is block-listed; only trusted upstreams are asked.
	Block
	// Allow means the name is allow-listed; only untrusted upstreams are asked.
	Allow
)

func (m Match) String() string {
	switch m {
	case Block:
		return "block"
	case Allow:
		return "allow"
	default:
		return "none"
	}
}

// StdinPath makes LoadFromFile read the list from standard input.
const StdinPath = "-"

// List maintains a set of domains for suffix lookup.
type List struct {
	domains map[string]struct{}
	mu      sync.RWMutex
}

// NewList creates a new empty list.
func NewList() *List {
	return &List{
		domains: make(map[string]struct{}),
	}
}

// Contains checks if domain or one of its parent domains is on the list
// ("example.com" on the list matches "www.example.com").
func (l *List) Contains(domain string) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.domains) == 0 {
		return false
	}

	name := normalizeDomain(domain)
	for name != "" {
		if _, ok := l.domains[name]; ok {
			return true
		}
		dot := strings.IndexByte(name, '.')
		if dot < 0 {
			break
		}
		name = name[dot+1:]
	}
	return false
}

// AddDomain adds a domain to the list.
func (l *List) AddDomain(domain string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := normalizeDomain(domain); d != "" {
		l.domains[d] = struct{}{}
	}
}

// AddDomains adds multiple domains to the list.
func (l *List) AddDomains(domains []string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, domain := range domains {
		if d := normalizeDomain(domain); d != "" {
			l.domains[d] = struct{}{}
		}
	}
}

// Count returns the number of domains.
func (l *List) Count() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.domains)
}

// LoadFromFile parses a list file and adds its domains to list. It returns the number of
// entries read. Each line is either a bare domain or hosts-style
// "0.0.0.0 domain1 domain2 ..."; "#" starts a comment.
func LoadFromFile(list *List, filePath string) (int, error) {
	if list == nil {
		return 0, fmt.Errorf("namelist: list is nil")
	}
	if filePath == StdinPath {
		return Load(list, os.Stdin)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("namelist: open file: %w", err)
	}
	defer file.Close()

	n, err := Load(list, file)
	if err != nil {
		return n, fmt.Errorf("namelist: read %s: %w", filePath, err)
	}
	return n, nil
}

// Load reads list entries from r.
func Load(list *List, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	added := 0
	for scanner.Scan() {
		domains := parseLine(scanner.Text())
		if len(domains) > 0 {
			list.AddDomains(domains)
			added += len(domains)
		}
	}
	if err := scanner.Err(); err != nil {
		return added, err
	}
	return added, nil
}

// Lists pairs the block and allow lists with the priority used when both match.
type Lists struct {
	Block *List
	Allow *List
	// BlockFirst makes the block list win when a name is on both lists.
	BlockFirst bool
}

// Loaded reports whether any list has entries.
func (ls *Lists) Loaded() bool {
	return ls != nil && (ls.Block.Count() > 0 || ls.Allow.Count() > 0)
}

// Classify returns the match for name.
func (ls *Lists) Classify(name string) Match {
	if ls == nil {
		return None
	}
	if ls.BlockFirst {
		if ls.Block.Contains(name) {
			return Block
		}
		if ls.Allow.Contains(name) {
			return Allow
		}
		return None
	}
	if ls.Allow.Contains(name) {
		return Allow
	}
	if ls.Block.Contains(name) {
		return Block
	}
	return None
}

// parseLine returns the domains found on one list line.
func parseLine(line string) []string {
	if commentIdx := strings.Index(line, "#"); commentIdx >= 0 {
		line = line[:commentIdx]
	}

	fields := strings.Fields(line)
	switch {
	case len(fields) == 0:
		return nil
	case len(fields) == 1:
		return fields
	case isHostsIP(fields[0]):
		return fields[1:]
	default:
		return nil
	}
}

// isHostsIP checks if the given string is a hosts-file sink address.
func isHostsIP(ip string) bool {
	switch strings.TrimSpace(ip) {
	case "0.0.0.0", "127.0.0.1", "::", "::1":
		return true
	}
	return false
}

// normalizeDomain lowercases and strips surrounding whitespace and dots.
func normalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.ToLower(domain)
	domain = strings.Trim(domain, ".")
	return domain
}
