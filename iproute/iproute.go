// Package iproute holds the route-table snapshot used to judge upstream answers.
// A Table keeps one prefix trie per address family. It is filled once at startup and
// only read afterwards, so concurrent Contains calls are safe once loading is done.
package iproute

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/k-sone/critbitgo"
)

// Family selects which trie a route file feeds.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Table answers membership queries against the loaded IPv4 and IPv6 prefixes.
type Table struct {
	v4 *critbitgo.Net
	v6 *critbitgo.Net
}

// New returns an empty table. Every address is outside an empty table.
func New() *Table {
	return &Table{v4: critbitgo.NewNet(), v6: critbitgo.NewNet()}
}

// FileName maps a route table name to its file. A bare name such as "chnroute" maps to
// "chnroute.txt"; anything with an extension or a directory component is used as is.
func FileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if filepath.Ext(name) != "" || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return name + ".txt"
}

// LoadFile reads prefixes of the given family from path. Failing to open the file is an
// error; malformed lines are skipped. It returns the number of prefixes added.
func (t *Table) LoadFile(path string, family Family) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("iproute: open %s: %w", path, err)
	}
	defer file.Close()

	n, err := t.Load(file, family)
	if err != nil {
		return n, fmt.Errorf("iproute: read %s: %w", path, err)
	}
	return n, nil
}

// Load reads "address/prefixlen" lines from r. Blank, malformed and other-family lines
// are skipped silently.
func (t *Table) Load(r io.Reader, family Family) (int, error) {
	scanner := bufio.NewScanner(r)
	added := 0
	for scanner.Scan() {
		prefix, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if prefix.Addr().Is4() != (family == IPv4) {
			continue
		}
		if err := t.Add(prefix); err != nil {
			continue
		}
		added++
	}
	return added, scanner.Err()
}

// Add inserts a single prefix into the trie of its family.
func (t *Table) Add(prefix netip.Prefix) error {
	prefix = prefix.Masked()
	bits := prefix.Addr().BitLen()
	ipnet := &net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), bits),
	}
	if prefix.Addr().Is4() {
		return t.v4.Add(ipnet, struct{}{})
	}
	return t.v6.Add(ipnet, struct{}{})
}

// Contains reports whether any stored prefix covers addr.
func (t *Table) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	trie := t.v6
	if addr.Is4() {
		trie = t.v4
	}
	if trie == nil || trie.Size() == 0 {
		return false
	}
	ok, err := trie.ContainedIP(net.IP(addr.AsSlice()))
	return err == nil && ok
}

// Len returns the number of prefixes stored for family.
func (t *Table) Len(family Family) int {
	if t == nil {
		return 0
	}
	if family == IPv4 {
		return t.v4.Size()
	}
	return t.v6.Size()
}

func parseLine(line string) (netip.Prefix, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return netip.Prefix{}, false
	}
	prefix, err := netip.ParsePrefix(line)
	if err != nil {
		return netip.Prefix{}, false
	}
	return prefix, true
}
