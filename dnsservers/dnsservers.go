// Package dnsservers parses the upstream DNS server options ("ip[#port],...") and turns
// them into arbiter upstream targets.
package dnsservers

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"dnssplit/arbiter"
	"dnssplit/ipvalidator"
)

// DefaultPort is used when a server is given without "#port".
const DefaultPort = "53"

// MaxPerClass is the number of servers allowed for each trust class.
const MaxPerClass = 2

// DNSServer holds the data for one upstream DNS server.
type DNSServer struct {
	Address string `json:"address"`
	Port    string `json:"port"`
	Trusted bool   `json:"trusted"`
}

var (
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrTooMany     = fmt.Errorf("more than %d servers", MaxPerClass)
)

// String formats the server the way it is written on the command line.
func (s DNSServer) String() string {
	return s.Address + "#" + s.Port
}

// AddrPort returns the parsed socket address.
func (s DNSServer) AddrPort() (netip.AddrPort, error) {
	addr, _, err := ipvalidator.ParseAddr(s.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	port, err := parsePort(s.Port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}

// Class returns the trust class of the server.
func (s DNSServer) Class() arbiter.Class {
	if s.Trusted {
		return arbiter.Trusted
	}
	return arbiter.Untrusted
}

// ParseList parses a comma separated "ip[#port]" list. An empty value yields no servers.
func ParseList(value string, trusted bool) ([]DNSServer, error) {
	var servers []DNSServer
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if len(servers) == MaxPerClass {
			return nil, fmt.Errorf("%w: %s", ErrTooMany, value)
		}
		server, err := parseServer(item, trusted)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func parseServer(item string, trusted bool) (DNSServer, error) {
	server := DNSServer{Address: item, Port: DefaultPort, Trusted: trusted}
	if idx := strings.IndexByte(item, '#'); idx >= 0 {
		server.Address = item[:idx]
		server.Port = item[idx+1:]
	}
	if _, err := server.AddrPort(); err != nil {
		return DNSServer{}, fmt.Errorf("dns server %q: %w", item, err)
	}
	return server, nil
}

func parsePort(port string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrInvalidArgs, port)
	}
	return uint16(n), nil
}

// Upstreams converts servers into engine targets; trusted servers carry repeat.
func Upstreams(servers []DNSServer, repeat int) ([]arbiter.Upstream, error) {
	upstreams := make([]arbiter.Upstream, 0, len(servers))
	for _, s := range servers {
		addr, err := s.AddrPort()
		if err != nil {
			return nil, err
		}
		up := arbiter.Upstream{Addr: addr, Class: s.Class(), Repeat: 1}
		if s.Trusted {
			up.Repeat = repeat
		}
		upstreams = append(upstreams, up)
	}
	return upstreams, nil
}

// GetDNSArray returns the servers in "Address#Port" form.
func GetDNSArray(servers []DNSServer) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.String())
	}
	return out
}
