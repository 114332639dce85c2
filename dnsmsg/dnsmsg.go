// Package dnsmsg is the DNS codec used by the arbitration engine. Queries and replies are
// decoded with miekg/dns for inspection, but forwarded payloads are only ever touched in
// the header id (and the flag bits of a synthesized REFUSED reply).
package dnsmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// HeaderSize is the fixed DNS header length; anything shorter is a runt.
const HeaderSize = 12

// MaxSize is the largest UDP DNS payload the proxy handles.
const MaxSize = dns.MaxMsgSize

var (
	ErrShort     = errors.New("dnsmsg: packet shorter than header")
	ErrMalformed = errors.New("dnsmsg: malformed message")
	ErrNotQuery  = errors.New("dnsmsg: not a standard query")
	ErrNotReply  = errors.New("dnsmsg: not a reply")
)

// Query is what the engine needs from a client query.
type Query struct {
	ID    uint16
	Name  string
	QType uint16
}

// Reply is the outcome of inspecting an upstream reply.
type Reply struct {
	ID    uint16
	Name  string
	QType uint16
	Rcode int
	// Accept is the quality verdict. Trusted-class replies are always accepted.
	Accept bool
}

// ID reads the raw header id.
func ID(pkt []byte) uint16 {
	if len(pkt) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(pkt)
}

// SetID rewrites the raw header id in place.
func SetID(pkt []byte, id uint16) {
	if len(pkt) < 2 {
		return
	}
	binary.BigEndian.PutUint16(pkt, id)
}

// Refuse turns the query in pkt into a REFUSED reply in place, keeping its id and
// question section.
func Refuse(pkt []byte) {
	if len(pkt) < HeaderSize {
		return
	}
	pkt[2] |= 0x80 // QR
	pkt[3] = pkt[3]&0xf0 | byte(dns.RcodeRefused&0x0f)
}

// ParseQuery decodes a client query. Only single-question QUERY-opcode requests are
// accepted.
func ParseQuery(pkt []byte) (Query, error) {
	if len(pkt) < HeaderSize {
		return Query{}, ErrShort
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(pkt); err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Response || msg.Opcode != dns.OpcodeQuery || len(msg.Question) != 1 {
		return Query{}, ErrNotQuery
	}
	q := msg.Question[0]
	return Query{ID: msg.Id, Name: NormalizeName(q.Name), QType: q.Qtype}, nil
}

// RouteTable answers whether an address lies in the trusted route snapshot.
type RouteTable interface {
	Contains(addr netip.Addr) bool
}

// Checker implements the reply quality heuristic.
type Checker struct {
	Routes RouteTable
	// AcceptNoAddr accepts untrusted-class replies that carry no A/AAAA record.
	AcceptNoAddr bool
}

// CheckReply decodes an upstream reply. An untrusted-class reply is accepted when its
// first address record lies inside the route table; with no address record the
// AcceptNoAddr policy decides. Errors mean the reply must be dropped.
func (c *Checker) CheckReply(pkt []byte, untrusted bool) (Reply, error) {
	if len(pkt) < HeaderSize {
		return Reply{}, ErrShort
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(pkt); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !msg.Response {
		return Reply{}, ErrNotReply
	}
	if len(msg.Question) != 1 {
		return Reply{}, ErrMalformed
	}

	q := msg.Question[0]
	reply := Reply{
		ID:     msg.Id,
		Name:   NormalizeName(q.Name),
		QType:  q.Qtype,
		Rcode:  msg.Rcode,
		Accept: true,
	}
	if untrusted {
		reply.Accept = c.acceptAnswer(msg.Answer)
	}
	return reply, nil
}

func (c *Checker) acceptAnswer(answer []dns.RR) bool {
	for _, rr := range answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return false
		}
		return c.Routes != nil && c.Routes.Contains(addr.Unmap())
	}
	return c.AcceptNoAddr
}

// NormalizeName lowercases a query name and strips the trailing root dot.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	if len(name) > 1 {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// QTypeString names a query type for logs.
func QTypeString(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", qtype)
}
