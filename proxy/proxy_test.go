package proxy

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"dnssplit/arbiter"
	"dnssplit/dnsmsg"
	"dnssplit/namelist"
)

type prefixes []netip.Prefix

func (p prefixes) Contains(addr netip.Addr) bool {
	for _, pfx := range p {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// startUpstream runs a miekg/dns server on loopback answering every A query with the
// address answers returns for the name.
func startUpstream(t *testing.T, answers func(name string) string) netip.AddrPort {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			if ip := answers(q.Name); ip != "" {
				m.Answer = []dns.RR{&dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip).To4(),
				}}
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return netip.MustParseAddrPort(pc.LocalAddr().String())
}

func startProxy(t *testing.T, cfg Config) *Proxy {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		if err := p.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p
}

func exchange(t *testing.T, addr netip.AddrPort, name string, qtype uint16) *dns.Msg {
	t.Helper()
	c := &dns.Client{Net: "udp", Timeout: 3 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := c.Exchange(m, addr.String())
	if err != nil {
		t.Fatalf("Exchange(%s): %v", name, err)
	}
	return resp
}

func TestProxyArbitration(t *testing.T) {
	poisoned := startUpstream(t, func(name string) string {
		if name == "google.com." {
			return "9.9.9.9"
		}
		return "1.2.3.4"
	})
	trusted := startUpstream(t, func(name string) string {
		if name == "google.com." {
			return "142.250.0.1"
		}
		return "5.6.7.8"
	})

	p := startProxy(t, Config{
		Listen: netip.MustParseAddrPort("127.0.0.1:0"),
		Upstreams: []arbiter.Upstream{
			{Addr: poisoned, Class: arbiter.Untrusted},
			{Addr: trusted, Class: arbiter.Trusted},
		},
		Mode:       arbiter.Fair,
		FilterAAAA: true,
		Checker:    &dnsmsg.Checker{Routes: prefixes{netip.MustParsePrefix("1.0.0.0/8")}},
		Lists:      &namelist.Lists{BlockFirst: true},
	})
	addr, err := p.LocalAddr()
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"google.com": "142.250.0.1", // untrusted answer outside the routes is filtered
		"baidu.com":  "1.2.3.4",     // untrusted answer inside the routes wins
	}
	for name, want := range cases {
		resp := exchange(t, addr, name, dns.TypeA)
		if len(resp.Answer) != 1 {
			t.Fatalf("%s: %d answers", name, len(resp.Answer))
		}
		if got := resp.Answer[0].(*dns.A).A.String(); got != want {
			t.Errorf("%s resolved to %s, want %s", name, got, want)
		}
	}

	resp := exchange(t, addr, "example.org", dns.TypeAAAA)
	if resp.Rcode != dns.RcodeRefused {
		t.Errorf("AAAA rcode = %s, want REFUSED", dns.RcodeToString[resp.Rcode])
	}
}

func TestProxyBindFailure(t *testing.T) {
	_, err := New(Config{
		Listen:    netip.MustParseAddrPort("192.0.2.1:53"),
		Upstreams: []arbiter.Upstream{{Addr: netip.MustParseAddrPort("127.0.0.1:9"), Class: arbiter.Trusted}},
	})
	if err == nil {
		t.Fatal("New bound a non-local address")
	}
}
