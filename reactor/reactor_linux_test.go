//go:build linux

package reactor

import (
	"net/netip"
	"testing"
	"time"

	"dnssplit/udpsock"
)

type drainer struct {
	socks map[Tag]*udpsock.Socket
	got   map[Tag]string
	buf   []byte
}

func (d *drainer) Readable(tag Tag) {
	n, from, err := d.socks[tag].RecvFrom(d.buf)
	if err == nil && from.IsValid() {
		d.got[tag] = string(d.buf[:n])
	}
}

func (d *drainer) Error(Tag, int) {}

func TestEpollUDP(t *testing.T) {
	d := &drainer{socks: make(map[Tag]*udpsock.Socket), got: make(map[Tag]string), buf: make([]byte, 512)}
	r, err := New(d, Options{Idle: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	var addrs []netip.AddrPort
	for tag := Tag(1); tag <= 2; tag++ {
		s, err := udpsock.Listen(netip.MustParseAddrPort("127.0.0.1:0"), udpsock.Options{})
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		if err := r.Register(s.FD(), tag); err != nil {
			t.Fatalf("Register: %v", err)
		}
		d.socks[tag] = s
		a, _ := s.LocalAddr()
		addrs = append(addrs, a)
	}

	sender, err := udpsock.Open(netip.MustParseAddr("127.0.0.1"), udpsock.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()
	sender.SendTo([]byte("one"), addrs[0])
	sender.SendTo([]byte("two"), addrs[1])

	deadline := time.Now().Add(2 * time.Second)
	for len(d.got) < 2 && time.Now().Before(deadline) {
		if _, err := r.Poll(8); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if d.got[1] != "one" || d.got[2] != "two" {
		t.Errorf("received %v, want one on tag 1 and two on tag 2", d.got)
	}

	// nothing pending: an idle poll returns without dispatching
	n, err := r.Poll(1)
	if err != nil || n != 0 {
		t.Errorf("idle Poll = %d, %v", n, err)
	}
}
