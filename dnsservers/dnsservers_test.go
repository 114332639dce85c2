// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package dnsservers

import (
	"errors"
	"net/netip"
	"testing"

	"dnssplit/arbiter"
)

func TestParseList(t *testing.T) {
	t.Run("default port", func(t *testing.T) {
		servers, err := ParseList("114.114.114.114", false)
		if err != nil {
			t.Fatalf("ParseList: %v", err)
		}
		if len(servers) != 1 || servers[0].Port != "53" || servers[0].Trusted {
			t.Errorf("servers = %+v", servers)
		}
	})

	t.Run("ipv6 with port", func(t *testing.T) {
		servers, err := ParseList("8.8.8.8#5353, 2001:4860:4860::8888#53", true)
		if err != nil {
			t.Fatalf("ParseList: %v", err)
		}
		if len(servers) != 2 {
			t.Fatalf("len = %d, want 2", len(servers))
		}
		addr, err := servers[1].AddrPort()
		if err != nil || addr != netip.MustParseAddrPort("[2001:4860:4860::8888]:53") {
			t.Errorf("AddrPort = %v, %v", addr, err)
		}
		if servers[0].String() != "8.8.8.8#5353" {
			t.Errorf("String() = %s", servers[0].String())
		}
	})

	t.Run("empty", func(t *testing.T) {
		servers, err := ParseList("", false)
		if err != nil || len(servers) != 0 {
			t.Errorf("ParseList(\"\") = %v, %v", servers, err)
		}
	})
}

func TestParseListErrors(t *testing.T) {
	if _, err := ParseList("1.1.1.1,2.2.2.2,3.3.3.3", false); !errors.Is(err, ErrTooMany) {
		t.Errorf("three servers: err = %v, want ErrTooMany", err)
	}
	for _, bad := range []string{"dns.google", "1.1.1.1#0", "1.1.1.1#70000", "1.1.1.1#x", "1.1.1#53"} {
		if _, err := ParseList(bad, true); !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("ParseList(%q) err = %v, want ErrInvalidArgs", bad, err)
		}
	}
}

func TestUpstreams(t *testing.T) {
	china, _ := ParseList("223.5.5.5", false)
	trust, _ := ParseList("1.1.1.1#53,8.8.4.4", true)
	ups, err := Upstreams(append(china, trust...), 3)
	if err != nil {
		t.Fatalf("Upstreams: %v", err)
	}
	if len(ups) != 3 {
		t.Fatalf("len = %d, want 3", len(ups))
	}
	if ups[0].Class != arbiter.Untrusted || ups[0].Repeat != 1 {
		t.Errorf("untrusted upstream = %+v, want repeat 1", ups[0])
	}
	if ups[1].Class != arbiter.Trusted || ups[1].Repeat != 3 {
		t.Errorf("trusted upstream = %+v, want repeat 3", ups[1])
	}
	if got := GetDNSArray(trust); len(got) != 2 || got[1] != "8.8.4.4#53" {
		t.Errorf("GetDNSArray = %v", got)
	}
}
