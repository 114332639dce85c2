// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
//
package ipvalidator

import (
	"testing"
)

func TestValidateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPType
	}{
		{"127.0.0.1", IPv4},
		{"114.114.114.114", IPv4},
		{" 10.0.0.1 ", IPv4},
		{"::1", IPv6},
		{"2001:4860:4860::8888", IPv6},
		{"fe80::1%eth0", Invalid},
		{"::ffff:1.2.3.4", Invalid},
		{"", Invalid},
		{"dns.google", Invalid},
		{"256.1.1.1", Invalid},
		{"01.2.3.4", Invalid},
		{"8.8.8.8#53", Invalid},
	}
	for _, tt := range tests {
		if got := ValidateIP(tt.ip); got != tt.want {
			t.Errorf("ValidateIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
		if IsValidIP(tt.ip) != (tt.want != Invalid) {
			t.Errorf("IsValidIP(%q) disagrees with ValidateIP", tt.ip)
		}
	}
}

func TestParseAddr(t *testing.T) {
	addr, typ, err := ParseAddr(" 2001:db8::1 ")
	if err != nil || typ != IPv6 || addr.String() != "2001:db8::1" {
		t.Errorf("ParseAddr = %v, %v, %v", addr, typ, err)
	}
	if _, _, err := ParseAddr("localhost"); err == nil {
		t.Error("ParseAddr(localhost) should fail")
	}
}

func TestIPTypeString(t *testing.T) {
	if IPv4.String() != "IPv4" || IPv6.String() != "IPv6" || Invalid.String() != "Invalid" {
		t.Error("IPType.String mismatch")
	}
}

// FuzzValidateIP exercises IP validation with arbitrary strings to find panics.
func FuzzValidateIP(f *testing.F) {
	f.Add("127.0.0.1")
	f.Add("::1")
	f.Add("fe80::1%lo")
	f.Add("")
	f.Fuzz(func(t *testing.T, ip string) {
		if ValidateIP(ip) != Invalid {
			if _, _, err := ParseAddr(ip); err != nil {
				t.Errorf("ParseAddr(%q) failed for a valid address: %v", ip, err)
			}
		}
	})
}
