// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package ipvalidator

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPType represents the family of a configured address
type IPType int

const (
	Invalid IPType = iota
	IPv4
	IPv6
)

func (t IPType) String() string {
	switch t {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "Invalid"
	}
}

// IsValidIP returns true if the string is a literal IPv4 or IPv6 address
func IsValidIP(ip string) bool {
	return ValidateIP(ip) != Invalid
}

// ValidateIP returns the family of a literal address. Zoned IPv6 addresses and
// IPv4-mapped IPv6 addresses are rejected; they cannot be used as listen or upstream
// addresses.
func ValidateIP(ip string) IPType {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || addr.Zone() != "" {
		return Invalid
	}
	switch {
	case addr.Is4():
		return IPv4
	case addr.Is4In6():
		return Invalid
	default:
		return IPv6
	}
}

// ParseAddr validates ip and returns it parsed.
func ParseAddr(ip string) (netip.Addr, IPType, error) {
	ip = strings.TrimSpace(ip)
	t := ValidateIP(ip)
	if t == Invalid {
		return netip.Addr{}, Invalid, fmt.Errorf("invalid ip address: %q", ip)
	}
	return netip.MustParseAddr(ip), t, nil
}
