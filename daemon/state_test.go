// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package daemon

import (
	"testing"
)

func TestNewState(t *testing.T) {
	s := NewState()
	if s == nil {
		t.Fatal("NewState returned nil")
	}
	if s.ServerStatus() {
		t.Error("new state should have ServerStatus false")
	}
	if s.APIRunning() {
		t.Error("new state should have APIRunning false")
	}
	if s.Started().IsZero() || s.Uptime() < 0 {
		t.Error("start time not recorded")
	}
}

func TestState_ServerStatus(t *testing.T) {
	s := NewState()
	s.SetServerStatus(true)
	if !s.ServerStatus() {
		t.Error("ServerStatus() = false after SetServerStatus(true)")
	}
	s.SetServerStatus(false)
	if s.ServerStatus() {
		t.Error("ServerStatus() = true after SetServerStatus(false)")
	}
}

func TestState_APIRunning(t *testing.T) {
	s := NewState()
	s.SetAPIRunning(true)
	if !s.APIRunning() {
		t.Error("APIRunning() = false after SetAPIRunning(true)")
	}
	s.SetAPIRunning(false)
	if s.APIRunning() {
		t.Error("APIRunning() = true after SetAPIRunning(false)")
	}
}

func TestState_ListenerSnapshot(t *testing.T) {
	s := NewState()
	snapshot := s.ListenerSnapshot()
	if snapshot.DNSAddress != "" || snapshot.APIPort != "" {
		t.Errorf("new listener snapshot should have zero values, got %+v", snapshot)
	}
	s.UpdateListener(func(l *ListenerSettings) {
		l.DNSAddress = "127.0.0.1:65353"
		l.APIPort = "8080"
		l.APIEnabled = true
	})
	snapshot = s.ListenerSnapshot()
	if snapshot.DNSAddress != "127.0.0.1:65353" || snapshot.APIPort != "8080" || !snapshot.APIEnabled {
		t.Errorf("ListenerSnapshot() = %+v", snapshot)
	}
}

func TestState_UpstreamsAreCopied(t *testing.T) {
	s := NewState()
	ups := []UpstreamInfo{{Address: "114.114.114.114#53", Class: "untrusted", Repeat: 1}}
	s.SetUpstreams("fast", ups)
	ups[0].Address = "changed"

	mode, got := s.Upstreams()
	if mode != "fast" || len(got) != 1 || got[0].Address != "114.114.114.114#53" {
		t.Errorf("Upstreams() = %s, %+v", mode, got)
	}
	got[0].Repeat = 9
	if _, again := s.Upstreams(); again[0].Repeat != 1 {
		t.Error("Upstreams returned shared storage")
	}
}

func TestState_Inventory(t *testing.T) {
	s := NewState()
	s.SetInventory(Inventory{Routes4: 8000, BlockList: 5000})
	if inv := s.Inventory(); inv.Routes4 != 8000 || inv.BlockList != 5000 || inv.Routes6 != 0 {
		t.Errorf("Inventory() = %+v", inv)
	}
}
