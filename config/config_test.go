package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromPathCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadFromPath(dir)
	if err != nil {
		t.Fatalf("LoadFromPath(%q) error: %v", dir, err)
	}
	if !loaded.Created {
		t.Error("expected Created true when creating default config")
	}
	cfg := loaded.Config
	if cfg.BindAddr != DefaultBindAddr || cfg.BindPort != DefaultBindPort {
		t.Errorf("listen = %s#%d, want %s#%d", cfg.BindAddr, cfg.BindPort, DefaultBindAddr, DefaultBindPort)
	}
	if cfg.TimeoutSec != 5 || cfg.RepeatTimes != 1 || cfg.FairMode || cfg.ChnListFirst {
		t.Errorf("unexpected arbitration defaults: %+v", cfg)
	}
	if cfg.Log.Dir == "" {
		t.Error("default config should have non-empty Log.Dir")
	}
	if _, err := os.Stat(loaded.Path); err != nil {
		t.Errorf("config file not created at %q: %v", loaded.Path, err)
	}
	expectedPath := filepath.Join(dir, FileName)
	if loaded.Path != expectedPath {
		t.Errorf("loaded.Path = %q, want %q", loaded.Path, expectedPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}

	again, err := LoadFromPath(dir)
	if err != nil || again.Created {
		t.Errorf("second LoadFromPath = created %v, err %v; want existing file", again.Created, err)
	}
}

func TestSaveAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.json")
	cfg := Defaults(dir)
	cfg.TrustDNS = "1.1.1.1#53,8.8.8.8"
	cfg.FairMode = true
	cfg.GFWListFile = "gfwlist.txt"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.TrustDNS != cfg.TrustDNS || !got.FairMode || got.GFWListFile != "gfwlist.txt" {
		t.Errorf("Read = %+v", got)
	}
	servers, err := got.Servers()
	if err != nil || len(servers) != 3 || servers[0].Trusted || !servers[2].Trusted {
		t.Errorf("Servers() = %v, %v", servers, err)
	}
}

func TestReadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Error("Read of an empty file should fail")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]func(*Config){
		"bad bind addr":    func(c *Config) { c.BindAddr = "localhost" },
		"bad port":         func(c *Config) { c.BindPort = 70000 },
		"zero timeout":     func(c *Config) { c.TimeoutSec = -1 },
		"zero repeat":      func(c *Config) { c.RepeatTimes = -2 },
		"both stdin":       func(c *Config) { c.GFWListFile, c.ChnListFile = "-", "-" },
		"three china dns":  func(c *Config) { c.ChinaDNS = "1.1.1.1,2.2.2.2,3.3.3.3" },
		"bad trust dns":    func(c *Config) { c.TrustDNS = "dns.google#53" },
		"no china servers": func(c *Config) { c.ChinaDNS = " , " },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults(dir)
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestRoutePaths(t *testing.T) {
	cfg := Config{RouteDir: "/etc/dnssplit", IPSetName4: "chnroute", IPSetName6: "/srv/routes/v6.list"}
	v4, v6 := cfg.RoutePaths()
	if v4 != "/etc/dnssplit/chnroute.txt" {
		t.Errorf("v4 path = %s", v4)
	}
	if v6 != "/srv/routes/v6.list" {
		t.Errorf("v6 path = %s", v6)
	}
}
