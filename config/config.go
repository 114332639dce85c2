package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dnssplit/dnsservers"
	"dnssplit/iproute"
	"dnssplit/ipvalidator"
	"dnssplit/namelist"
)

const (
	// FileName is the canonical name of the configuration file.
	FileName = "dnssplit.json"
	// systemConfigPath is the location checked last when resolving the config.
	systemConfigPath = "/etc/" + FileName
)

// Defaults used when neither the config file nor a flag sets a value.
const (
	DefaultBindAddr    = "127.0.0.1"
	DefaultBindPort    = 65353
	DefaultChinaDNS    = "114.114.114.114#53"
	DefaultTrustDNS    = "8.8.8.8#53"
	DefaultIPSetName4  = "chnroute"
	DefaultIPSetName6  = "chnroute6"
	DefaultTimeoutSec  = 5
	DefaultRepeatTimes = 1
	DefaultRESTPort    = "8080"
)

var ErrInvalid = errors.New("config: invalid configuration")

// LogRotationMode is the log rotation strategy: "none", "size", or "time".
type LogRotationMode string

const (
	LogRotationNone LogRotationMode = "none"
	LogRotationSize LogRotationMode = "size"
	LogRotationTime LogRotationMode = "time"
)

// LogConfig holds logging directory, severity, and rotation settings.
type LogConfig struct {
	Dir            string          `json:"log_dir"`
	Severity       string          `json:"log_severity"`
	Rotation       LogRotationMode `json:"log_rotation"`
	RotationSizeMB int             `json:"log_rotation_size_mb"`
	RotationDays   int             `json:"log_rotation_time_days"`
}

// Config captures all persisted settings for dnssplit.
// Keys match the long CLI flags with dashes replaced by underscores.
type Config struct {
	BindAddr    string `json:"bind_addr"`
	BindPort    int    `json:"bind_port"`
	ChinaDNS    string `json:"china_dns"`
	TrustDNS    string `json:"trust_dns"`
	IPSetName4  string `json:"ipset_name4"`
	IPSetName6  string `json:"ipset_name6"`
	RouteDir    string `json:"route_dir"`
	GFWListFile string `json:"gfwlist_file,omitempty"`
	ChnListFile string `json:"chnlist_file,omitempty"`
	TimeoutSec  int    `json:"timeout_sec"`
	RepeatTimes int    `json:"repeat_times"`
	// ChnListFirst makes the chnlist win when a name is on both lists.
	ChnListFirst bool `json:"chnlist_first"`
	NoIPv6       bool `json:"no_ipv6"`
	FairMode     bool `json:"fair_mode"`
	ReusePort    bool `json:"reuse_port"`
	NoIPAsChnIP  bool `json:"noip_as_chnip"`
	Verbose      bool `json:"verbose"`

	RESTPort     string    `json:"apiport"`
	APIEnabled   bool      `json:"api"`
	FullStats    bool      `json:"full_stats"`
	FullStatsDir string    `json:"full_stats_dir"`
	Log          LogConfig `json:"log"`
}

// Loaded contains the configuration together with metadata about the source file.
type Loaded struct {
	Path    string
	Created bool
	Config  Config
}

// Load resolves the dnssplit configuration file, creating a default one if
// necessary, and returns the parsed configuration alongside metadata.
func Load() (*Loaded, error) {
	candidates, err := candidatePaths()
	if err != nil {
		return nil, err
	}

	for _, path := range candidates {
		cfg, err := Read(path)
		if err == nil {
			return &Loaded{Path: path, Config: *cfg}, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	defaultDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: determine working directory: %w", err)
	}

	defaultPath := filepath.Join(defaultDir, FileName)
	cfg := Defaults(defaultDir)
	if err := Save(defaultPath, cfg); err != nil {
		return nil, err
	}
	return &Loaded{Path: defaultPath, Created: true, Config: cfg}, nil
}

// resolveConfigPath returns the config file path. If path is a directory (ends
// with /, exists as dir, or path has no extension), returns path/FileName;
// otherwise returns path as the config file path.
func resolveConfigPath(path string) (string, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return "", fmt.Errorf("config: path is empty")
	}
	isDir := strings.HasSuffix(path, string(filepath.Separator))
	if !isDir {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			isDir = true
		} else if !strings.Contains(filepath.Base(path), ".") {
			isDir = true
		}
	}
	if isDir {
		path = strings.TrimSuffix(path, string(filepath.Separator))
		return filepath.Join(path, FileName), nil
	}
	return path, nil
}

// LoadFromPath loads configuration from the given path, or creates a default
// config at that path if the file does not exist. Path may be a directory
// (then config is path/dnssplit.json) or a file path (then that file is used).
func LoadFromPath(path string) (*Loaded, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	configPath, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Read(configPath)
	if err == nil {
		return &Loaded{Path: configPath, Config: *cfg}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
	}
	defaultCfg := Defaults(filepath.Dir(configPath))
	if err := Save(configPath, defaultCfg); err != nil {
		return nil, err
	}
	return &Loaded{Path: configPath, Created: true, Config: defaultCfg}, nil
}

// Read loads and normalises configuration from the specified path without
// searching other locations.
func Read(path string) (*Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Save writes the supplied configuration back to the given path.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: ensure config directory %s: %w", dir, err)
	}
	cfg.applyDefaults(dir)
	return writeConfig(path, &cfg)
}

// Defaults returns a configuration with every default applied, rooted at dir.
func Defaults(dir string) Config {
	cfg := defaultConfig(dir)
	cfg.applyDefaults(dir)
	return *cfg
}

// Validate checks the settings that the proxy cannot start without.
func (c *Config) Validate() error {
	if !ipvalidator.IsValidIP(c.BindAddr) {
		return fmt.Errorf("%w: invalid listen ip address: %q", ErrInvalid, c.BindAddr)
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("%w: invalid listen port number: %d", ErrInvalid, c.BindPort)
	}
	if c.TimeoutSec <= 0 {
		return fmt.Errorf("%w: invalid upstream timeout sec: %d", ErrInvalid, c.TimeoutSec)
	}
	if c.RepeatTimes < 1 {
		return fmt.Errorf("%w: repeat times min value is 1: %d", ErrInvalid, c.RepeatTimes)
	}
	if c.GFWListFile == namelist.StdinPath && c.ChnListFile == namelist.StdinPath {
		return fmt.Errorf("%w: gfwlist and chnlist are both stdin", ErrInvalid)
	}
	if _, err := c.Servers(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Servers parses the china (untrusted) and trust (trusted) server lists, untrusted first.
func (c *Config) Servers() ([]dnsservers.DNSServer, error) {
	china, err := dnsservers.ParseList(c.ChinaDNS, false)
	if err != nil {
		return nil, fmt.Errorf("china dns: %w", err)
	}
	trust, err := dnsservers.ParseList(c.TrustDNS, true)
	if err != nil {
		return nil, fmt.Errorf("trust dns: %w", err)
	}
	if len(china) == 0 || len(trust) == 0 {
		return nil, fmt.Errorf("at least one china dns and one trust dns server are required")
	}
	return append(china, trust...), nil
}

// RoutePaths returns the IPv4 and IPv6 route table files.
func (c *Config) RoutePaths() (string, string) {
	return routePath(c.RouteDir, c.IPSetName4), routePath(c.RouteDir, c.IPSetName6)
}

func routePath(dir, name string) string {
	name = iproute.FileName(name)
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return filepath.Join(dir, name)
}

func candidatePaths() ([]string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("config: determine executable path: %w", err)
	}
	execDir := filepath.Dir(execPath)

	var paths []string
	paths = appendIfMissing(paths, filepath.Join(execDir, FileName))

	if userPath, err := userConfigPath(); err == nil && userPath != "" {
		paths = appendIfMissing(paths, userPath)
	}

	paths = appendIfMissing(paths, systemConfigPath)
	return paths, nil
}

func userConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: determine user config dir: %w", err)
	}
	return filepath.Join(dir, "dnssplit", FileName), nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("config: file %s is empty", path)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func writeConfig(path string, cfg *Config) error {
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func defaultConfig(baseDir string) *Config {
	logDir := "/var/log/dnssplit"
	if !isSystemConfigDir(baseDir) {
		logDir = filepath.Join(baseDir, "log")
	}
	return &Config{
		BindAddr:     DefaultBindAddr,
		BindPort:     DefaultBindPort,
		ChinaDNS:     DefaultChinaDNS,
		TrustDNS:     DefaultTrustDNS,
		IPSetName4:   DefaultIPSetName4,
		IPSetName6:   DefaultIPSetName6,
		RouteDir:     baseDir,
		TimeoutSec:   DefaultTimeoutSec,
		RepeatTimes:  DefaultRepeatTimes,
		RESTPort:     DefaultRESTPort,
		FullStatsDir: filepath.Join(baseDir, "fullstats"),
		Log: LogConfig{
			Dir:            logDir,
			Severity:       "none",
			Rotation:       LogRotationSize,
			RotationSizeMB: 100,
			RotationDays:   7,
		},
	}
}

func (c *Config) applyDefaults(configDir string) {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.BindPort == 0 {
		c.BindPort = DefaultBindPort
	}
	if c.ChinaDNS == "" {
		c.ChinaDNS = DefaultChinaDNS
	}
	if c.TrustDNS == "" {
		c.TrustDNS = DefaultTrustDNS
	}
	if c.IPSetName4 == "" {
		c.IPSetName4 = DefaultIPSetName4
	}
	if c.IPSetName6 == "" {
		c.IPSetName6 = DefaultIPSetName6
	}
	c.RouteDir = ensureAbsolutePath(configDir, c.RouteDir, "")
	if c.TimeoutSec == 0 {
		c.TimeoutSec = DefaultTimeoutSec
	}
	if c.RepeatTimes == 0 {
		c.RepeatTimes = DefaultRepeatTimes
	}
	if c.RESTPort == "" {
		c.RESTPort = DefaultRESTPort
	}
	if c.FullStatsDir == "" {
		c.FullStatsDir = filepath.Join(configDir, "fullstats")
	} else {
		c.FullStatsDir = ensureAbsolutePath(configDir, c.FullStatsDir, "fullstats")
	}

	if c.Log.Dir == "" {
		if isSystemConfigDir(configDir) {
			c.Log.Dir = "/var/log/dnssplit"
		} else {
			c.Log.Dir = filepath.Join(configDir, "log")
		}
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "none"
	}
	// "none" means no log file; console logging is unaffected
	if c.Log.Rotation == "" {
		c.Log.Rotation = LogRotationSize
	}
	if c.Log.RotationSizeMB <= 0 {
		c.Log.RotationSizeMB = 100
	}
	if c.Log.RotationDays <= 0 {
		c.Log.RotationDays = 7
	}
}

func appendIfMissing(paths []string, candidate string) []string {
	for _, existing := range paths {
		if existing == candidate {
			return paths
		}
	}
	return append(paths, candidate)
}

func ensureAbsolutePath(configDir, value, fallbackName string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return filepath.Join(configDir, fallbackName)
	}
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(configDir, value)
}

// isSystemConfigDir returns true when configDir is the system config location (e.g. /etc or /etc/dnssplit),
// so log dir and other defaults can use system paths like /var/log/dnssplit.
func isSystemConfigDir(configDir string) bool {
	clean := filepath.Clean(configDir)
	return clean == "/etc" || strings.HasPrefix(clean, "/etc"+string(filepath.Separator))
}
