// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dnssplit/config"
	"dnssplit/logger"
)

const appversion = "1.0.0"

// options holds the raw command line values. Only flags the user actually set
// override the config file.
type options struct {
	configPath   string
	bindAddr     string
	bindPort     int
	chinaDNS     string
	trustDNS     string
	ipsetName4   string
	ipsetName6   string
	gfwlistFile  string
	chnlistFile  string
	timeoutSec   int
	repeatTimes  int
	chnlistFirst bool
	noIPv6       bool
	fairMode     bool
	reusePort    bool
	noIPAsChnIP  bool
	verbose      bool
	version      bool
	api          bool
	apiPort      string
	statsDir     string
	logDir       string
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&options{})
}

func newRootCmdWith(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dnssplit",
		Short:         "Split-horizon DNS forwarder that picks between domestic and trusted upstreams",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.version {
				fmt.Fprintln(cmd.OutOrStdout(), "dnssplit", appversion)
				return nil
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVarP(&opts.bindAddr, "bind-addr", "b", config.DefaultBindAddr, "listen address")
	f.IntVarP(&opts.bindPort, "bind-port", "l", config.DefaultBindPort, "listen port number")
	f.StringVarP(&opts.chinaDNS, "china-dns", "c", config.DefaultChinaDNS, "china dns server, <ip[#port],...>")
	f.StringVarP(&opts.trustDNS, "trust-dns", "t", config.DefaultTrustDNS, "trust dns server, <ip[#port],...>")
	f.StringVarP(&opts.ipsetName4, "ipset-name4", "4", config.DefaultIPSetName4, "ipv4 route table name or file")
	f.StringVarP(&opts.ipsetName6, "ipset-name6", "6", config.DefaultIPSetName6, "ipv6 route table name or file")
	f.StringVarP(&opts.gfwlistFile, "gfwlist-file", "g", "", "filepath of gfwlist, '-' indicates stdin")
	f.StringVarP(&opts.chnlistFile, "chnlist-file", "m", "", "filepath of chnlist, '-' indicates stdin")
	f.IntVarP(&opts.timeoutSec, "timeout-sec", "o", config.DefaultTimeoutSec, "timeout of the upstream dns")
	f.IntVarP(&opts.repeatTimes, "repeat-times", "p", config.DefaultRepeatTimes, "send each query this many times to trust dns")
	f.BoolVarP(&opts.chnlistFirst, "chnlist-first", "M", false, "match chnlist first")
	f.BoolVarP(&opts.noIPv6, "no-ipv6", "N", false, "refuse ipv6-address queries (qtype AAAA)")
	f.BoolVarP(&opts.fairMode, "fair-mode", "f", false, "enable fair mode instead of fast mode")
	f.BoolVarP(&opts.reusePort, "reuse-port", "r", false, "enable SO_REUSEPORT on the listen socket")
	f.BoolVarP(&opts.noIPAsChnIP, "noip-as-chnip", "n", false, "accept china dns replies without an ip address")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print the verbose log")
	f.BoolVarP(&opts.version, "version", "V", false, "print the version number and exit")
	f.StringVar(&opts.configPath, "config", "", "config file or directory (default: search the standard locations)")
	f.BoolVar(&opts.api, "api", false, "enable the HTTP status API")
	f.StringVar(&opts.apiPort, "apiport", "", "port for the HTTP status API")
	f.StringVar(&opts.statsDir, "stats-dir", "", "enable per-domain statistics stored in this directory")
	f.StringVar(&opts.logDir, "log-dir", "", "directory for log files")
	return cmd
}

// loadConfig reads the config file and overlays the flags that were set.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	var (
		loaded *config.Loaded
		err    error
	)
	if opts.configPath != "" {
		loaded, err = config.LoadFromPath(opts.configPath)
	} else {
		loaded, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	cfg := loaded.Config
	applyFlags(cmd, opts, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("bind-addr", func() { cfg.BindAddr = opts.bindAddr })
	set("bind-port", func() { cfg.BindPort = opts.bindPort })
	set("china-dns", func() { cfg.ChinaDNS = opts.chinaDNS })
	set("trust-dns", func() { cfg.TrustDNS = opts.trustDNS })
	set("ipset-name4", func() { cfg.IPSetName4 = opts.ipsetName4 })
	set("ipset-name6", func() { cfg.IPSetName6 = opts.ipsetName6 })
	set("gfwlist-file", func() { cfg.GFWListFile = opts.gfwlistFile })
	set("chnlist-file", func() { cfg.ChnListFile = opts.chnlistFile })
	set("timeout-sec", func() { cfg.TimeoutSec = opts.timeoutSec })
	set("repeat-times", func() { cfg.RepeatTimes = opts.repeatTimes })
	set("chnlist-first", func() { cfg.ChnListFirst = opts.chnlistFirst })
	set("no-ipv6", func() { cfg.NoIPv6 = opts.noIPv6 })
	set("fair-mode", func() { cfg.FairMode = opts.fairMode })
	set("reuse-port", func() { cfg.ReusePort = opts.reusePort })
	set("noip-as-chnip", func() { cfg.NoIPAsChnIP = opts.noIPAsChnIP })
	set("verbose", func() { cfg.Verbose = opts.verbose })
	set("api", func() { cfg.APIEnabled = opts.api })
	set("apiport", func() { cfg.RESTPort = opts.apiPort })
	set("stats-dir", func() {
		cfg.FullStatsDir = opts.statsDir
		cfg.FullStats = opts.statsDir != ""
	})
	set("log-dir", func() {
		cfg.Log.Dir = opts.logDir
		if strings.EqualFold(cfg.Log.Severity, logger.SeverityNone) {
			cfg.Log.Severity = "info"
		}
	})
}

// exitCode maps a startup error to the process exit status: the OS errno when
// one is wrapped, 1 otherwise.
func exitCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "dnssplit:", err)
		os.Exit(exitCode(err))
	}
}
