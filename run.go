package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"dnssplit/api"
	"dnssplit/arbiter"
	"dnssplit/config"
	"dnssplit/daemon"
	"dnssplit/dnsmsg"
	"dnssplit/dnsservers"
	"dnssplit/fullstats"
	"dnssplit/iproute"
	"dnssplit/ipvalidator"
	"dnssplit/logger"
	"dnssplit/namelist"
	"dnssplit/proxy"
)

// run starts the proxy (and the API when enabled) and blocks until ctx is done
// or one of them fails.
func run(ctx context.Context, cfg config.Config) error {
	log := logger.New(os.Stderr, cfg.Verbose, logger.ProxyLog, cfg.Log.Dir, cfg.Log)
	defer log.Close()

	servers, err := cfg.Servers()
	if err != nil {
		return err
	}
	upstreams, err := dnsservers.Upstreams(servers, cfg.RepeatTimes)
	if err != nil {
		return err
	}
	listen, err := listenAddr(cfg)
	if err != nil {
		return err
	}

	log.Info("local listen addr", "addr", listen)
	for _, s := range servers {
		log.Info("upstream server", "class", s.Class(), "addr", s.String())
	}
	log.Info("dns query timeout", "seconds", cfg.TimeoutSec)

	routes := iproute.New()
	v4Path, v6Path := cfg.RoutePaths()
	n4, err := loadRoutes(routes, v4Path, iproute.IPv4)
	if err != nil {
		return err
	}
	n6, err := loadRoutes(routes, v6Path, iproute.IPv6)
	if err != nil {
		return err
	}
	log.Info("route tables loaded", "ipv4", n4, "ipv4_file", v4Path, "ipv6", n6, "ipv6_file", v6Path)

	lists := &namelist.Lists{Block: namelist.NewList(), Allow: namelist.NewList(), BlockFirst: !cfg.ChnListFirst}
	if cfg.GFWListFile != "" {
		n, err := namelist.LoadFromFile(lists.Block, cfg.GFWListFile)
		if err != nil {
			return fmt.Errorf("load gfwlist: %w", err)
		}
		log.Info("gfwlist entries count", "count", n)
	}
	if cfg.ChnListFile != "" {
		n, err := namelist.LoadFromFile(lists.Allow, cfg.ChnListFile)
		if err != nil {
			return fmt.Errorf("load chnlist: %w", err)
		}
		log.Info("chnlist entries count", "count", n)
	}
	if cfg.GFWListFile != "" && cfg.ChnListFile != "" {
		first := "gfwlist"
		if cfg.ChnListFirst {
			first = "chnlist"
		}
		log.Info("list priority", "first", first)
	}

	mode := arbiter.Fast
	if cfg.FairMode {
		mode = arbiter.Fair
	}
	if cfg.RepeatTimes > 1 {
		log.Info("enable repeat mode", "times", cfg.RepeatTimes)
	}
	log.Info("arbitration", "mode", mode, "accept_no_addr", cfg.NoIPAsChnIP, "filter_aaaa", cfg.NoIPv6, "reuse_port", cfg.ReusePort)

	tracker, err := fullstats.New(cfg.FullStatsDir, cfg.FullStats)
	if err != nil {
		return err
	}
	defer tracker.Close()
	var sink arbiter.Sink
	if tracker != nil {
		sink = tracker
		log.Info("full stats enabled", "dir", cfg.FullStatsDir)
	}

	p, err := proxy.New(proxy.Config{
		Listen:     listen,
		ReusePort:  cfg.ReusePort,
		Upstreams:  upstreams,
		Timeout:    time.Duration(cfg.TimeoutSec) * time.Second,
		Mode:       mode,
		FilterAAAA: cfg.NoIPv6,
		Lists:      lists,
		Checker:    &dnsmsg.Checker{Routes: routes, AcceptNoAddr: cfg.NoIPAsChnIP},
		Sink:       sink,
		Logger:     log.Logger,
	})
	if err != nil {
		return fmt.Errorf("start proxy on %s: %w", listen, err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("close proxy", "error", err)
		}
	}()

	state := daemon.NewState()
	state.UpdateListener(func(l *daemon.ListenerSettings) {
		l.DNSAddress = listen.String()
		l.APIEnabled = cfg.APIEnabled
		l.APIPort = cfg.RESTPort
	})
	addrs := dnsservers.GetDNSArray(servers)
	infos := make([]daemon.UpstreamInfo, len(upstreams))
	for i, up := range upstreams {
		infos[i] = daemon.UpstreamInfo{Address: addrs[i], Class: up.Class.String(), Repeat: up.Repeat}
	}
	state.SetUpstreams(mode.String(), infos)
	state.SetInventory(daemon.Inventory{
		Routes4:   routes.Len(iproute.IPv4),
		Routes6:   routes.Len(iproute.IPv6),
		BlockList: lists.Block.Count(),
		AllowList: lists.Allow.Count(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		state.SetServerStatus(true)
		defer state.SetServerStatus(false)
		return p.Run(gctx)
	})
	if cfg.APIEnabled {
		apiLog := logger.New(os.Stderr, cfg.Verbose, logger.APILog, cfg.Log.Dir, cfg.Log)
		defer apiLog.Close()
		srv := api.New(api.Deps{
			State:   state,
			Metrics: p.Metrics(),
			Routes:  routes,
			Lists:   lists,
			Stats:   tracker,
			Logger:  apiLog.Logger,
		})
		g.Go(func() error {
			if err := srv.Run(gctx, cfg.RESTPort); err != nil {
				return fmt.Errorf("api on port %s: %w", cfg.RESTPort, err)
			}
			return nil
		})
	}

	err = g.Wait()
	snap := p.Metrics().Snapshot()
	log.Info("shutting down",
		"queries", snap.Queries,
		"timeouts", snap.Timeouts,
		"live", snap.Live,
		"uptime", strconv.FormatFloat(state.Uptime().Seconds(), 'f', 0, 64)+"s")
	return err
}

// loadRoutes fills table from path; an empty path loads nothing.
func loadRoutes(table *iproute.Table, path string, family iproute.Family) (int, error) {
	if path == "" {
		return 0, nil
	}
	n, err := table.LoadFile(path, family)
	if err != nil {
		return 0, fmt.Errorf("load %s routes: %w", family, err)
	}
	return n, nil
}

// listenAddr returns the listener address from the bind settings.
func listenAddr(cfg config.Config) (netip.AddrPort, error) {
	addr, _, err := ipvalidator.ParseAddr(cfg.BindAddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("listen address: %w", err)
	}
	if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
		return netip.AddrPort{}, fmt.Errorf("listen port: invalid port number %d", cfg.BindPort)
	}
	return netip.AddrPortFrom(addr, uint16(cfg.BindPort)), nil
}
