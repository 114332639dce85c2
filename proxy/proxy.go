// Package proxy owns the sockets, reactor and arbitration engine of one running
// instance and drives them from a single goroutine.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"

	"dnssplit/arbiter"
	"dnssplit/dnsmsg"
	dnslog "dnssplit/logger"
	"dnssplit/namelist"
	"dnssplit/reactor"
	"dnssplit/timerheap"
	"dnssplit/udpsock"
)

// DefaultBudget is the number of multiplexer waits per loop iteration.
const DefaultBudget = 30

const listenerTag = reactor.Tag(1 << 16)

// Config describes one proxy instance.
type Config struct {
	Listen     netip.AddrPort
	ReusePort  bool
	Upstreams  []arbiter.Upstream
	Timeout    time.Duration
	Mode       arbiter.Mode
	FilterAAAA bool
	Lists      *namelist.Lists
	Checker    *dnsmsg.Checker
	Sink       arbiter.Sink
	Logger     *slog.Logger
	// Budget bounds the multiplexer waits between two timer sweeps.
	Budget int
	// Idle bounds how long an iteration blocks waiting for traffic.
	Idle time.Duration
}

// Proxy is the context object shared by the reactor callbacks and the engine.
type Proxy struct {
	listener  *udpsock.Socket
	upstreams []*udpsock.Socket
	addrs     []netip.AddrPort
	reactor   *reactor.Reactor
	engine    *arbiter.Engine
	clock     *timerheap.Clock
	buf       []byte
	log       *slog.Logger
	budget    int
}

// New opens the sockets and wires the reactor and engine. Any failure here is a startup
// failure.
func New(cfg Config) (_ *Proxy, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = dnslog.Discard()
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	p := &Proxy{
		clock:  timerheap.NewClock(),
		buf:    make([]byte, dnsmsg.MaxSize),
		log:    logger,
		budget: budget,
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.reactor, err = reactor.New(p, reactor.Options{Idle: cfg.Idle, Wake: p.wake})
	if err != nil {
		return nil, err
	}

	p.listener, err = udpsock.Listen(cfg.Listen, udpsock.Options{ReusePort: cfg.ReusePort})
	if err != nil {
		return nil, err
	}
	if err = p.reactor.Register(p.listener.FD(), listenerTag); err != nil {
		return nil, err
	}

	for i, up := range cfg.Upstreams {
		var s *udpsock.Socket
		s, err = udpsock.Open(up.Addr.Addr(), udpsock.Options{})
		if err != nil {
			return nil, fmt.Errorf("proxy: upstream %s: %w", up.Addr, err)
		}
		p.upstreams = append(p.upstreams, s)
		p.addrs = append(p.addrs, up.Addr)
		if err = p.reactor.Register(s.FD(), reactor.Tag(i)); err != nil {
			return nil, err
		}
	}

	p.engine, err = arbiter.New(arbiter.Config{
		Upstreams:  cfg.Upstreams,
		Timeout:    cfg.Timeout,
		Mode:       cfg.Mode,
		FilterAAAA: cfg.FilterAAAA,
		Lists:      cfg.Lists,
		Checker:    cfg.Checker,
		Sender:     p,
		Logger:     logger,
		Sink:       cfg.Sink,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Metrics exposes the engine counters.
func (p *Proxy) Metrics() *arbiter.Metrics { return p.engine.Metrics() }

// LocalAddr returns the bound listener address.
func (p *Proxy) LocalAddr() (netip.AddrPort, error) { return p.listener.LocalAddr() }

// Run serves until ctx is cancelled. Timers are swept once per iteration with a clock
// sampled after the reactor pass.
func (p *Proxy) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		p.engine.SetNow(p.clock.Now())
		if _, err := p.reactor.Poll(p.budget); err != nil {
			return err
		}
		p.engine.Expire(p.clock.Now())
	}
	return nil
}

// Close retires in-flight sessions and releases every socket.
func (p *Proxy) Close() error {
	var result *multierror.Error
	if p.engine != nil {
		p.engine.Close()
	}
	if p.reactor != nil {
		result = multierror.Append(result, p.reactor.Close())
	}
	if p.listener != nil {
		result = multierror.Append(result, p.listener.Close())
	}
	for _, s := range p.upstreams {
		result = multierror.Append(result, s.Close())
	}
	return result.ErrorOrNil()
}

func (p *Proxy) wake() {
	if p.engine != nil {
		p.engine.SetNow(p.clock.Now())
	}
}

// Readable handles one datagram from the socket behind tag.
func (p *Proxy) Readable(tag reactor.Tag) {
	if tag == listenerTag {
		n, from, err := p.listener.RecvFrom(p.buf)
		if err != nil {
			p.log.Error("failed to receive from listener", "error", err)
			return
		}
		if from.IsValid() {
			p.engine.HandleQuery(p.buf[:n], from)
		}
		return
	}

	i := int(tag)
	n, from, err := p.upstreams[i].RecvFrom(p.buf)
	if err != nil {
		p.log.Error("failed to receive from upstream", "upstream", p.addrs[i], "error", err)
		return
	}
	if !from.IsValid() {
		return
	}
	if want := p.addrs[i]; from.Addr().Unmap() != want.Addr().Unmap() || from.Port() != want.Port() {
		p.log.Debug("reply from unexpected source", "upstream", want, "from", from)
		return
	}
	p.engine.HandleReply(i, p.buf[:n])
}

// Error logs a socket error event; the socket stays registered.
func (p *Proxy) Error(tag reactor.Tag, fd int) {
	name, s := "listener", p.listener
	if tag != listenerTag {
		name, s = p.addrs[tag].String(), p.upstreams[tag]
	}
	err := s.PendingError()
	if err == nil {
		err = errors.New("hangup")
	}
	p.log.Error("socket error", "socket", name, "fd", fd, "error", err)
}

// SendToClient implements arbiter.Sender.
func (p *Proxy) SendToClient(pkt []byte, client netip.AddrPort) error {
	return p.listener.SendTo(pkt, client)
}

// SendToUpstream implements arbiter.Sender.
func (p *Proxy) SendToUpstream(index int, pkt []byte) error {
	return p.upstreams[index].SendTo(pkt, p.addrs[index])
}
