// Package reactor multiplexes read readiness over a small set of file descriptors and
// dispatches each ready descriptor by an opaque tag. It is driven from a single goroutine.
package reactor

import (
	"errors"
	"fmt"
	"time"
)

// DefaultIdle is how long the first wait of a Poll may block.
const DefaultIdle = 10 * time.Millisecond

const maxEvents = 1024

var (
	ErrClosed        = errors.New("reactor: closed")
	ErrBadFD         = errors.New("reactor: bad file descriptor")
	ErrRegistered    = errors.New("reactor: fd already registered")
	ErrNotRegistered = errors.New("reactor: fd not registered")
)

// Interest is the readiness a registration is subscribed to.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Tag identifies what a descriptor is to the handler.
type Tag uint32

// Handler receives dispatched events.
type Handler interface {
	// Readable is called for a descriptor that has data to read.
	Readable(tag Tag)
	// Error is called for error-class events (error, hangup). The descriptor stays
	// registered.
	Error(tag Tag, fd int)
}

type event struct {
	fd       int
	readable bool
	writable bool
	failed   bool
}

// poller is the kernel multiplexer behind a Reactor.
type poller interface {
	add(fd int, in Interest) error
	mod(fd int, in Interest) error
	del(fd int) error
	// wait fills events and returns how many are ready; timeout < 0 blocks forever.
	wait(events []event, timeout time.Duration) (int, error)
	close() error
}

type registration struct {
	tag      Tag
	interest Interest
	live     bool
}

// Options tune a Reactor.
type Options struct {
	// Idle bounds the blocking wait at the start of each Poll. Zero means DefaultIdle;
	// negative means never block.
	Idle time.Duration
	// Wake runs after every wait that returned events, before they are dispatched.
	Wake func()
}

// Reactor owns the registrations and the poller.
type Reactor struct {
	p       poller
	h       Handler
	regs    []registration
	events  []event
	idle    time.Duration
	wake    func()
	closed  bool
	pending int
}

// New creates a Reactor on the platform multiplexer.
func New(h Handler, opts Options) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}
	return newReactor(p, h, opts), nil
}

func newReactor(p poller, h Handler, opts Options) *Reactor {
	idle := opts.Idle
	if idle == 0 {
		idle = DefaultIdle
	}
	if idle < 0 {
		idle = 0
	}
	return &Reactor{
		p:      p,
		h:      h,
		events: make([]event, maxEvents),
		idle:   idle,
		wake:   opts.Wake,
	}
}

// Register subscribes fd for read readiness under tag.
func (r *Reactor) Register(fd int, tag Tag) error {
	if r.closed {
		return ErrClosed
	}
	if fd < 0 {
		return ErrBadFD
	}
	r.grow(fd + 1)
	if r.regs[fd].live {
		return fmt.Errorf("%w: %d", ErrRegistered, fd)
	}
	if err := r.p.add(fd, Readable); err != nil {
		return fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}
	r.regs[fd] = registration{tag: tag, interest: Readable, live: true}
	r.pending++
	return nil
}

// Modify replaces the interest set of a registered fd.
func (r *Reactor) Modify(fd int, in Interest) error {
	if r.closed {
		return ErrClosed
	}
	if !r.registered(fd) {
		return fmt.Errorf("%w: %d", ErrNotRegistered, fd)
	}
	if r.regs[fd].interest == in {
		return nil
	}
	if err := r.p.mod(fd, in); err != nil {
		return fmt.Errorf("reactor: modify fd %d: %w", fd, err)
	}
	r.regs[fd].interest = in
	return nil
}

// Unregister removes fd. Events already collected for it in the current batch are
// dropped.
func (r *Reactor) Unregister(fd int) error {
	if r.closed {
		return ErrClosed
	}
	if !r.registered(fd) {
		return fmt.Errorf("%w: %d", ErrNotRegistered, fd)
	}
	r.regs[fd] = registration{}
	r.pending--
	if err := r.p.del(fd); err != nil {
		return fmt.Errorf("reactor: unregister fd %d: %w", fd, err)
	}
	return nil
}

// Len returns the number of live registrations.
func (r *Reactor) Len() int { return r.pending }

// Poll performs at most maxIter multiplexer waits and dispatches what they return. Only
// the first wait may block (up to the idle duration); Poll returns as soon as a wait
// comes back empty. It returns the number of events dispatched.
func (r *Reactor) Poll(maxIter int) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	dispatched := 0
	for i := 0; i < maxIter; i++ {
		timeout := time.Duration(0)
		if i == 0 {
			timeout = r.idle
		}
		n, err := r.p.wait(r.events, timeout)
		if err != nil {
			if errors.Is(err, errInterrupted) {
				return dispatched, nil
			}
			return dispatched, fmt.Errorf("reactor: wait: %w", err)
		}
		if n == 0 {
			return dispatched, nil
		}
		if r.wake != nil {
			r.wake()
		}
		for _, ev := range r.events[:n] {
			// the handler may have unregistered fds earlier in this batch
			if !r.registered(ev.fd) {
				continue
			}
			reg := r.regs[ev.fd]
			switch {
			case ev.failed:
				r.h.Error(reg.tag, ev.fd)
			case ev.readable && reg.interest&Readable != 0:
				r.h.Readable(reg.tag)
			default:
				continue
			}
			dispatched++
		}
	}
	return dispatched, nil
}

// Close releases the poller. Registered descriptors are not closed.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.regs = nil
	r.pending = 0
	return r.p.close()
}

func (r *Reactor) registered(fd int) bool {
	return fd >= 0 && fd < len(r.regs) && r.regs[fd].live
}

// grow extends the registration slice to the next power of two covering n entries.
func (r *Reactor) grow(n int) {
	if n <= len(r.regs) {
		return
	}
	size := 1
	for size < n {
		size <<= 1
	}
	regs := make([]registration, size)
	copy(regs, r.regs)
	r.regs = regs
}
