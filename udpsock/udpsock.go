// Package udpsock wraps non-blocking UDP sockets on raw file descriptors so they can be
// driven by the reactor.
package udpsock

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

var ErrFamily = errors.New("udpsock: address family mismatch")

// Socket is a non-blocking UDP socket.
type Socket struct {
	fd     int
	family int
}

// Options control socket creation.
type Options struct {
	// ReusePort sets SO_REUSEPORT before binding.
	ReusePort bool
}

// Open creates an unbound socket for the family of addr. IPv6 sockets are V6ONLY and
// every socket has SO_REUSEADDR set.
func Open(addr netip.Addr, opts Options) (*Socket, error) {
	family := unix.AF_INET
	if addr.Is6() && !addr.Is4In6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("udpsock: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	s := &Socket{fd: fd, family: family}

	if err := s.setup(opts); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Listen opens a socket and binds it to addr.
func Listen(addr netip.AddrPort, opts Options) (*Socket, error) {
	s, err := Open(addr.Addr(), opts)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(s.fd, s.sockaddr(addr)); err != nil {
		s.Close()
		return nil, fmt.Errorf("udpsock: bind %s: %w", addr, err)
	}
	return s, nil
}

func (s *Socket) setup(opts Options) error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return fmt.Errorf("udpsock: set non-blocking: %w", err)
	}
	if s.family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("udpsock: set IPV6_V6ONLY: %w", err)
		}
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("udpsock: set SO_REUSEADDR: %w", err)
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("udpsock: set SO_REUSEPORT: %w", err)
		}
	}
	return nil
}

// FD returns the raw descriptor for registration with the reactor.
func (s *Socket) FD() int { return s.fd }

// Is6 reports whether this is an IPv6 socket.
func (s *Socket) Is6() bool { return s.family == unix.AF_INET6 }

// RecvFrom reads one datagram into buf. When nothing is queued it returns 0 and an
// invalid address with a nil error.
func (s *Socket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	for {
		n, sa, err := unix.Recvfrom(s.fd, buf, 0)
		switch {
		case err == nil:
			return n, fromSockaddr(sa), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, netip.AddrPort{}, nil
		default:
			return 0, netip.AddrPort{}, fmt.Errorf("udpsock: recvfrom: %w", err)
		}
	}
}

// SendTo writes pkt as one datagram to addr.
func (s *Socket) SendTo(pkt []byte, addr netip.AddrPort) error {
	if addr.Addr().Unmap().Is4() != (s.family == unix.AF_INET) {
		return fmt.Errorf("%w: %s", ErrFamily, addr)
	}
	for {
		err := unix.Sendto(s.fd, pkt, 0, s.sockaddr(addr))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("udpsock: sendto %s: %w", addr, err)
		}
		return nil
	}
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("udpsock: getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

// PendingError fetches and clears the socket's SO_ERROR.
func (s *Socket) PendingError() error {
	code, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("udpsock: get SO_ERROR: %w", err)
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}

// Close closes the descriptor. Closing twice is a no-op.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return fmt.Errorf("udpsock: close: %w", err)
	}
	return nil
}

func (s *Socket) sockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr()
	if s.family == unix.AF_INET {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}
	return netip.AddrPort{}
}
