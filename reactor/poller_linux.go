//go:build linux

package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

var errInterrupted = unix.EINTR

type epoller struct {
	fd  int
	buf []unix.EpollEvent
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoller{fd: fd, buf: make([]unix.EpollEvent, maxEvents)}, nil
}

func epollMask(in Interest) uint32 {
	var mask uint32
	if in&Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epoller) add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epoller) mod(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epoller) del(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *epoller) wait(events []event, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	buf := p.buf
	if len(events) < len(buf) {
		buf = buf[:len(events)]
	}
	n, err := unix.EpollWait(p.fd, buf, msec)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		e := buf[i]
		events[i] = event{
			fd:       int(e.Fd),
			readable: e.Events&unix.EPOLLIN != 0,
			writable: e.Events&unix.EPOLLOUT != 0,
			failed:   e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
	}
	return n, nil
}

func (p *epoller) close() error {
	return unix.Close(p.fd)
}
