//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

var errInterrupted = unix.EINTR

type kqueuer struct {
	fd        int
	buf       []unix.Kevent_t
	interests map[int]Interest
}

func newPoller() (poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return &kqueuer{fd: fd, buf: make([]unix.Kevent_t, maxEvents), interests: make(map[int]Interest)}, nil
}

// apply moves the kernel filters of fd from the old interest set to the new one.
func (p *kqueuer) apply(fd int, old, in Interest) error {
	var changes []unix.Kevent_t
	toggle := func(bit Interest, filter int) {
		var kev unix.Kevent_t
		switch {
		case in&bit != 0 && old&bit == 0:
			unix.SetKevent(&kev, fd, filter, unix.EV_ADD|unix.EV_ENABLE)
		case in&bit == 0 && old&bit != 0:
			unix.SetKevent(&kev, fd, filter, unix.EV_DELETE)
		default:
			return
		}
		changes = append(changes, kev)
	}
	toggle(Readable, unix.EVFILT_READ)
	toggle(Writable, unix.EVFILT_WRITE)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func (p *kqueuer) add(fd int, in Interest) error {
	if err := p.apply(fd, 0, in); err != nil {
		return err
	}
	p.interests[fd] = in
	return nil
}

func (p *kqueuer) mod(fd int, in Interest) error {
	if err := p.apply(fd, p.interests[fd], in); err != nil {
		return err
	}
	p.interests[fd] = in
	return nil
}

func (p *kqueuer) del(fd int) error {
	old := p.interests[fd]
	delete(p.interests, fd)
	err := p.apply(fd, old, 0)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *kqueuer) wait(events []event, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	buf := p.buf
	if len(events) < len(buf) {
		buf = buf[:len(events)]
	}
	n, err := unix.Kevent(p.fd, nil, buf, ts)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		events[i] = fromKevent(buf[i])
	}
	return n, nil
}

// fromKevent converts a kernel event. EV_ERROR, and EV_EOF carrying an errno in
// fflags, are error-class events.
func fromKevent(k unix.Kevent_t) event {
	return event{
		fd:       int(k.Ident),
		readable: k.Filter == unix.EVFILT_READ,
		writable: k.Filter == unix.EVFILT_WRITE,
		failed:   k.Flags&unix.EV_ERROR != 0 || (k.Flags&unix.EV_EOF != 0 && k.Fflags != 0),
	}
}

func (p *kqueuer) close() error {
	return unix.Close(p.fd)
}
