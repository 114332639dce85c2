//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package reactor

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestFromKevent(t *testing.T) {
	tests := []struct {
		name     string
		kev      unix.Kevent_t
		readable bool
		failed   bool
	}{
		{"plain read", unix.Kevent_t{Ident: 7, Filter: unix.EVFILT_READ}, true, false},
		{"eof without errno", unix.Kevent_t{Ident: 7, Filter: unix.EVFILT_READ, Flags: unix.EV_EOF}, true, false},
		{"eof with socket error", unix.Kevent_t{Ident: 7, Filter: unix.EVFILT_READ, Flags: unix.EV_EOF, Fflags: uint32(unix.ECONNREFUSED)}, true, true},
		{"ev_error", unix.Kevent_t{Ident: 7, Filter: unix.EVFILT_READ, Flags: unix.EV_ERROR}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := fromKevent(tt.kev)
			if ev.fd != 7 || ev.readable != tt.readable || ev.failed != tt.failed {
				t.Errorf("fromKevent = %+v", ev)
			}
		})
	}
}
