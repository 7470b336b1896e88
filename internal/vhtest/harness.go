package vhtest

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Harness is a connected pair of Unix control-socket fds: FrontendFd
// plays the role of the VMM sending requests, BackendFd is what a
// device.Device or protocol.Conn would be built on top of.
type Harness struct {
	FrontendFd int
	BackendFd  int
}

// NewHarness creates a connected, non-blocking socketpair standing in
// for an accepted vhost-user control connection, without needing a
// real listen/accept round-trip.
func NewHarness() (*Harness, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("vhtest: socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("vhtest: set nonblock: %w", err)
		}
	}
	return &Harness{FrontendFd: fds[0], BackendFd: fds[1]}, nil
}

// Close closes both ends of the pair.
func (h *Harness) Close() {
	unix.Close(h.FrontendFd)
	unix.Close(h.BackendFd)
}
