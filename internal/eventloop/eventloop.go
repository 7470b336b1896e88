// Package eventloop implements the single-threaded readiness loop the
// control-plane connection state machine and the per-vring kick wiring
// both register against. It is a plain poll(2) loop over a small,
// dynamic set of file descriptors -- the vhost-user control socket has
// no io_uring submission surface to exercise, so this collaborator is a
// poll(2) loop instead of an io_uring-based I/O loop.
package eventloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type registration struct {
	fd      int
	onRead  func()
	onClose func()
}

// Loop is a poll-based single-threaded event loop. Add/Del may be
// called from any goroutine, but all onRead/onClose callbacks execute
// on the goroutine running Run, so callbacks never race each other.
type Loop struct {
	mu    sync.Mutex
	regs  map[int]*registration
	wake  [2]int
	logger interfaces.Logger
}

// New creates a Loop. It opens an internal pipe used to interrupt a
// blocked poll(2) call whenever Add/Del is invoked from another
// goroutine (the control-plane event loop runs on its own goroutine,
// distinct from whichever goroutine owns the listener accept loop).
func New(logger interfaces.Logger) (*Loop, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("eventloop: pipe: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("eventloop: set nonblock: %w", err)
		}
	}
	return &Loop{regs: make(map[int]*registration), wake: fds, logger: logger}, nil
}

// Add registers fd for read readiness. It is safe to call concurrently
// with Run.
func (l *Loop) Add(fd int, onRead func(), onClose func()) error {
	l.mu.Lock()
	l.regs[fd] = &registration{fd: fd, onRead: onRead, onClose: onClose}
	l.mu.Unlock()
	l.interrupt()
	return nil
}

// Del deregisters fd. It is a no-op if fd was never added.
func (l *Loop) Del(fd int) error {
	l.mu.Lock()
	delete(l.regs, fd)
	l.mu.Unlock()
	l.interrupt()
	return nil
}

func (l *Loop) interrupt() {
	var b [1]byte
	_, _ = unix.Write(l.wake[1], b[:])
}

func (l *Loop) snapshot() []*registration {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*registration, 0, len(l.regs)+1)
	for _, r := range l.regs {
		out = append(out, r)
	}
	return out
}

// Run blocks servicing readiness events until ctx is cancelled. It
// supervises itself via an errgroup the way the fuse-library mount
// loop supervises its own readiness goroutine alongside a cancellation
// watcher, so a poll(2) failure and a context cancellation both result
// in a clean, single-error return.
func (l *Loop) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	// poll(2) has no fd tied to ctx, so a cancellation needs to be
	// turned into a wake-pipe write or the poll below could block
	// forever past ctx.Done().
	group.Go(func() error {
		<-ctx.Done()
		l.interrupt()
		return nil
	})

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			regs := l.snapshot()
			pollfds := make([]unix.PollFd, 0, len(regs)+1)
			pollfds = append(pollfds, unix.PollFd{Fd: int32(l.wake[0]), Events: unix.POLLIN})
			for _, r := range regs {
				pollfds = append(pollfds, unix.PollFd{Fd: int32(r.fd), Events: unix.POLLIN})
			}

			n, err := unix.Poll(pollfds, -1)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return fmt.Errorf("eventloop: poll: %w", err)
			}
			if n == 0 {
				continue
			}

			if pollfds[0].Revents&unix.POLLIN != 0 {
				drainWake(l.wake[0])
			}
			for i, pfd := range pollfds[1:] {
				if pfd.Revents == 0 {
					continue
				}
				r := regs[i]
				if pfd.Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
					l.Del(r.fd)
					if r.onClose != nil {
						r.onClose()
					}
					continue
				}
				if pfd.Revents&unix.POLLIN != 0 && r.onRead != nil {
					r.onRead()
				}
			}
		}
	})

	return group.Wait()
}

func drainWake(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the internal wake pipe.
func (l *Loop) Close() error {
	unix.Close(l.wake[0])
	unix.Close(l.wake[1])
	return nil
}

var _ interfaces.EventLoop = (*Loop)(nil)
