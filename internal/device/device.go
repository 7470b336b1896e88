// Package device implements the vhost-user connection state machine:
// preparing and listening on the control socket, accepting a single
// active frontend connection, tearing everything down and
// re-listening on disconnect, and wiring each accepted connection's
// vrings and memory map into a protocol.Handler.
package device

import (
	"fmt"
	"os"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
	"github.com/behrlich/vhost-user-backend/internal/memmap"
	"github.com/behrlich/vhost-user-backend/internal/protocol"
	"github.com/behrlich/vhost-user-backend/internal/reqqueue"
	"github.com/behrlich/vhost-user-backend/internal/vring"
	"golang.org/x/sys/unix"
)

// State is the device's connection lifecycle state.
type State int

const (
	Initialized State = iota
	Listening
	Connected
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Device is one vhost-user backend device: a control socket, its
// current connection (if any), the guest memory map, and the vrings
// serving a single DeviceType.
type Device struct {
	SocketPath string
	MaxQueues  int
	DeviceType interfaces.DeviceType
	Logger     interfaces.Logger
	Observer   interfaces.Observer
	Loop       interfaces.EventLoop

	state    State
	listenFd int
	connFd   int
	owned    bool

	mm      *memmap.Map
	vrings  []*vring.Vring
	handler *protocol.Handler
	queues  []*reqqueue.Queue
	conn    *protocol.Conn
}

// New creates a device bound to socketPath, not yet listening.
func New(socketPath string, maxQueues int, deviceType interfaces.DeviceType, logger interfaces.Logger, observer interfaces.Observer, loop interfaces.EventLoop) *Device {
	return &Device{
		SocketPath: socketPath,
		MaxQueues:  maxQueues,
		DeviceType: deviceType,
		Logger:     logger,
		Observer:   observer,
		Loop:       loop,
		state:      Initialized,
		listenFd:   -1,
		connFd:     -1,
	}
}

// State reports the device's current connection state.
func (d *Device) State() State { return d.state }

// prepareSocketPath implements the original's stat/unlink-if-socket
// prep: a stale socket file left behind by a prior run is removed, but
// a path that exists and is NOT a socket is left alone and treated as
// a fatal error, since overwriting it could delete unrelated data.
func prepareSocketPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("device: stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("device: %s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// InitServer prepares the socket path, binds and listens, and
// registers the listen fd with the event loop. This is the
// Initialized -> Listening transition.
func (d *Device) InitServer() error {
	if d.state != Initialized {
		return fmt.Errorf("device: InitServer called in state %s", d.state)
	}
	if err := prepareSocketPath(d.SocketPath); err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("device: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: d.SocketPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("device: bind: %w", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("device: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("device: set nonblock: %w", err)
	}

	d.listenFd = fd
	d.state = Listening
	d.mm = memmap.New(d.Logger)
	d.queues = make([]*reqqueue.Queue, d.MaxQueues)
	d.vrings = make([]*vring.Vring, d.MaxQueues)
	for i := range d.vrings {
		q := reqqueue.New()
		d.queues[i] = q
		go q.Run()
		d.vrings[i] = vring.New(i, d.Logger, d.Loop, q)
	}

	if d.Loop != nil {
		if err := d.Loop.Add(d.listenFd, d.onListenReadable, nil); err != nil {
			return fmt.Errorf("device: register listen fd: %w", err)
		}
	}
	if d.Logger != nil {
		d.Logger.Info("listening for vhost-user connection", "path", d.SocketPath)
	}
	return nil
}

// onListenReadable is the event-loop callback fired when a new
// frontend connection is waiting to be accepted.
func (d *Device) onListenReadable() {
	connFd, _, err := unix.Accept4(d.listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Error("accept failed", "error", err)
		}
		return
	}
	if err := d.transitionToConnected(connFd); err != nil && d.Logger != nil {
		d.Logger.Error("failed to transition to connected", "error", err)
	}
}

// transitionToConnected implements Listening -> Connected: register
// the new connection fd, deregister the listen fd (only one active
// frontend connection is allowed at a time), and build a fresh
// protocol.Handler over the device's vrings and memory map.
func (d *Device) transitionToConnected(connFd int) error {
	if d.state != Listening {
		unix.Close(connFd)
		return fmt.Errorf("device: unexpected connection while in state %s", d.state)
	}

	d.connFd = connFd
	d.conn = protocol.NewConn(connFd)
	d.handler = protocol.NewHandler(d.mm, d.vrings, d.DeviceType, d.Logger, d.Observer)
	d.handler.MaxQueues = d.MaxQueues
	d.state = Connected

	if d.Observer != nil {
		d.Observer.ObserveConnection(true)
	}
	if d.Loop != nil {
		if err := d.Loop.Del(d.listenFd); err != nil {
			return err
		}
		if err := d.Loop.Add(connFd, d.onConnReadable, d.onConnClosed); err != nil {
			return err
		}
	}
	return nil
}

// onConnReadable drains and dispatches one vhost-user message.
func (d *Device) onConnReadable() {
	msg, err := d.conn.Recv()
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("connection read failed, closing", "error", err)
		}
		d.onConnClosed()
		return
	}

	reply, err := d.handler.Dispatch(msg)
	if err != nil && d.Logger != nil {
		d.Logger.Warn("request dispatch failed", "request", msg.Header.Request, "error", err)
	}
	if reply != nil {
		if err := d.conn.Send(reply.Header, reply.Payload, reply.Fds); err != nil && d.Logger != nil {
			d.Logger.Error("reply send failed", "error", err)
		}
	}
}

// onConnClosed implements Connected -> Listening: deregister the
// connection fd, unmap all guest memory, clear the owned flag,
// uninit every vring, close the connection fd, and finally
// re-register the listen fd so a new frontend can connect.
func (d *Device) onConnClosed() {
	if d.state != Connected {
		return
	}
	if d.Loop != nil {
		_ = d.Loop.Del(d.connFd)
	}
	d.mm.UnsetAll()
	d.owned = false
	for _, v := range d.vrings {
		v.Uninit()
		v.Init()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.connFd = -1
	d.conn = nil
	d.handler = nil
	d.state = Listening

	if d.Observer != nil {
		d.Observer.ObserveConnection(false)
	}
	if d.Loop != nil {
		if err := d.Loop.Add(d.listenFd, d.onListenReadable, nil); err != nil && d.Logger != nil {
			d.Logger.Error("failed to re-register listen fd after reconnect", "error", err)
		}
	}
}

// Uninit tears the device down entirely: closes any active
// connection, stops request-queue workers, and removes the socket
// file.
func (d *Device) Uninit() {
	if d.state == Connected {
		d.onConnClosed()
	}
	if d.listenFd >= 0 {
		if d.Loop != nil {
			_ = d.Loop.Del(d.listenFd)
		}
		unix.Close(d.listenFd)
		d.listenFd = -1
	}
	for _, q := range d.queues {
		if q != nil {
			q.Close()
		}
	}
	_ = os.Remove(d.SocketPath)
	d.state = Initialized
}
