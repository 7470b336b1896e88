package vhostuser

import (
	"context"
	"fmt"
	"sync"

	"github.com/behrlich/vhost-user-backend/internal/constants"
	"github.com/behrlich/vhost-user-backend/internal/device"
	"github.com/behrlich/vhost-user-backend/internal/eventloop"
	"github.com/behrlich/vhost-user-backend/internal/interfaces"
	"github.com/behrlich/vhost-user-backend/internal/logging"
)

// DeviceType is the capability set a concrete virtio device (net, blk,
// console, ...) implements to plug into a served backend. It mirrors
// internal/interfaces.DeviceType so implementations outside this
// module don't need to import an internal package.
type DeviceType interface {
	Name() string
	GetFeatures() uint64
	SetFeatures(features uint64) error
	GetConfig(offset uint32, buf []byte) (int, error)
	SetConfig(offset uint32, buf []byte) error
	DispatchRequests(queueHandle QueueHandle) error
}

// QueueHandle is handed to a DeviceType once its vring is enabled.
type QueueHandle interface {
	QueueID() int
	SetNotifyFd(fd int) error
	Attach() error
	Release() error
}

// Logger is the logging capability a served device accepts. *logging.Logger
// satisfies it directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DeviceParams configures one served vhost-user device.
type DeviceParams struct {
	// SocketPath is the Unix control socket the frontend connects to.
	SocketPath string

	// MaxQueues bounds how many vrings this device exposes (default
	// DefaultMaxQueues if zero).
	MaxQueues int

	// DeviceType implements the device-specific feature bits, config
	// space, and queue dispatch.
	DeviceType DeviceType
}

// DefaultDeviceParams returns DeviceParams with MaxQueues defaulted.
func DefaultDeviceParams(socketPath string, deviceType DeviceType) DeviceParams {
	return DeviceParams{
		SocketPath: socketPath,
		MaxQueues:  constants.DefaultMaxQueues,
		DeviceType: deviceType,
	}
}

// Options carries cross-cutting concerns for CreateAndServe.
type Options struct {
	// Context for cancellation; when set it overrides the ctx argument
	// of CreateAndServe (if nil, that ctx is used).
	Context context.Context

	// Logger receives state-transition and protocol-dispatch logs (if
	// nil, uses logging.Default()).
	Logger Logger

	// Observer receives metrics events (if nil, uses a NoOpObserver).
	Observer Observer
}

// Device is a running, served vhost-user device: its control socket is
// listening (or actively connected to a frontend) until StopAndDelete
// is called.
type Device struct {
	socketPath string
	internal   *device.Device
	loop       *eventloop.Loop
	metrics    *Metrics
	cancel     context.CancelFunc
	runErr     chan error
}

// SocketPath returns the control socket path this device listens on.
func (d *Device) SocketPath() string { return d.socketPath }

// State returns the device's current connection state.
func (d *Device) State() device.State { return d.internal.State() }

// Metrics returns the device's metrics, or nil if no MetricsObserver
// was installed (a custom Observer was supplied in Options instead).
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the device's
// metrics, or a zero value if Metrics is nil.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// CreateAndServe prepares the control socket, begins listening for a
// frontend connection, and runs the event loop on a background
// goroutine. The device continues serving until the context is
// cancelled or StopAndDelete is called.
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if params.SocketPath == "" {
		return nil, WrapError("CreateAndServe", ErrInvalidParameters)
	}
	if params.DeviceType == nil {
		return nil, NewError("CreateAndServe", ErrCodeInvalid, "DeviceType must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	maxQueues := params.MaxQueues
	if maxQueues <= 0 {
		maxQueues = constants.DefaultMaxQueues
	}

	var logger interfaces.Logger
	if options.Logger != nil {
		logger = options.Logger
	} else {
		logger = logging.Default()
	}

	var metrics *Metrics
	var observer interfaces.Observer
	if options.Observer != nil {
		observer = options.Observer
	} else {
		metrics = NewMetrics()
		observer = NewMetricsObserver(metrics)
	}

	loop, err := eventloop.New(logger)
	if err != nil {
		return nil, WrapError("CreateAndServe", err)
	}

	bridge := &deviceTypeBridge{inner: params.DeviceType}
	dev := device.New(params.SocketPath, maxQueues, bridge, logger, observer, loop)
	if err := dev.InitServer(); err != nil {
		return nil, WrapError("CreateAndServe", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- loop.Run(runCtx)
		close(runErr)
	}()

	return &Device{
		socketPath: params.SocketPath,
		internal:   dev,
		loop:       loop,
		metrics:    metrics,
		cancel:     cancel,
		runErr:     runErr,
	}, nil
}

// StopAndDelete stops the device's event loop, tears down any active
// connection, and removes the control socket file.
func StopAndDelete(ctx context.Context, d *Device) error {
	if d == nil {
		return ErrInvalidParameters
	}
	if d.metrics != nil {
		d.metrics.Stop()
	}
	d.internal.Uninit()
	d.cancel()
	<-d.runErr
	return nil
}

// Server tracks a set of devices served on distinct socket paths,
// replacing the original's intrusive global device list with a plain
// map the caller owns.
type Server struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{devices: make(map[string]*Device)}
}

// Serve creates and starts a device, registering it under its socket path.
func (s *Server) Serve(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	s.mu.Lock()
	if _, exists := s.devices[params.SocketPath]; exists {
		s.mu.Unlock()
		return nil, NewError("Serve", ErrCodeBusy, fmt.Sprintf("socket %s already served", params.SocketPath))
	}
	s.mu.Unlock()

	dev, err := CreateAndServe(ctx, params, options)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.devices[params.SocketPath] = dev
	s.mu.Unlock()
	return dev, nil
}

// Get returns the device registered under socketPath, if any.
func (s *Server) Get(socketPath string) (*Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[socketPath]
	return d, ok
}

// Stop stops and unregisters the device at socketPath.
func (s *Server) Stop(ctx context.Context, socketPath string) error {
	s.mu.Lock()
	dev, ok := s.devices[socketPath]
	if ok {
		delete(s.devices, socketPath)
	}
	s.mu.Unlock()
	if !ok {
		return NewError("Stop", ErrCodeInvalid, fmt.Sprintf("no device served at %s", socketPath))
	}
	return StopAndDelete(ctx, dev)
}

// Shutdown stops every served device.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.devices))
	for p := range s.devices {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := s.Stop(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deviceTypeBridge adapts the public DeviceType interface to the
// internal one; the only method that differs in shape is
// DispatchRequests, since its QueueHandle parameter is a distinct
// named type in each package.
type deviceTypeBridge struct {
	inner DeviceType
}

func (b *deviceTypeBridge) Name() string       { return b.inner.Name() }
func (b *deviceTypeBridge) GetFeatures() uint64 { return b.inner.GetFeatures() }
func (b *deviceTypeBridge) SetFeatures(f uint64) error { return b.inner.SetFeatures(f) }
func (b *deviceTypeBridge) GetConfig(offset uint32, buf []byte) (int, error) {
	return b.inner.GetConfig(offset, buf)
}
func (b *deviceTypeBridge) SetConfig(offset uint32, buf []byte) error {
	return b.inner.SetConfig(offset, buf)
}
func (b *deviceTypeBridge) DispatchRequests(h interfaces.QueueHandle) error {
	return b.inner.DispatchRequests(&queueHandleBridge{inner: h})
}

type queueHandleBridge struct {
	inner interfaces.QueueHandle
}

func (q *queueHandleBridge) QueueID() int             { return q.inner.QueueID() }
func (q *queueHandleBridge) SetNotifyFd(fd int) error { return q.inner.SetNotifyFd(fd) }
func (q *queueHandleBridge) Attach() error            { return q.inner.Attach() }
func (q *queueHandleBridge) Release() error           { return q.inner.Release() }

var (
	_ interfaces.DeviceType = (*deviceTypeBridge)(nil)
	_ QueueHandle           = (*queueHandleBridge)(nil)
)
