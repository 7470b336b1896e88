// Package interfaces provides internal interface definitions for the
// vhost-user backend. They are kept separate from the public package so
// that internal packages (protocol, device, vring) can depend on them
// without importing the public API and creating an import cycle.
package interfaces

// DeviceType is the capability set a concrete virtio device (net, blk,
// console, ...) exposes to the protocol handler. It replaces the
// function-pointer table of the original C implementation with a plain
// Go interface.
type DeviceType interface {
	// Name identifies the device type for logging (e.g. "virtio-blk").
	Name() string

	// GetFeatures returns the feature bits this device type supports.
	GetFeatures() uint64

	// SetFeatures is called once the frontend has negotiated the final
	// feature set. Implementations validate the subset they were handed.
	SetFeatures(features uint64) error

	// GetConfig copies up to len(buf) bytes of device configuration
	// space starting at offset into buf, returning the number written.
	GetConfig(offset uint32, buf []byte) (int, error)

	// SetConfig writes buf into device configuration space at offset.
	// Most device types reject this; it exists for completeness.
	SetConfig(offset uint32, buf []byte) error

	// DispatchRequests is invoked on the request queue's worker goroutine
	// each time the vring's kick eventfd is drained, handing the device
	// type a handle it can use to pull newly-available descriptors and
	// push completions. It runs off the control-plane goroutine, once per
	// kick, for as long as the vring stays enabled.
	DispatchRequests(queueHandle QueueHandle) error
}

// QueueHandle is the capability a device type is given once a vring is
// enabled. It is a non-owning handle back into the vring's queue state;
// the concrete implementation lives in internal/vring.
type QueueHandle interface {
	// QueueID is the index of the vring this handle belongs to.
	QueueID() int

	// SetNotifyFd installs (or clears, if fd < 0) the eventfd the device
	// type should write to after pushing used-ring entries, so the
	// frontend's call-fd side gets signaled.
	SetNotifyFd(fd int) error

	// Attach is called when the vring becomes enabled and usable.
	Attach() error

	// Release is called when the vring becomes disabled; the device
	// type must stop touching the queue state after this returns.
	Release() error
}

// EventLoop is the external collaborator that multiplexes readiness
// events for listen/connection/kick file descriptors. The control plane
// and the vring kick wiring both register callbacks against it; the
// concrete implementation lives in internal/eventloop.
type EventLoop interface {
	// Add registers fd for read-readiness, invoking onRead each time the
	// fd is readable and onClose once the fd reports hang-up or error.
	// Del does not invoke onClose.
	Add(fd int, onRead func(), onClose func()) error

	// Del deregisters fd. It is a no-op if fd was never added.
	Del(fd int) error
}

// RequestQueue is the external collaborator a device type dispatches
// onto once a vring is enabled: a single worker goroutine per queue,
// decoupled from the control-plane event loop. The concrete
// implementation lives in internal/reqqueue.
type RequestQueue interface {
	// Attach binds queue id to this request queue, marking it eligible
	// to receive dispatch work.
	Attach(queueID int, work func()) error

	// Detach unbinds queue id; work already queued for it is dropped
	// rather than run.
	Detach(queueID int) error

	// Enqueue schedules work to run on the request queue's worker.
	Enqueue(queueID int) error
}

// Logger is the minimal logging capability internal packages depend on,
// satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer receives metrics events from the protocol handler and the
// device's connection state machine. Nothing in this module calls
// ObserveKick; the vring kick path does not report to the Observer.
// Implementations must be safe for concurrent use.
type Observer interface {
	ObserveRequest(op uint32, latencyNs uint64, success bool)
	ObserveKick(queueID int)
	ObserveMemoryMap(regions int)
	ObserveConnection(connected bool)
}
