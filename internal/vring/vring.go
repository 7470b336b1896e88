// Package vring implements per-queue vhost-user state: the client-supplied
// ring geometry (num/base/addr), kick/call/err eventfd wiring, and the
// enable/disable transitions that attach or detach the queue from the
// consuming device type.
package vring

import (
	"fmt"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
	"golang.org/x/sys/unix"
)

// ClientInfo is the ring geometry the frontend has configured via
// SET_VRING_NUM/BASE/ADDR. It mirrors the original vdev's
// client_info sub-struct field for field.
type ClientInfo struct {
	DescAddr    uint64
	AvailAddr   uint64
	UsedAddr    uint64
	Num         uint32
	Base        uint32
	InflightOff uint64 // never populated by the protocol handler; see DESIGN.md
}

// Vring is one virtqueue's control-plane state.
type Vring struct {
	id      int
	logger  interfaces.Logger
	loop    interfaces.EventLoop
	queue   interfaces.RequestQueue
	device  interfaces.DeviceType

	client  ClientInfo
	kickFd  int
	callFd  int
	errFd   int
	enabled bool

	handle  *queueHandle
}

// New creates vring id, wired to loop for kick-fd readiness and queue
// for dispatch once enabled. device is the capability set that will
// actually service requests; it is nil until the owning connection has
// completed SET_FEATURES.
func New(id int, logger interfaces.Logger, loop interfaces.EventLoop, queue interfaces.RequestQueue) *Vring {
	v := &Vring{id: id, logger: logger, loop: loop, queue: queue, kickFd: -1, callFd: -1, errFd: -1}
	return v
}

// Init resets the vring to its post-connect zero state. The device
// calls it after Uninit on every disconnect, so each new frontend
// connection starts from this state.
func (v *Vring) Init() {
	v.client = ClientInfo{}
	v.kickFd = -1
	v.callFd = -1
	v.errFd = -1
	v.enabled = false
	v.handle = nil
}

// Uninit tears down any live eventfd registrations and releases the
// queue, used both on explicit teardown and on reconnect.
func (v *Vring) Uninit() {
	if v.enabled {
		_ = v.SetEnabled(false)
	}
	v.closeFd(&v.kickFd)
	v.closeFd(&v.callFd)
	v.closeFd(&v.errFd)
}

func (v *Vring) closeFd(fd *int) {
	if *fd >= 0 {
		_ = unix.Close(*fd)
		*fd = -1
	}
}

// ID returns the vring's index.
func (v *Vring) ID() int { return v.id }

// Enabled reports whether the vring is currently attached to its device type.
func (v *Vring) Enabled() bool { return v.enabled }

// ErrDisabledOnly is returned by setters that only apply to a disabled vring.
var ErrDisabledOnly = fmt.Errorf("vring: can only be modified while disabled")

// SetNum sets the descriptor ring size. Only valid while disabled.
func (v *Vring) SetNum(num uint32) error {
	if v.enabled {
		return ErrDisabledOnly
	}
	v.client.Num = num
	return nil
}

// SetBase sets the ring's starting avail/used index. Only valid while
// disabled. Per the Open Question in DESIGN.md, SET_VRING_BASE reuses
// the same wire field vhost-user calls "num" to carry this base index.
func (v *Vring) SetBase(base uint32) error {
	if v.enabled {
		return ErrDisabledOnly
	}
	v.client.Base = base
	return nil
}

// Base returns the current base index, used for the GET_VRING_BASE reply.
func (v *Vring) Base() uint32 { return v.client.Base }

// AddressTranslator resolves a frontend userspace address to a host
// pointer; satisfied by *memmap.Map.
type AddressTranslator interface {
	TranslateUVA(uva uint64) (uintptr, bool)
}

// SetAddr installs the three ring addresses, each translated through
// mm. Only valid while disabled; any address that fails to translate
// rejects the whole call, leaving no partial state.
func (v *Vring) SetAddr(mm AddressTranslator, descAddr, availAddr, usedAddr uint64) error {
	if v.enabled {
		return ErrDisabledOnly
	}
	if _, ok := mm.TranslateUVA(descAddr); !ok {
		return fmt.Errorf("vring: desc address %#x does not translate", descAddr)
	}
	if _, ok := mm.TranslateUVA(availAddr); !ok {
		return fmt.Errorf("vring: avail address %#x does not translate", availAddr)
	}
	if _, ok := mm.TranslateUVA(usedAddr); !ok {
		return fmt.Errorf("vring: used address %#x does not translate", usedAddr)
	}
	v.client.DescAddr = descAddr
	v.client.AvailAddr = availAddr
	v.client.UsedAddr = usedAddr
	return nil
}

// SetDeviceType installs the device type a later SetEnabled(true) will
// attach the queue to.
func (v *Vring) SetDeviceType(d interfaces.DeviceType) { v.device = d }

// SetKickFd installs the eventfd the frontend signals to wake up
// request processing. Passing fd < 0 clears it. If protocol features
// were never negotiated (legacy mode), installing a kick fd implicitly
// enables the vring, matching the original's legacy compatibility path.
func (v *Vring) SetKickFd(fd int, legacyImplicitEnable bool) error {
	v.closeFd(&v.kickFd)
	v.kickFd = fd
	if legacyImplicitEnable && fd >= 0 && !v.enabled {
		return v.SetEnabled(true)
	}
	return nil
}

// SetCallFd installs the eventfd used to signal the frontend after
// used-ring entries are posted. If the vring is already enabled, the
// new fd is forwarded immediately to the device type's queue handle.
func (v *Vring) SetCallFd(fd int) error {
	v.closeFd(&v.callFd)
	v.callFd = fd
	if v.enabled && v.handle != nil {
		return v.handle.SetNotifyFd(fd)
	}
	return nil
}

// SetErrFd installs the eventfd the backend should signal on a fatal
// per-queue error.
func (v *Vring) SetErrFd(fd int) error {
	v.closeFd(&v.errFd)
	v.errFd = fd
	return nil
}

// SetEnabled transitions the vring between enabled and disabled. The
// transition is idempotent: enabling an already-enabled vring, or
// disabling an already-disabled one, is a no-op success.
func (v *Vring) SetEnabled(enable bool) error {
	if enable == v.enabled {
		return nil
	}
	if enable {
		if v.device == nil {
			return fmt.Errorf("vring %d: no device type bound", v.id)
		}
		handle := &queueHandle{id: v.id}
		if err := handle.Attach(); err != nil {
			return fmt.Errorf("vring %d: attach queue handle: %w", v.id, err)
		}
		if v.callFd >= 0 {
			if err := handle.SetNotifyFd(v.callFd); err != nil {
				return err
			}
		}
		if v.queue != nil {
			qid := v.id
			device := v.device
			logger := v.logger
			if err := v.queue.Attach(qid, func() {
				if err := device.DispatchRequests(handle); err != nil && logger != nil {
					logger.Warn("dispatch_requests failed", "vring", qid, "error", err)
				}
			}); err != nil {
				return fmt.Errorf("vring %d: attach request queue: %w", v.id, err)
			}
		}
		if v.kickFd >= 0 && v.loop != nil {
			qid := v.id
			if err := v.loop.Add(v.kickFd, v.onKick(qid), v.onClose); err != nil {
				return fmt.Errorf("vring %d: register kickfd: %w", v.id, err)
			}
		}
		v.handle = handle
		v.enabled = true
		return nil
	}

	if v.kickFd >= 0 && v.loop != nil {
		_ = v.loop.Del(v.kickFd)
	}
	if v.queue != nil {
		_ = v.queue.Detach(v.id)
	}
	if v.handle != nil {
		_ = v.handle.Release()
		v.handle = nil
	}
	v.enabled = false
	return nil
}

// onKick returns the event-loop callback invoked whenever the kick fd
// becomes readable: it drains the eventfd counter first (required, or
// the fd stays readable and the loop spins), then hands off to the
// request queue for actual descriptor processing. A disabled vring
// never drains or enqueues; its kick fd is deregistered from the loop
// on disable, but the guard stays as a defensive check against a stray
// readiness event racing the deregistration.
func (v *Vring) onKick(queueID int) func() {
	return func() {
		if !v.enabled {
			return
		}
		if v.kickFd >= 0 {
			if _, err := unix.EventfdRead(v.kickFd); err != nil && v.logger != nil {
				v.logger.Warn("eventfd read failed", "vring", queueID, "error", err)
			}
		}
		if v.queue != nil {
			_ = v.queue.Enqueue(queueID)
		}
	}
}

// onClose is the event-loop close callback for the kick fd. It is
// intentionally a no-op: the owning connection's teardown path is
// responsible for vring and memory cleanup, not the event loop.
func (v *Vring) onClose() {}

// queueHandle is the interfaces.QueueHandle a device type receives
// once its vring is enabled.
type queueHandle struct {
	id       int
	notifyFd int
}

func (h *queueHandle) QueueID() int { return h.id }

func (h *queueHandle) SetNotifyFd(fd int) error {
	h.notifyFd = fd
	return nil
}

func (h *queueHandle) Attach() error { return nil }

func (h *queueHandle) Release() error { return nil }
