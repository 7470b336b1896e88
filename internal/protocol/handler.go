package protocol

import (
	"errors"
	"fmt"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
	"github.com/behrlich/vhost-user-backend/internal/memmap"
	"github.com/behrlich/vhost-user-backend/internal/uapi"
	"github.com/behrlich/vhost-user-backend/internal/vring"
	"golang.org/x/sys/unix"
)

// Handler dispatches decoded vhost-user messages against a device's
// memory map, vrings, and device type. One Handler exists per active
// connection; it is discarded and recreated across a reconnect.
type Handler struct {
	MM      *memmap.Map
	Vrings  []*vring.Vring
	Device  interfaces.DeviceType
	Logger  interfaces.Logger
	Observer interfaces.Observer

	MaxQueues int

	owned              bool
	features           uint64
	protocolFeatures   uint64
	protocolNegotiated bool
	inflight           *vring.InflightRegion
}

// NewHandler builds a handler for a freshly accepted connection.
func NewHandler(mm *memmap.Map, vrings []*vring.Vring, device interfaces.DeviceType, logger interfaces.Logger, observer interfaces.Observer) *Handler {
	return &Handler{MM: mm, Vrings: vrings, Device: device, Logger: logger, Observer: observer, MaxQueues: len(vrings)}
}

var unsupported = map[uint32]bool{
	uapi.ReqResetOwner:            true,
	uapi.ReqSetLogBase:            true,
	uapi.ReqSetLogFd:              true,
	uapi.ReqSendRarp:              true,
	uapi.ReqNetSetMTU:             true,
	uapi.ReqSetSlaveReqFd:         true,
	uapi.ReqIOTLBMsg:              true,
	uapi.ReqSetVringEndian:        true,
	uapi.ReqCreateCryptoSession:   true,
	uapi.ReqCloseCryptoSession:    true,
	uapi.ReqPostcopyAdvise:        true,
	uapi.ReqPostcopyListen:        true,
	uapi.ReqPostcopyEnd:           true,
	uapi.ReqSetConfig:             true,
}

// Dispatch processes one decoded message and, if a reply is needed,
// returns it. needAck is the message's own REPLY_ACK flag; an op that
// produces its own reply gets no separate ack unless it failed.
func (h *Handler) Dispatch(msg *Message) (reply *Message, err error) {
	req := msg.Header.Request
	needAck := msg.Header.Flags&uapi.FlagNeedReply != 0

	if unsupported[req] {
		if h.Logger != nil {
			h.Logger.Warn("unsupported request, rejecting without dropping connection", "request", uapi.RequestName(req))
		}
		if needAck {
			return h.ackReply(req, -int64(unix.ENOTSUP)), nil
		}
		return nil, nil
	}

	ret, replyMsg, dispatchErr := h.dispatchOne(req, msg)
	if h.Observer != nil {
		h.Observer.ObserveRequest(req, 0, dispatchErr == nil)
	}

	if replyMsg != nil {
		// The op already produced its own reply; per
		// vhost_ack_request_if_needed, no second ack is sent unless
		// the op's own result was non-zero (e.g. GET_VRING_BASE's
		// implicit disable step failing).
		if ret != 0 && needAck {
			return h.ackReply(req, ret), dispatchErr
		}
		return replyMsg, dispatchErr
	}

	if needAck {
		return h.ackReply(req, ret), dispatchErr
	}
	return nil, dispatchErr
}

func (h *Handler) ackReply(req uint32, ret int64) *Message {
	payload := uapi.MarshalU64(&uapi.U64Payload{Value: uint64(ret)})
	return &Message{
		Header:  uapi.Header{Request: req, Flags: uapi.FlagVersion | uapi.FlagReply, Size: uint32(len(payload))},
		Payload: payload,
	}
}

func (h *Handler) u64Reply(req uint32, value uint64) *Message {
	payload := uapi.MarshalU64(&uapi.U64Payload{Value: value})
	return &Message{
		Header:  uapi.Header{Request: req, Flags: uapi.FlagVersion | uapi.FlagReply, Size: uint32(len(payload))},
		Payload: payload,
	}
}

// dispatchOne runs the actual per-request logic, returning a
// vhost-user-style return code (0 success, negative errno on failure)
// together with an optional self-produced reply message.
func (h *Handler) dispatchOne(req uint32, msg *Message) (int64, *Message, error) {
	switch req {
	case uapi.ReqGetFeatures:
		features := h.Device.GetFeatures() | uapi.FProtocolFeatures
		return 0, h.u64Reply(req, features), nil

	case uapi.ReqSetFeatures:
		var p uapi.U64Payload
		if err := uapi.UnmarshalU64(msg.Payload, &p); err != nil {
			return invalid(err)
		}
		supported := h.Device.GetFeatures() | uapi.FProtocolFeatures
		h.features = p.Value & supported
		if p.Value&^supported != 0 && h.Logger != nil {
			h.Logger.Warn("frontend requested unsupported features, masking", "requested", p.Value)
		}
		h.protocolNegotiated = h.features&uapi.FProtocolFeatures != 0
		for _, v := range h.Vrings {
			v.SetDeviceType(h.Device)
		}
		if err := h.Device.SetFeatures(h.features); err != nil {
			return invalid(err)
		}
		return 0, nil, nil

	case uapi.ReqGetProtocolFeatures:
		return 0, h.u64Reply(req, uapi.DefaultProtocolFeatures), nil

	case uapi.ReqSetProtocolFeatures:
		var p uapi.U64Payload
		if err := uapi.UnmarshalU64(msg.Payload, &p); err != nil {
			return invalid(err)
		}
		h.protocolFeatures = p.Value & uapi.DefaultProtocolFeatures
		if p.Value&^uapi.DefaultProtocolFeatures != 0 && h.Logger != nil {
			h.Logger.Warn("frontend requested unsupported protocol features, masking", "requested", p.Value)
		}
		return 0, nil, nil

	case uapi.ReqSetOwner:
		h.owned = true
		return 0, nil, nil

	case uapi.ReqGetQueueNum:
		return 0, h.u64Reply(req, uint64(h.MaxQueues)), nil

	case uapi.ReqSetMemTable:
		return h.handleSetMemTable(msg)

	case uapi.ReqSetVringNum:
		return h.handleVringState(msg, func(v *vring.Vring, m uapi.VringStateMsg) error {
			return v.SetNum(m.Num)
		})

	case uapi.ReqSetVringBase:
		return h.handleVringState(msg, func(v *vring.Vring, m uapi.VringStateMsg) error {
			return v.SetBase(m.Num)
		})

	case uapi.ReqGetVringBase:
		return h.handleGetVringBase(msg)

	case uapi.ReqSetVringAddr:
		return h.handleSetVringAddr(msg)

	case uapi.ReqSetVringKick:
		return h.handleVringFd(msg, func(v *vring.Vring, fd int) error {
			return v.SetKickFd(fd, !h.protocolNegotiated)
		})

	case uapi.ReqSetVringCall:
		return h.handleVringFd(msg, func(v *vring.Vring, fd int) error { return v.SetCallFd(fd) })

	case uapi.ReqSetVringErr:
		return h.handleVringFd(msg, func(v *vring.Vring, fd int) error { return v.SetErrFd(fd) })

	case uapi.ReqSetVringEnable:
		return h.handleSetVringEnable(msg)

	case uapi.ReqGetConfig:
		return h.handleGetConfig(msg)

	case uapi.ReqGetInflightFd:
		return h.handleGetInflightFd(msg)

	case uapi.ReqSetInflightFd:
		return h.handleSetInflightFd(msg)

	default:
		if h.Logger != nil {
			h.Logger.Warn("malformed or unknown request", "request", req)
		}
		return -int64(unix.EINVAL), nil, fmt.Errorf("protocol: unknown request %d", req)
	}
}

func invalid(err error) (int64, *Message, error) {
	return -int64(unix.EINVAL), nil, err
}

func (h *Handler) handleSetMemTable(msg *Message) (int64, *Message, error) {
	table, err := uapi.UnmarshalMemTable(msg.Payload)
	if err != nil {
		return invalid(err)
	}
	if len(msg.Fds) < int(table.Count) {
		return invalid(fmt.Errorf("protocol: SET_MEM_TABLE expected %d fds, got %d", table.Count, len(msg.Fds)))
	}

	for _, v := range h.Vrings {
		if v.Enabled() {
			return invalid(fmt.Errorf("protocol: SET_MEM_TABLE rejected while a vring is enabled"))
		}
	}

	for i, region := range table.Regions {
		if err := h.MM.Set(i, region.GuestAddr, region.UserAddr, region.Size, region.MmapOffset, msg.Fds[i]); err != nil {
			// Set closes the fd itself only when mmap fails; on a
			// validation error the fd is still ours to close.
			if errors.Is(err, memmap.ErrBadIndex) || errors.Is(err, memmap.ErrBadAlign) || errors.Is(err, memmap.ErrBusy) {
				unix.Close(msg.Fds[i])
			}
			for _, fd := range msg.Fds[i+1 : table.Count] {
				unix.Close(fd)
			}
			h.MM.UnsetAll()
			return invalid(err)
		}
	}
	if h.Observer != nil {
		h.Observer.ObserveMemoryMap(h.MM.NumRegions())
	}
	return 0, nil, nil
}

func (h *Handler) vringByIndex(index uint32) (*vring.Vring, error) {
	if int(index) >= len(h.Vrings) {
		return nil, fmt.Errorf("protocol: vring index %d out of range", index)
	}
	return h.Vrings[index], nil
}

func (h *Handler) handleVringState(msg *Message, apply func(*vring.Vring, uapi.VringStateMsg) error) (int64, *Message, error) {
	var m uapi.VringStateMsg
	if err := uapi.UnmarshalVringState(msg.Payload, &m); err != nil {
		return invalid(err)
	}
	v, err := h.vringByIndex(m.Index)
	if err != nil {
		return invalid(err)
	}
	if err := apply(v, m); err != nil {
		return invalid(err)
	}
	return 0, nil, nil
}

func (h *Handler) handleGetVringBase(msg *Message) (int64, *Message, error) {
	var m uapi.VringStateMsg
	if err := uapi.UnmarshalVringState(msg.Payload, &m); err != nil {
		return invalid(err)
	}
	v, err := h.vringByIndex(m.Index)
	if err != nil {
		return invalid(err)
	}
	// Legacy compatibility: when protocol features were not negotiated,
	// querying the base implicitly disables the vring, matching the
	// original's auto-disable-on-get behavior.
	if !h.protocolNegotiated && v.Enabled() {
		if err := v.SetEnabled(false); err != nil {
			return invalid(err)
		}
	}
	reply := uapi.VringStateMsg{Index: m.Index, Num: v.Base()}
	payload := uapi.MarshalVringState(&reply)
	return 0, &Message{
		Header:  uapi.Header{Request: uapi.ReqGetVringBase, Flags: uapi.FlagVersion | uapi.FlagReply, Size: uint32(len(payload))},
		Payload: payload,
	}, nil
}

func (h *Handler) handleSetVringAddr(msg *Message) (int64, *Message, error) {
	var m uapi.VringAddrMsg
	if err := uapi.UnmarshalVringAddr(msg.Payload, &m); err != nil {
		return invalid(err)
	}
	v, err := h.vringByIndex(m.Index)
	if err != nil {
		return invalid(err)
	}
	if err := v.SetAddr(h.MM, m.DescUser, m.AvailUser, m.UsedUser); err != nil {
		return invalid(err)
	}
	return 0, nil, nil
}

func (h *Handler) handleVringFd(msg *Message, apply func(*vring.Vring, int) error) (int64, *Message, error) {
	var m uapi.VringFdMsg
	if err := uapi.UnmarshalVringFd(msg.Payload, &m); err != nil {
		return invalid(err)
	}
	index := m.Index &^ uapi.NoFdMask
	v, err := h.vringByIndex(index)
	if err != nil {
		return invalid(err)
	}

	fd := -1
	if m.Index&uapi.NoFdMask == 0 {
		if len(msg.Fds) == 0 {
			return invalid(fmt.Errorf("protocol: expected an ancillary fd"))
		}
		fd = msg.Fds[0]
	}
	if err := apply(v, fd); err != nil {
		return invalid(err)
	}
	return 0, nil, nil
}

func (h *Handler) handleSetVringEnable(msg *Message) (int64, *Message, error) {
	var m uapi.VringStateMsg
	if err := uapi.UnmarshalVringState(msg.Payload, &m); err != nil {
		return invalid(err)
	}
	v, err := h.vringByIndex(m.Index)
	if err != nil {
		return invalid(err)
	}
	v.SetDeviceType(h.Device)
	if err := v.SetEnabled(m.Num != 0); err != nil {
		return invalid(err)
	}
	return 0, nil, nil
}

func (h *Handler) handleGetConfig(msg *Message) (int64, *Message, error) {
	if len(msg.Payload) < 12 {
		return invalid(fmt.Errorf("protocol: GET_CONFIG payload too short"))
	}
	offset := leUint32(msg.Payload[0:4])
	size := leUint32(msg.Payload[4:8])

	buf := make([]byte, size)
	n, err := h.Device.GetConfig(offset, buf)
	if err != nil {
		return invalid(err)
	}

	reply := make([]byte, 12+n)
	putLeUint32(reply[0:4], offset)
	putLeUint32(reply[4:8], uint32(n))
	copy(reply[8:12], msg.Payload[8:12])
	copy(reply[12:], buf[:n])

	return 0, &Message{
		Header:  uapi.Header{Request: uapi.ReqGetConfig, Flags: uapi.FlagVersion | uapi.FlagReply, Size: uint32(len(reply))},
		Payload: reply,
	}, nil
}

func (h *Handler) handleGetInflightFd(msg *Message) (int64, *Message, error) {
	var desc uapi.InflightDescMsg
	if err := uapi.UnmarshalInflightDesc(msg.Payload, &desc); err != nil {
		return invalid(err)
	}
	if h.inflight != nil {
		h.inflight.Close()
	}
	region, err := vring.NewInflightRegion(desc.NumQueues, desc.QueueSize)
	if err != nil {
		return invalid(err)
	}
	h.inflight = region

	reply := uapi.InflightDescMsg{NumQueues: desc.NumQueues, QueueSize: desc.QueueSize, MmapSize: region.Size(), MmapOffset: 0}
	payload := uapi.MarshalInflightDesc(&reply)
	return 0, &Message{
		Header:  uapi.Header{Request: uapi.ReqGetInflightFd, Flags: uapi.FlagVersion | uapi.FlagReply, Size: uint32(len(payload))},
		Payload: payload,
		Fds:     []int{region.Fd()},
	}, nil
}

func (h *Handler) handleSetInflightFd(msg *Message) (int64, *Message, error) {
	var desc uapi.InflightDescMsg
	if err := uapi.UnmarshalInflightDesc(msg.Payload, &desc); err != nil {
		return invalid(err)
	}
	if len(msg.Fds) == 0 {
		return invalid(fmt.Errorf("protocol: SET_INFLIGHT_FD expected an ancillary fd"))
	}
	if h.inflight != nil {
		h.inflight.Close()
		h.inflight = nil
	}
	region, err := vring.AdoptInflightRegion(msg.Fds[0], desc.MmapSize, desc.MmapOffset)
	if err != nil {
		unix.Close(msg.Fds[0])
		return invalid(err)
	}
	h.inflight = region
	return 0, nil, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
