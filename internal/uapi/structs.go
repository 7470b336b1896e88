// Package uapi provides the vhost-user wire-format definitions: the
// fixed message header, each request's fixed payload struct, and the
// feature-bit / limit constants the protocol negotiates over.
package uapi

import "unsafe"

// Header is the fixed 12-byte vhost-user message header that precedes
// every request and reply on the control socket.
//
//	struct vhost_user_header {
//	  uint32_t request;
//	  uint32_t flags;
//	  uint32_t size;
//	};
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

// Compile-time size check: the wire header is exactly 12 bytes.
var _ [12]byte = [unsafe.Sizeof(Header{})]byte{}

// Flags bits within Header.Flags.
const (
	FlagVersionMask uint32 = 0x3
	FlagVersion     uint32 = 0x1
	FlagReply       uint32 = 0x4
	FlagNeedReply   uint32 = 0x8
)

// U64Payload is the payload shape for every request whose body is a
// single little-endian uint64 (GET/SET_FEATURES, SET_PROTOCOL_FEATURES,
// GET_QUEUE_NUM replies, REPLY_ACK acks, and so on).
type U64Payload struct {
	Value uint64
}

var _ [8]byte = [unsafe.Sizeof(U64Payload{})]byte{}

// VringStateMsg carries (index, num) pairs: SET_VRING_NUM,
// SET_VRING_BASE (num reused to carry base, see DESIGN.md), and the
// reply body of GET_VRING_BASE.
type VringStateMsg struct {
	Index uint32
	Num   uint32
}

var _ [8]byte = [unsafe.Sizeof(VringStateMsg{})]byte{}

// VringAddrMsg is SET_VRING_ADDR's payload: the three virtqueue ring
// addresses plus a log address and flags, all in the frontend's
// userspace address space (translated via the memory map).
type VringAddrMsg struct {
	Index     uint32
	Flags     uint32
	DescUser  uint64
	UsedUser  uint64
	AvailUser uint64
	LogGuest  uint64
}

var _ [40]byte = [unsafe.Sizeof(VringAddrMsg{})]byte{}

// VringFdMsg carries a vring index in Index; the associated file
// descriptor travels out-of-band as ancillary SCM_RIGHTS data.
// Index's bit 8 (NoFdMask) set means "no fd follows, disable".
type VringFdMsg struct {
	Index uint32
}

var _ [4]byte = [unsafe.Sizeof(VringFdMsg{})]byte{}

// NoFdMask marks a SET_VRING_{KICK,CALL,ERR} index field as carrying no
// ancillary fd (the vring's existing event should be disabled instead).
const NoFdMask uint32 = 1 << 8

// MemoryRegionMsg is one guest memory region as the frontend describes
// it: gpa (guest physical address), uva (userspace virtual address as
// seen by the frontend, used only for translate_uva), size and a
// page-aligned mmap offset into the fd that arrives via SCM_RIGHTS.
type MemoryRegionMsg struct {
	GuestAddr uint64
	Size      uint64
	UserAddr  uint64
	MmapOffset uint64
}

var _ [32]byte = [unsafe.Sizeof(MemoryRegionMsg{})]byte{}

// MemTableMsg is SET_MEM_TABLE's payload: a region count followed by
// up to MaxMemoryRegions entries, each with one ancillary fd.
type MemTableMsg struct {
	Count   uint32
	Padding uint32
	Regions []MemoryRegionMsg
}

// ConfigMsg is GET_CONFIG / SET_CONFIG's payload header; Data follows
// inline in the same message body.
type ConfigMsg struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Data   []byte
}

// InflightDescMsg is GET_INFLIGHT_FD's request payload (no fd; the
// reply carries the fd out of band) and SET_INFLIGHT_FD's payload
// (carries the fd out of band, describes the region's shape).
type InflightDescMsg struct {
	NumQueues  uint16
	QueueSize  uint16
	Flags      uint8
	MmapSize   uint64
	MmapOffset uint64
}

var _ [24]byte = [unsafe.Sizeof(InflightDescMsg{})]byte{}

// Limits from the vhost-user wire protocol.
const (
	MaxMemoryRegions = 8
	MaxFds           = 8
	HeaderSize       = 12
)
