package uapi

import "encoding/binary"

// MarshalError is returned for malformed wire data.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)

// MarshalHeader encodes a Header to its 12-byte wire form.
func MarshalHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Request)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.Size)
	return buf
}

// UnmarshalHeader decodes a 12-byte wire header.
func UnmarshalHeader(data []byte, h *Header) error {
	if len(data) < HeaderSize {
		return ErrInsufficientData
	}
	h.Request = binary.LittleEndian.Uint32(data[0:4])
	h.Flags = binary.LittleEndian.Uint32(data[4:8])
	h.Size = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// MarshalU64 encodes a U64Payload.
func MarshalU64(p *U64Payload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.Value)
	return buf
}

// UnmarshalU64 decodes a U64Payload.
func UnmarshalU64(data []byte, p *U64Payload) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	p.Value = binary.LittleEndian.Uint64(data[0:8])
	return nil
}

// MarshalVringState encodes a VringStateMsg.
func MarshalVringState(m *VringStateMsg) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], m.Index)
	binary.LittleEndian.PutUint32(buf[4:8], m.Num)
	return buf
}

// UnmarshalVringState decodes a VringStateMsg.
func UnmarshalVringState(data []byte, m *VringStateMsg) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	m.Index = binary.LittleEndian.Uint32(data[0:4])
	m.Num = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// UnmarshalVringAddr decodes a VringAddrMsg.
func UnmarshalVringAddr(data []byte, m *VringAddrMsg) error {
	if len(data) < 40 {
		return ErrInsufficientData
	}
	m.Index = binary.LittleEndian.Uint32(data[0:4])
	m.Flags = binary.LittleEndian.Uint32(data[4:8])
	m.DescUser = binary.LittleEndian.Uint64(data[8:16])
	m.UsedUser = binary.LittleEndian.Uint64(data[16:24])
	m.AvailUser = binary.LittleEndian.Uint64(data[24:32])
	m.LogGuest = binary.LittleEndian.Uint64(data[32:40])
	return nil
}

// MarshalVringAddr encodes a VringAddrMsg (used in tests/harness only;
// the real frontend is the one that sends this message).
func MarshalVringAddr(m *VringAddrMsg) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], m.Index)
	binary.LittleEndian.PutUint32(buf[4:8], m.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], m.DescUser)
	binary.LittleEndian.PutUint64(buf[16:24], m.UsedUser)
	binary.LittleEndian.PutUint64(buf[24:32], m.AvailUser)
	binary.LittleEndian.PutUint64(buf[32:40], m.LogGuest)
	return buf
}

// UnmarshalVringFd decodes a VringFdMsg.
func UnmarshalVringFd(data []byte, m *VringFdMsg) error {
	if len(data) < 4 {
		return ErrInsufficientData
	}
	m.Index = binary.LittleEndian.Uint32(data[0:4])
	return nil
}

// UnmarshalMemoryRegion decodes one 32-byte MemoryRegionMsg entry.
func UnmarshalMemoryRegion(data []byte, m *MemoryRegionMsg) error {
	if len(data) < 32 {
		return ErrInsufficientData
	}
	m.GuestAddr = binary.LittleEndian.Uint64(data[0:8])
	m.Size = binary.LittleEndian.Uint64(data[8:16])
	m.UserAddr = binary.LittleEndian.Uint64(data[16:24])
	m.MmapOffset = binary.LittleEndian.Uint64(data[24:32])
	return nil
}

// MarshalMemoryRegion encodes one MemoryRegionMsg entry (test harness use).
func MarshalMemoryRegion(m *MemoryRegionMsg) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], m.GuestAddr)
	binary.LittleEndian.PutUint64(buf[8:16], m.Size)
	binary.LittleEndian.PutUint64(buf[16:24], m.UserAddr)
	binary.LittleEndian.PutUint64(buf[24:32], m.MmapOffset)
	return buf
}

// UnmarshalMemTable decodes SET_MEM_TABLE's payload: a uint32 count, 4
// bytes of padding, then count 32-byte region entries.
func UnmarshalMemTable(data []byte) (*MemTableMsg, error) {
	if len(data) < 8 {
		return nil, ErrInsufficientData
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	if count > MaxMemoryRegions {
		return nil, ErrInvalidType
	}
	need := 8 + int(count)*32
	if len(data) < need {
		return nil, ErrInsufficientData
	}
	msg := &MemTableMsg{Count: count, Regions: make([]MemoryRegionMsg, count)}
	off := 8
	for i := 0; i < int(count); i++ {
		if err := UnmarshalMemoryRegion(data[off:off+32], &msg.Regions[i]); err != nil {
			return nil, err
		}
		off += 32
	}
	return msg, nil
}

// UnmarshalInflightDesc decodes a SET_INFLIGHT_FD request payload.
func UnmarshalInflightDesc(data []byte, m *InflightDescMsg) error {
	if len(data) < 24 {
		return ErrInsufficientData
	}
	m.NumQueues = binary.LittleEndian.Uint16(data[0:2])
	m.QueueSize = binary.LittleEndian.Uint16(data[2:4])
	m.Flags = data[4]
	m.MmapSize = binary.LittleEndian.Uint64(data[8:16])
	m.MmapOffset = binary.LittleEndian.Uint64(data[16:24])
	return nil
}

// MarshalInflightDesc encodes a GET_INFLIGHT_FD reply payload.
func MarshalInflightDesc(m *InflightDescMsg) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint16(buf[0:2], m.NumQueues)
	binary.LittleEndian.PutUint16(buf[2:4], m.QueueSize)
	buf[4] = m.Flags
	binary.LittleEndian.PutUint64(buf[8:16], m.MmapSize)
	binary.LittleEndian.PutUint64(buf[16:24], m.MmapOffset)
	return buf
}
