package uapi

import (
	"testing"
	"unsafe"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"Header", unsafe.Sizeof(Header{}), 12},
		{"U64Payload", unsafe.Sizeof(U64Payload{}), 8},
		{"VringStateMsg", unsafe.Sizeof(VringStateMsg{}), 8},
		{"VringAddrMsg", unsafe.Sizeof(VringAddrMsg{}), 40},
		{"MemoryRegionMsg", unsafe.Sizeof(MemoryRegionMsg{}), 32},
		{"InflightDescMsg", unsafe.Sizeof(InflightDescMsg{}), 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	original := &Header{Request: ReqSetVringCall, Flags: FlagVersion | FlagReply, Size: 4}
	data := MarshalHeader(original)
	if len(data) != HeaderSize {
		t.Fatalf("MarshalHeader length = %d, want %d", len(data), HeaderSize)
	}

	var decoded Header
	if err := UnmarshalHeader(data, &decoded); err != nil {
		t.Fatalf("UnmarshalHeader failed: %v", err)
	}
	if decoded != *original {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalHeaderShort(t *testing.T) {
	var h Header
	if err := UnmarshalHeader([]byte{1, 2, 3}, &h); err != ErrInsufficientData {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}

func TestVringAddrRoundTrip(t *testing.T) {
	original := &VringAddrMsg{
		Index:     2,
		Flags:     0,
		DescUser:  0x1000,
		UsedUser:  0x2000,
		AvailUser: 0x3000,
		LogGuest:  0,
	}
	data := MarshalVringAddr(original)
	var decoded VringAddrMsg
	if err := UnmarshalVringAddr(data, &decoded); err != nil {
		t.Fatalf("UnmarshalVringAddr failed: %v", err)
	}
	if decoded != *original {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalMemTable(t *testing.T) {
	buf := make([]byte, 8+32*2)
	buf[0] = 2 // count
	r0 := MemoryRegionMsg{GuestAddr: 0x0, Size: 4096, UserAddr: 0x7f0000, MmapOffset: 0}
	r1 := MemoryRegionMsg{GuestAddr: 0x1000, Size: 8192, UserAddr: 0x7f1000, MmapOffset: 4096}
	copy(buf[8:40], MarshalMemoryRegion(&r0))
	copy(buf[40:72], MarshalMemoryRegion(&r1))

	msg, err := UnmarshalMemTable(buf)
	if err != nil {
		t.Fatalf("UnmarshalMemTable failed: %v", err)
	}
	if msg.Count != 2 || len(msg.Regions) != 2 {
		t.Fatalf("msg = %+v, want count=2 len=2", msg)
	}
	if msg.Regions[0] != r0 || msg.Regions[1] != r1 {
		t.Errorf("regions = %+v, want [%+v %+v]", msg.Regions, r0, r1)
	}
}

func TestUnmarshalMemTableRejectsTooManyRegions(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = byte(MaxMemoryRegions + 1)
	if _, err := UnmarshalMemTable(buf); err != ErrInvalidType {
		t.Errorf("err = %v, want ErrInvalidType", err)
	}
}

func TestRequestName(t *testing.T) {
	if RequestName(ReqSetVringKick) != "SET_VRING_KICK" {
		t.Errorf("RequestName(SET_VRING_KICK) = %q", RequestName(ReqSetVringKick))
	}
	if RequestName(9999) != "UNKNOWN" {
		t.Errorf("RequestName(9999) = %q, want UNKNOWN", RequestName(9999))
	}
}

func BenchmarkMarshalHeader(b *testing.B) {
	h := &Header{Request: ReqSetVringCall, Flags: FlagVersion, Size: 4}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MarshalHeader(h)
	}
}
