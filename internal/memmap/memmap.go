// Package memmap implements the guest memory mapping layer: the fixed
// table of up to uapi.MaxMemoryRegions guest memory regions a frontend
// hands over via SET_MEM_TABLE, and the gpa/uva -> host-pointer
// translation vring setup and I/O dispatch both depend on.
package memmap

import (
	"fmt"
	"unsafe"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
	"github.com/behrlich/vhost-user-backend/internal/uapi"
	"golang.org/x/sys/unix"
)

// Region is one mapped guest memory region: the guest physical address
// range, the frontend's userspace address (used only for
// translate_uva), the mmap'd host memory backing it, and the fd it
// came from (kept open for the region's lifetime and closed on unmap;
// an idempotent remap closes the duplicate fd instead).
type Region struct {
	GuestAddr uint64
	UserAddr  uint64
	Size      uint64
	host      []byte
	fd        int
}

// HostAddr returns the host virtual address this region is mapped at.
func (r *Region) HostAddr() uintptr {
	return uintptr(unsafe.Pointer(&r.host[0]))
}

// Map is the fixed-size guest memory map. It does not grow past
// uapi.MaxMemoryRegions; SET_MEM_TABLE maps each region into the slot
// matching its position in the table.
type Map struct {
	regions [uapi.MaxMemoryRegions]*Region
	logger  interfaces.Logger
}

// New creates an empty memory map.
func New(logger interfaces.Logger) *Map {
	return &Map{logger: logger}
}

// ErrBusy is returned by Set when an index collides with a differently
// shaped region that is still mapped.
var ErrBusy = fmt.Errorf("memmap: region busy")

// ErrBadIndex is returned when index is out of range.
var ErrBadIndex = fmt.Errorf("memmap: bad index")

// ErrBadAlign is returned when size or offset is not page-aligned.
var ErrBadAlign = fmt.Errorf("memmap: misaligned region")

// pageSize is resolved once; vhost-user regions must be page-aligned
// since they are mmap'd directly from the frontend-supplied fd.
var pageSize = unix.Getpagesize()

// Set installs the region at index, mmap'ing fd at mmapOffset for
// size bytes. If index already holds a region with the same guestAddr
// and the same page count, the call is treated as an idempotent
// remap: the duplicate fd is closed without touching the existing
// mapping, matching the original vhost-user server's behavior of
// tolerating a frontend that resends an unchanged SET_MEM_TABLE. Any
// other occupied index fails with ErrBusy and leaves fd open.
func (m *Map) Set(index int, guestAddr, userAddr, size, mmapOffset uint64, fd int) error {
	if index < 0 || index >= uapi.MaxMemoryRegions {
		return ErrBadIndex
	}
	if size == 0 || size%uint64(pageSize) != 0 || mmapOffset%uint64(pageSize) != 0 {
		return ErrBadAlign
	}

	if existing := m.regions[index]; existing != nil {
		if existing.GuestAddr == guestAddr && pageCount(existing.Size) == pageCount(size) {
			if m.logger != nil {
				m.logger.Warn("region already mapped, treating SET_MEM_TABLE as idempotent remap",
					"index", index, "gpa", guestAddr)
			}
			_ = unix.Close(fd)
			return nil
		}
		if m.logger != nil {
			m.logger.Warn("region already mapped with a different shape",
				"index", index, "gpa", existing.GuestAddr, "new_gpa", guestAddr)
		}
		return ErrBusy
	}

	hostAddr, err := unix.Mmap(fd, int64(mmapOffset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("memmap: mmap region %d: %w", index, err)
	}

	m.regions[index] = &Region{
		GuestAddr: guestAddr,
		UserAddr:  userAddr,
		Size:      size,
		host:      hostAddr,
		fd:        fd,
	}
	return nil
}

// Unset removes the region at index, unmapping and closing its fd.
func (m *Map) Unset(index int) error {
	if index < 0 || index >= uapi.MaxMemoryRegions {
		return ErrBadIndex
	}
	region := m.regions[index]
	if region == nil {
		return nil
	}
	m.unmapRegion(region)
	m.regions[index] = nil
	return nil
}

// UnsetAll removes every mapped region, used on reconnect.
func (m *Map) UnsetAll() {
	for i, region := range m.regions {
		if region != nil {
			m.unmapRegion(region)
			m.regions[i] = nil
		}
	}
}

func (m *Map) unmapRegion(r *Region) {
	if err := unix.Munmap(r.host); err != nil && m.logger != nil {
		m.logger.Warn("munmap failed", "error", err)
	}
	_ = unix.Close(r.fd)
}

// TranslateUVA resolves a frontend userspace address to a host
// pointer, linearly scanning the mapped regions. It returns 0, false
// if uva does not fall within any mapped region.
func (m *Map) TranslateUVA(uva uint64) (uintptr, bool) {
	for _, region := range m.regions {
		if region == nil {
			continue
		}
		if uva >= region.UserAddr && uva < region.UserAddr+region.Size {
			return region.HostAddr() + uintptr(uva-region.UserAddr), true
		}
	}
	return 0, false
}

// TranslateGPA resolves a length-bounded guest physical address range
// to a host pointer. The whole [gpa, gpa+length) range must fall
// inside a single region; a range spanning two regions is rejected
// even if both are mapped. A zero length never translates.
func (m *Map) TranslateGPA(gpa, length uint64) (uintptr, bool) {
	if length == 0 {
		return 0, false
	}
	for _, region := range m.regions {
		if region == nil {
			continue
		}
		if gpa >= region.GuestAddr && gpa+length <= region.GuestAddr+region.Size {
			return region.HostAddr() + uintptr(gpa-region.GuestAddr), true
		}
	}
	return 0, false
}

// NumRegions reports how many slots are currently occupied, used by
// the Observer to record a memory-map gauge.
func (m *Map) NumRegions() int {
	n := 0
	for _, region := range m.regions {
		if region != nil {
			n++
		}
	}
	return n
}

func pageCount(size uint64) uint64 {
	return (size + uint64(pageSize) - 1) / uint64(pageSize)
}
