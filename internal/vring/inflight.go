package vring

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// inflightHeaderSize is the per-queue inflight tracking header the
// original implementation stores at the front of each queue's slice of
// the shared inflight region: features, a version tag, the
// descriptor-table size, and the last committed batch head / used
// index, both reset to zero on creation.
const inflightHeaderSize = 32

// inflightVersion1 is the only inflight region layout version this
// backend produces or accepts.
const inflightVersion1 = 1

// InflightRegion is the anonymous memfd-backed region used for
// VHOST_USER_PROTOCOL_F_INFLIGHT_SHMFD: it lets the frontend recover
// in-flight descriptor state across a backend restart, since the
// frontend keeps its own mapping of the same memfd.
type InflightRegion struct {
	fd   int
	host []byte
	size uint64
}

// NewInflightRegion creates and maps a fresh memfd-backed region sized
// for numQueues queues of queueSize descriptors each, and zero-
// initializes every per-queue header, matching the original's
// vhost_get_inflight_fd behavior. The returned region's fd should be
// sent to the frontend as the GET_INFLIGHT_FD reply's ancillary data.
func NewInflightRegion(numQueues, queueSize uint16) (*InflightRegion, error) {
	perQueue := uint64(inflightHeaderSize) + uint64(queueSize)*8
	size := perQueue * uint64(numQueues)
	if size == 0 {
		size = uint64(unix.Getpagesize())
	}
	// Round up to a page boundary; memfd regions are mmap'd whole.
	pageSize := uint64(unix.Getpagesize())
	size = (size + pageSize - 1) / pageSize * pageSize

	fd, err := unix.MemfdCreate("vhost-user-inflight", 0)
	if err != nil {
		return nil, fmt.Errorf("inflight: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("inflight: ftruncate: %w", err)
	}
	host, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("inflight: mmap: %w", err)
	}

	region := &InflightRegion{fd: fd, host: host, size: size}
	for q := uint16(0); q < numQueues; q++ {
		region.initQueueHeader(int(q), perQueue, queueSize)
	}
	return region, nil
}

func (r *InflightRegion) initQueueHeader(queueIndex int, perQueue uint64, descNum uint16) {
	off := uint64(queueIndex) * perQueue
	header := r.host[off : off+inflightHeaderSize]
	for i := range header {
		header[i] = 0
	}
	binary.LittleEndian.PutUint64(header[0:8], 0) // features, negotiated separately
	binary.LittleEndian.PutUint16(header[8:10], inflightVersion1)
	binary.LittleEndian.PutUint16(header[10:12], descNum)
	// last_batch_head and used_idx are left at zero.
}

// AdoptInflightRegion maps a memfd the frontend already owns at the
// given size and offset, matching inflight_mmap_region: on
// SET_INFLIGHT_FD the backend cleans up whatever region it had and
// mmaps the provided fd in place, without touching its contents, so
// the frontend's own recovered in-flight descriptor state survives the
// round trip.
func AdoptInflightRegion(fd int, size, offset uint64) (*InflightRegion, error) {
	if size == 0 {
		return nil, fmt.Errorf("inflight: adopt: zero size")
	}
	host, err := unix.Mmap(fd, int64(offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("inflight: adopt: mmap: %w", err)
	}
	return &InflightRegion{fd: fd, host: host, size: size}, nil
}

// Fd returns the memfd to pass to the frontend via SCM_RIGHTS.
func (r *InflightRegion) Fd() int { return r.fd }

// Size returns the total mapped region size in bytes.
func (r *InflightRegion) Size() uint64 { return r.size }

// Close unmaps and closes the inflight region. Per the original
// implementation's contract, the memfd is never unlinked to a path,
// so contents do not persist across a backend restart unless the
// frontend re-supplies a fd via SET_INFLIGHT_FD.
func (r *InflightRegion) Close() error {
	if r.host != nil {
		_ = unix.Munmap(r.host)
		r.host = nil
	}
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}
