// Package protocol implements vhost-user message framing (fixed header
// plus payload, with up to uapi.MaxFds SCM_RIGHTS ancillary file
// descriptors) and the request dispatch table that drives the memory
// map, the vrings, and the device type from each decoded message.
package protocol

import (
	"fmt"

	"github.com/behrlich/vhost-user-backend/internal/uapi"
	"golang.org/x/sys/unix"
)

// Message is one fully decoded vhost-user request or reply.
type Message struct {
	Header  uapi.Header
	Payload []byte
	Fds     []int
}

// Conn wraps a connected vhost-user control socket fd, framing reads
// and writes at the message boundary and carrying SCM_RIGHTS ancillary
// data alongside the payload.
type Conn struct {
	fd int
}

// NewConn wraps an already-accepted, non-blocking socket fd.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd returns the underlying socket fd, e.g. for event-loop registration.
func (c *Conn) Fd() int { return c.fd }

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// maxPayload bounds a single message body; SET_MEM_TABLE with the
// maximum region count is the largest legitimate payload.
const maxPayload = 8 + uapi.MaxMemoryRegions*32

// Recv reads one complete vhost-user message: the fixed 12-byte header
// plus up to uapi.MaxFds ancillary fds in a single recvmsg call (so
// Size is known before the payload read), then the payload with a
// plain read, matching the original's header-then-payload framing. A
// short read at any point is an error, not retried, per the
// concurrency model's non-blocking-fd contract.
func (c *Conn) Recv() (*Message, error) {
	headerBuf := make([]byte, uapi.HeaderSize)
	fds, err := c.recvWithFds(headerBuf)
	if err != nil {
		return nil, err
	}
	closeFds := func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}

	var header uapi.Header
	if err := uapi.UnmarshalHeader(headerBuf, &header); err != nil {
		closeFds()
		return nil, err
	}
	if header.Size > maxPayload {
		closeFds()
		return nil, fmt.Errorf("protocol: payload size %d exceeds limit", header.Size)
	}

	payload := make([]byte, header.Size)
	if err := c.readFull(payload); err != nil {
		closeFds()
		return nil, err
	}

	return &Message{Header: header, Payload: payload, Fds: fds}, nil
}

// readFull fills buf with a single read; anything less is an error.
func (c *Conn) readFull(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return fmt.Errorf("protocol: read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("protocol: connection closed mid-message")
	}
	if n != len(buf) {
		return fmt.Errorf("protocol: short read: got %d want %d", n, len(buf))
	}
	return nil
}

func (c *Conn) recvWithFds(buf []byte) ([]int, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	oob := make([]byte, unix.CmsgSpace(uapi.MaxFds*4))
	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("protocol: recvmsg: %w", err)
	}
	if n != len(buf) {
		return nil, fmt.Errorf("protocol: short read: got %d want %d", n, len(buf))
	}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, fmt.Errorf("protocol: parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			parsed, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			fds = append(fds, parsed...)
		}
		if len(fds) > uapi.MaxFds {
			for _, fd := range fds {
				unix.Close(fd)
			}
			return nil, fmt.Errorf("protocol: too many ancillary fds: %d", len(fds))
		}
	}
	return fds, nil
}

// Send writes a complete reply message, with up to uapi.MaxFds
// ancillary fds riding along via SCM_RIGHTS.
func (c *Conn) Send(header uapi.Header, payload []byte, fds []int) error {
	header.Size = uint32(len(payload))
	buf := append(uapi.MarshalHeader(&header), payload...)

	if len(fds) == 0 {
		return c.writeFull(buf)
	}
	oob := unix.UnixRights(fds...)
	n, _, err := unixSendmsg(c.fd, buf, oob)
	if err != nil {
		return fmt.Errorf("protocol: sendmsg: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("protocol: short write: wrote %d want %d", n, len(buf))
	}
	return nil
}

func unixSendmsg(fd int, buf, oob []byte) (int, int, error) {
	err := unix.Sendmsg(fd, buf, oob, nil, 0)
	if err != nil {
		return 0, 0, err
	}
	return len(buf), len(oob), nil
}

func (c *Conn) writeFull(buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := unix.Write(c.fd, buf[written:])
		if err != nil {
			return fmt.Errorf("protocol: short write: %w", err)
		}
		written += n
	}
	return nil
}
