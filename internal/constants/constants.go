// Package constants holds the default configuration values shared
// across the public API and the internal device/protocol packages.
package constants

import "time"

const (
	// DefaultMaxQueues is used when DeviceParams.MaxQueues is left at
	// zero: one vring, the minimum any vhost-user device needs.
	DefaultMaxQueues = 1

	// DefaultQueueSize is a conventional vring descriptor count. Nothing
	// in this module applies it: a vring's size stays 0 until the
	// frontend sends SET_VRING_NUM.
	DefaultQueueSize = 256

	// ListenBacklog is the backlog passed to listen(2) on the control
	// socket. vhost-user allows exactly one active frontend connection
	// at a time, but a small backlog avoids spurious ECONNREFUSED
	// during a reconnect race.
	ListenBacklog = 1

	// SocketDialTimeout is a dial timeout for client code (e.g. tests)
	// connecting to a backend's control socket; nothing in this module
	// dials with it.
	SocketDialTimeout = 5 * time.Second
)
