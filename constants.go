package vhostuser

import (
	"github.com/behrlich/vhost-user-backend/internal/constants"
	"github.com/behrlich/vhost-user-backend/internal/uapi"
)

// Re-exported configuration defaults and protocol limits.
const (
	DefaultMaxQueues  = constants.DefaultMaxQueues
	DefaultQueueSize  = constants.DefaultQueueSize
	ListenBacklog     = constants.ListenBacklog
	SocketDialTimeout = constants.SocketDialTimeout

	MaxMemoryRegions = uapi.MaxMemoryRegions
	MaxFds           = uapi.MaxFds
)
