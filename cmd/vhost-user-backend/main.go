// Command vhost-user-backend serves a minimal vhost-user device over a
// Unix control socket, for exercising the library against a real
// frontend (e.g. QEMU's vhost-user-generic or a test harness).
//
// Descriptor walking and virtqueue I/O are left to the DeviceType
// implementation; nullDevice below only negotiates features and
// config space, and logs each DispatchRequests call, since the actual
// data-plane transport is an external collaborator per this module's
// scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	vhostuser "github.com/behrlich/vhost-user-backend"
	"github.com/behrlich/vhost-user-backend/internal/logging"
)

const nullDeviceFeatures = 1 << 0 // VIRTIO_F_NOTIFY_ON_EMPTY-equivalent placeholder bit

// nullDevice is the simplest possible DeviceType: fixed feature bits,
// a small fixed config blob, and a DispatchRequests that just attaches
// the queue handle and logs, with no descriptor walking of its own.
type nullDevice struct {
	logger   *logging.Logger
	config   []byte
	features uint64
}

func (d *nullDevice) Name() string { return "vhost-user-null" }

func (d *nullDevice) GetFeatures() uint64 { return d.features }

func (d *nullDevice) SetFeatures(features uint64) error {
	d.logger.Info("features negotiated", "features", features)
	return nil
}

func (d *nullDevice) GetConfig(offset uint32, buf []byte) (int, error) {
	if int(offset) > len(d.config) {
		return 0, fmt.Errorf("offset %d beyond config space", offset)
	}
	return copy(buf, d.config[offset:]), nil
}

func (d *nullDevice) SetConfig(offset uint32, buf []byte) error {
	return fmt.Errorf("nullDevice: config space is read-only")
}

func (d *nullDevice) DispatchRequests(handle vhostuser.QueueHandle) error {
	d.logger.Info("vring enabled, attaching", "queue", handle.QueueID())
	return handle.Attach()
}

func main() {
	var (
		sockPath = flag.String("socket", "/tmp/vhost-user-backend.sock", "control socket path")
		queues   = flag.Int("queues", vhostuser.DefaultMaxQueues, "number of vrings to expose")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	dev := &nullDevice{
		logger:   logger,
		config:   make([]byte, 64),
		features: nullDeviceFeatures,
	}

	params := vhostuser.DefaultDeviceParams(*sockPath, dev)
	params.MaxQueues = *queues

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device, err := vhostuser.CreateAndServe(ctx, params, &vhostuser.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}
	logger.Info("serving vhost-user device", "socket", device.SocketPath(), "queues", *queues)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	if err := vhostuser.StopAndDelete(context.Background(), device); err != nil {
		logger.Error("error stopping device", "error", err)
		os.Exit(1)
	}
	logger.Info("device stopped successfully")
}
