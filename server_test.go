package vhostuser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateAndServeListensAndStops(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "vhost-test.sock")

	dt := NewMockDeviceType("mock-net", 0, []byte("config"))
	params := DefaultDeviceParams(sockPath, dt)

	dev, err := CreateAndServe(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("CreateAndServe: %v", err)
	}
	defer StopAndDelete(context.Background(), dev)

	if _, err := os.Stat(sockPath); err != nil {
		t.Fatalf("socket not created: %v", err)
	}

	if err := StopAndDelete(context.Background(), dev); err != nil {
		t.Fatalf("StopAndDelete: %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed after StopAndDelete")
	}
}

func TestCreateAndServeRejectsMissingSocketPath(t *testing.T) {
	dt := NewMockDeviceType("mock-net", 0, nil)
	_, err := CreateAndServe(context.Background(), DeviceParams{DeviceType: dt}, nil)
	if err == nil {
		t.Fatal("expected error for empty SocketPath")
	}
}

func TestCreateAndServeRejectsNilDeviceType(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateAndServe(context.Background(), DeviceParams{SocketPath: filepath.Join(dir, "a.sock")}, nil)
	if err == nil {
		t.Fatal("expected error for nil DeviceType")
	}
}

func TestServerServeTracksDevicesBySocketPath(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "server.sock")
	dt := NewMockDeviceType("mock-net", 0, nil)

	s := NewServer()
	dev, err := s.Serve(context.Background(), DefaultDeviceParams(sockPath, dt), nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer s.Shutdown(context.Background())

	if got, ok := s.Get(sockPath); !ok || got != dev {
		t.Error("Get should return the device registered under its socket path")
	}

	_, err = s.Serve(context.Background(), DefaultDeviceParams(sockPath, dt), nil)
	if err == nil {
		t.Error("expected error serving a second device on the same socket path")
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, ok := s.Get(sockPath); ok {
		t.Error("device should be unregistered after Shutdown")
	}
}

func TestCreateAndServeRunsUntilContextCancel(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "cancel.sock")
	dt := NewMockDeviceType("mock-net", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	dev, err := CreateAndServe(ctx, DefaultDeviceParams(sockPath, dt), nil)
	if err != nil {
		t.Fatalf("CreateAndServe: %v", err)
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	_ = StopAndDelete(context.Background(), dev)
}
