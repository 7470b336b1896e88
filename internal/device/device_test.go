package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/behrlich/vhost-user-backend/internal/vhtest"
	"golang.org/x/sys/unix"
)

func TestInitServerCreatesListeningSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	loop := vhtest.NewMockEventLoop()
	dt := &vhtest.MockDeviceType{Config: []byte("cfg")}
	d := New(sockPath, 2, dt, nil, nil, loop)

	if err := d.InitServer(); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	defer d.Uninit()

	if d.State() != Listening {
		t.Errorf("State = %v, want Listening", d.State())
	}
	if _, err := os.Stat(sockPath); err != nil {
		t.Errorf("socket file should exist: %v", err)
	}
	if len(d.vrings) != 2 {
		t.Errorf("len(vrings) = %d, want 2", len(d.vrings))
	}
}

func TestInitServerRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "stale.sock")

	loop := vhtest.NewMockEventLoop()
	dt := &vhtest.MockDeviceType{}
	first := New(sockPath, 1, dt, nil, nil, loop)
	if err := first.InitServer(); err != nil {
		t.Fatalf("first InitServer: %v", err)
	}
	// Simulate an unclean shutdown: close the listen fd directly,
	// leaving the socket file behind instead of calling Uninit.
	unix.Close(first.listenFd)

	second := New(sockPath, 1, dt, nil, nil, loop)
	if err := second.InitServer(); err != nil {
		t.Fatalf("second InitServer after stale file: %v", err)
	}
	second.Uninit()
}

func TestUninitRemovesSocketFile(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "uninit.sock")

	loop := vhtest.NewMockEventLoop()
	dt := &vhtest.MockDeviceType{}
	d := New(sockPath, 1, dt, nil, nil, loop)
	if err := d.InitServer(); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	d.Uninit()

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed after Uninit")
	}
	if d.State() != Initialized {
		t.Errorf("State = %v, want Initialized", d.State())
	}
}

// TestStateStringNeverBlank exercises State.String for every declared
// state, a cheap guard against an unlabeled state slipping in.
func TestStateStringNeverBlank(t *testing.T) {
	for _, s := range []State{Initialized, Listening, Connected} {
		if s.String() == "" {
			t.Errorf("State(%d).String() is blank", s)
		}
	}
}

func TestOnConnClosedIsNoOpWhenNotConnected(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "noop.sock")
	loop := vhtest.NewMockEventLoop()
	dt := &vhtest.MockDeviceType{}
	d := New(sockPath, 1, dt, nil, nil, loop)
	if err := d.InitServer(); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	defer d.Uninit()

	d.onConnClosed()
	if d.State() != Listening {
		t.Errorf("State = %v, want Listening (unchanged)", d.State())
	}
}
