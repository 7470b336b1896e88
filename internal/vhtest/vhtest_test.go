package vhtest

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestMockEventLoopTracksAddDel(t *testing.T) {
	l := NewMockEventLoop()
	l.Add(5, nil, nil)
	if !l.IsAdded(5) {
		t.Fatal("fd 5 should be added")
	}
	l.Del(5)
	if l.IsAdded(5) {
		t.Fatal("fd 5 should be removed")
	}
}

func TestMockRequestQueueRunsAttachedWorkOnEnqueue(t *testing.T) {
	q := NewMockRequestQueue()
	ran := false
	q.Attach(0, func() { ran = true })
	q.Enqueue(0)
	if !ran {
		t.Error("Enqueue should run attached work")
	}
	if len(q.Enqueued) != 1 || q.Enqueued[0] != 0 {
		t.Errorf("Enqueued = %v, want [0]", q.Enqueued)
	}
}

func TestNewHarnessConnectsBothEnds(t *testing.T) {
	h, err := NewHarness()
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	msg := []byte("ping")
	n, err := unix.Write(h.FrontendFd, msg)
	if err != nil || n != len(msg) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
}
