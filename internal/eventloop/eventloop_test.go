package eventloop

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestLoopDispatchesReadEvent(t *testing.T) {
	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	var pipeFds [2]int
	if err := unix.Pipe(pipeFds[:]); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer unix.Close(pipeFds[0])
	defer unix.Close(pipeFds[1])

	fired := make(chan struct{}, 1)
	if err := loop.Add(pipeFds[0], func() {
		var buf [1]byte
		unix.Read(pipeFds[0], buf[:])
		fired <- struct{}{}
	}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	unix.Write(pipeFds[1], []byte{1})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read callback")
	}

	cancel()
	<-done
}

func TestDelStopsDelivery(t *testing.T) {
	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	var pipeFds [2]int
	unix.Pipe(pipeFds[:])
	defer unix.Close(pipeFds[0])
	defer unix.Close(pipeFds[1])

	calls := 0
	loop.Add(pipeFds[0], func() { calls++ }, nil)
	loop.Del(pipeFds[0])

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer cancel()

	unix.Write(pipeFds[1], []byte{1})
	time.Sleep(50 * time.Millisecond)
	if calls != 0 {
		t.Errorf("calls = %d, want 0 after Del", calls)
	}
}
