// Package vhtest provides test doubles and a socketpair-based harness
// for exercising the protocol and device packages without a real
// frontend or epoll.
package vhtest

import (
	"sync"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
)

// MockEventLoop records Add/Del calls instead of touching real poll(2).
type MockEventLoop struct {
	mu      sync.Mutex
	Added   map[int]struct{}
	Removed map[int]struct{}
}

// NewMockEventLoop creates an empty MockEventLoop.
func NewMockEventLoop() *MockEventLoop {
	return &MockEventLoop{Added: make(map[int]struct{}), Removed: make(map[int]struct{})}
}

func (l *MockEventLoop) Add(fd int, onRead func(), onClose func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Added[fd] = struct{}{}
	delete(l.Removed, fd)
	return nil
}

func (l *MockEventLoop) Del(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.Added, fd)
	l.Removed[fd] = struct{}{}
	return nil
}

// IsAdded reports whether fd is currently registered.
func (l *MockEventLoop) IsAdded(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.Added[fd]
	return ok
}

// MockRequestQueue records Attach/Detach/Enqueue calls instead of
// running a real worker goroutine.
type MockRequestQueue struct {
	mu       sync.Mutex
	Attached map[int]func()
	Enqueued []int
}

// NewMockRequestQueue creates an empty MockRequestQueue.
func NewMockRequestQueue() *MockRequestQueue {
	return &MockRequestQueue{Attached: make(map[int]func())}
}

func (q *MockRequestQueue) Attach(queueID int, work func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Attached[queueID] = work
	return nil
}

func (q *MockRequestQueue) Detach(queueID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.Attached, queueID)
	return nil
}

func (q *MockRequestQueue) Enqueue(queueID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Enqueued = append(q.Enqueued, queueID)
	if work, ok := q.Attached[queueID]; ok {
		work()
	}
	return nil
}

// MockDeviceType is a DeviceType test double with fixed feature bits,
// canned config bytes, and a dispatch counter.
type MockDeviceType struct {
	mu sync.Mutex

	Features      uint64
	Config        []byte
	DispatchCount int
}

func (d *MockDeviceType) Name() string { return "vhtest-mock" }

func (d *MockDeviceType) GetFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Features
}

func (d *MockDeviceType) SetFeatures(features uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Features = features
	return nil
}

func (d *MockDeviceType) GetConfig(offset uint32, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(offset) > len(d.Config) {
		return 0, nil
	}
	return copy(buf, d.Config[offset:]), nil
}

func (d *MockDeviceType) SetConfig(offset uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.Config[offset:], buf)
	return nil
}

func (d *MockDeviceType) DispatchRequests(interfaces.QueueHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DispatchCount++
	return nil
}

var (
	_ interfaces.EventLoop   = (*MockEventLoop)(nil)
	_ interfaces.RequestQueue = (*MockRequestQueue)(nil)
	_ interfaces.DeviceType  = (*MockDeviceType)(nil)
)
