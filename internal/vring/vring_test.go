package vring

import (
	"testing"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
)

type stubTranslator struct{}

func (stubTranslator) TranslateUVA(uva uint64) (uintptr, bool) { return uintptr(uva), true }

type stubDeviceType struct {
	dispatched int
}

func (d *stubDeviceType) Name() string              { return "stub" }
func (d *stubDeviceType) GetFeatures() uint64        { return 0 }
func (d *stubDeviceType) SetFeatures(uint64) error   { return nil }
func (d *stubDeviceType) GetConfig(uint32, []byte) (int, error) { return 0, nil }
func (d *stubDeviceType) SetConfig(uint32, []byte) error        { return nil }
func (d *stubDeviceType) DispatchRequests(interfaces.QueueHandle) error {
	d.dispatched++
	return nil
}

type stubEventLoop struct {
	added   map[int]bool
	removed map[int]bool
}

func newStubEventLoop() *stubEventLoop {
	return &stubEventLoop{added: map[int]bool{}, removed: map[int]bool{}}
}

func (l *stubEventLoop) Add(fd int, onRead func(), onClose func()) error {
	l.added[fd] = true
	return nil
}

func (l *stubEventLoop) Del(fd int) error {
	l.removed[fd] = true
	return nil
}

// stubRequestQueue runs attached work synchronously on Enqueue, close
// enough to reqqueue.Queue's own dispatch-on-enqueue behavior to
// exercise the kick -> Attach/Enqueue -> DispatchRequests wiring
// without a real worker goroutine.
type stubRequestQueue struct {
	attached map[int]func()
	enqueued []int
}

func newStubRequestQueue() *stubRequestQueue {
	return &stubRequestQueue{attached: map[int]func(){}}
}

func (q *stubRequestQueue) Attach(queueID int, work func()) error {
	q.attached[queueID] = work
	return nil
}

func (q *stubRequestQueue) Detach(queueID int) error {
	delete(q.attached, queueID)
	return nil
}

func (q *stubRequestQueue) Enqueue(queueID int) error {
	q.enqueued = append(q.enqueued, queueID)
	if work, ok := q.attached[queueID]; ok {
		work()
	}
	return nil
}

func TestSetNumBaseAddrRequireDisabled(t *testing.T) {
	v := New(0, nil, newStubEventLoop(), newStubRequestQueue())
	v.SetDeviceType(&stubDeviceType{})
	if err := v.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}

	if err := v.SetNum(64); err != ErrDisabledOnly {
		t.Errorf("SetNum while enabled = %v, want ErrDisabledOnly", err)
	}
	if err := v.SetBase(1); err != ErrDisabledOnly {
		t.Errorf("SetBase while enabled = %v, want ErrDisabledOnly", err)
	}
	if err := v.SetAddr(stubTranslator{}, 1, 2, 3); err != ErrDisabledOnly {
		t.Errorf("SetAddr while enabled = %v, want ErrDisabledOnly", err)
	}
}

func TestSetEnabledIdempotent(t *testing.T) {
	dt := &stubDeviceType{}
	q := newStubRequestQueue()
	v := New(1, nil, newStubEventLoop(), q)
	v.SetDeviceType(dt)

	if err := v.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := v.SetEnabled(true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if dt.dispatched != 0 {
		t.Errorf("DispatchRequests called %d times at enable time, want 0 (only kicks dispatch)", dt.dispatched)
	}
	if _, ok := q.attached[1]; !ok {
		t.Error("SetEnabled(true) should attach dispatch work to the request queue")
	}

	if err := v.SetEnabled(false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, ok := q.attached[1]; ok {
		t.Error("SetEnabled(false) should detach dispatch work from the request queue")
	}
	if err := v.SetEnabled(false); err != nil {
		t.Fatalf("re-disable: %v", err)
	}
}

// TestKickDispatchesOncePerKick exercises the kick -> Enqueue ->
// attached work -> DispatchRequests path directly, without a real
// kick eventfd or event loop.
func TestKickDispatchesOncePerKick(t *testing.T) {
	dt := &stubDeviceType{}
	q := newStubRequestQueue()
	v := New(4, nil, newStubEventLoop(), q)
	v.SetDeviceType(dt)
	if err := v.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if err := q.Enqueue(4); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(4); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if dt.dispatched != 2 {
		t.Errorf("DispatchRequests called %d times, want 2 (one per kick)", dt.dispatched)
	}
}

func TestSetKickFdImplicitLegacyEnable(t *testing.T) {
	v := New(2, nil, newStubEventLoop(), newStubRequestQueue())
	v.SetDeviceType(&stubDeviceType{})

	if v.Enabled() {
		t.Fatal("vring should start disabled")
	}
	if err := v.SetKickFd(42, true); err != nil {
		t.Fatalf("SetKickFd: %v", err)
	}
	if !v.Enabled() {
		t.Error("legacy SetKickFd should implicitly enable the vring")
	}
}

func TestSetCallFdForwardsWhenEnabled(t *testing.T) {
	v := New(3, nil, newStubEventLoop(), newStubRequestQueue())
	v.SetDeviceType(&stubDeviceType{})
	if err := v.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := v.SetCallFd(7); err != nil {
		t.Fatalf("SetCallFd: %v", err)
	}
	if v.handle.notifyFd != 7 {
		t.Errorf("notifyFd = %d, want 7", v.handle.notifyFd)
	}
}
