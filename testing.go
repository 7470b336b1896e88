package vhostuser

import "sync"

// MockDeviceType is a DeviceType implementation for unit tests: fixed
// feature bits, canned configuration bytes, and a dispatch counter.
type MockDeviceType struct {
	mu sync.Mutex

	name     string
	features uint64
	config   []byte

	dispatchCount int
	lastHandle    QueueHandle
}

// NewMockDeviceType creates a mock device type named name, exposing
// features and config as its negotiable feature bits and config space.
func NewMockDeviceType(name string, features uint64, config []byte) *MockDeviceType {
	return &MockDeviceType{name: name, features: features, config: config}
}

func (m *MockDeviceType) Name() string { return m.name }

func (m *MockDeviceType) GetFeatures() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features
}

func (m *MockDeviceType) SetFeatures(features uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = features
	return nil
}

func (m *MockDeviceType) GetConfig(offset uint32, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(offset) > len(m.config) {
		return 0, NewError("GetConfig", ErrCodeInvalid, "offset beyond config space")
	}
	return copy(buf, m.config[offset:]), nil
}

func (m *MockDeviceType) SetConfig(offset uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(offset)+len(buf) > len(m.config) {
		return NewError("SetConfig", ErrCodeInvalid, "write beyond config space")
	}
	copy(m.config[offset:], buf)
	return nil
}

func (m *MockDeviceType) DispatchRequests(handle QueueHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchCount++
	m.lastHandle = handle
	return nil
}

// DispatchCount returns how many times DispatchRequests was called.
func (m *MockDeviceType) DispatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatchCount
}

// LastHandle returns the QueueHandle from the most recent DispatchRequests call.
func (m *MockDeviceType) LastHandle() QueueHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHandle
}

var _ DeviceType = (*MockDeviceType)(nil)
