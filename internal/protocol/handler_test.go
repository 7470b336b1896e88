package protocol

import (
	"os"
	"testing"

	"github.com/behrlich/vhost-user-backend/internal/interfaces"
	"github.com/behrlich/vhost-user-backend/internal/memmap"
	"github.com/behrlich/vhost-user-backend/internal/uapi"
	"github.com/behrlich/vhost-user-backend/internal/vring"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type stubDeviceType struct {
	features uint64
	config   []byte
}

func (d *stubDeviceType) Name() string              { return "stub" }
func (d *stubDeviceType) GetFeatures() uint64        { return d.features }
func (d *stubDeviceType) SetFeatures(f uint64) error { d.features = f; return nil }
func (d *stubDeviceType) GetConfig(offset uint32, buf []byte) (int, error) {
	return copy(buf, d.config[offset:]), nil
}
func (d *stubDeviceType) SetConfig(uint32, []byte) error                { return nil }
func (d *stubDeviceType) DispatchRequests(interfaces.QueueHandle) error { return nil }

func newTestHandler(numVrings int) *Handler {
	device := &stubDeviceType{config: []byte("hello-config")}
	vrings := make([]*vring.Vring, numVrings)
	for i := range vrings {
		vrings[i] = vring.New(i, nil, nil, nil)
	}
	return NewHandler(memmap.New(nil), vrings, device, nil, nil)
}

func TestGetFeaturesReplies(t *testing.T) {
	h := newTestHandler(1)
	msg := &Message{Header: uapi.Header{Request: uapi.ReqGetFeatures}}
	reply, err := h.Dispatch(msg)
	require.NoError(t, err)

	var p uapi.U64Payload
	require.NoError(t, uapi.UnmarshalU64(reply.Payload, &p))
	require.NotZero(t, p.Value&uapi.FProtocolFeatures, "GET_FEATURES reply should always carry VHOST_USER_F_PROTOCOL_FEATURES")
}

func TestUnsupportedRequestDoesNotDropConnection(t *testing.T) {
	h := newTestHandler(1)
	msg := &Message{Header: uapi.Header{Request: uapi.ReqSendRarp, Flags: uapi.FlagNeedReply}}
	reply, err := h.Dispatch(msg)
	require.NoError(t, err, "Dispatch should not error on unsupported op")

	var p uapi.U64Payload
	require.NoError(t, uapi.UnmarshalU64(reply.Payload, &p))
	require.Less(t, int64(p.Value), int64(0), "ack value should be a negative errno")
}

func TestSetMemTableIdempotentRemap(t *testing.T) {
	h := newTestHandler(1)
	size := uint64(os.Getpagesize())

	fd1, err := unix.MemfdCreate("test1", 0)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd1, int64(size)))
	region := uapi.MemoryRegionMsg{GuestAddr: 0x1000, Size: size, UserAddr: 0x7f1000, MmapOffset: 0}
	payload := append([]byte{1, 0, 0, 0, 0, 0, 0, 0}, uapi.MarshalMemoryRegion(&region)...)
	msg := &Message{Header: uapi.Header{Request: uapi.ReqSetMemTable}, Payload: payload, Fds: []int{fd1}}

	_, err = h.Dispatch(msg)
	require.NoError(t, err, "first SET_MEM_TABLE")
	require.Equal(t, 1, h.MM.NumRegions())

	fd2, err := unix.MemfdCreate("test2", 0)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd2, int64(size)))
	msg2 := &Message{Header: uapi.Header{Request: uapi.ReqSetMemTable}, Payload: payload, Fds: []int{fd2}}
	_, err = h.Dispatch(msg2)
	require.NoError(t, err, "idempotent SET_MEM_TABLE")
	require.Equal(t, 1, h.MM.NumRegions(), "NumRegions after idempotent remap")
}

func TestSetVringEnableRequiresValidIndex(t *testing.T) {
	h := newTestHandler(1)
	payload := uapi.MarshalVringState(&uapi.VringStateMsg{Index: 5, Num: 1})
	msg := &Message{Header: uapi.Header{Request: uapi.ReqSetVringEnable}, Payload: payload}
	_, err := h.Dispatch(msg)
	require.Error(t, err, "expected error for out-of-range vring index")
}

func TestGetVringBaseImplicitDisable(t *testing.T) {
	h := newTestHandler(1)
	h.Vrings[0].SetDeviceType(h.Device)
	require.NoError(t, h.Vrings[0].SetEnabled(true))

	payload := uapi.MarshalVringState(&uapi.VringStateMsg{Index: 0})
	msg := &Message{Header: uapi.Header{Request: uapi.ReqGetVringBase}, Payload: payload}
	reply, err := h.Dispatch(msg)
	require.NoError(t, err)
	require.NotNil(t, reply, "GET_VRING_BASE should always reply")
	require.False(t, h.Vrings[0].Enabled(), "GET_VRING_BASE should implicitly disable the vring")
}

func TestGetConfigReturnsDeviceBytes(t *testing.T) {
	h := newTestHandler(1)
	payload := make([]byte, 12)
	putLeUint32(payload[0:4], 0)
	putLeUint32(payload[4:8], 5)
	msg := &Message{Header: uapi.Header{Request: uapi.ReqGetConfig}, Payload: payload}

	reply, err := h.Dispatch(msg)
	require.NoError(t, err)
	require.Equal(t, "hello", string(reply.Payload[12:17]))
}
