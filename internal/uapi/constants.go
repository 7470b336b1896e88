package uapi

// Request message ids (VHOST_USER_*), little-endian on the wire.
const (
	ReqNone                 = 0
	ReqGetFeatures          = 1
	ReqSetFeatures          = 2
	ReqSetOwner             = 3
	ReqResetOwner           = 4
	ReqSetMemTable          = 5
	ReqSetLogBase           = 6
	ReqSetLogFd             = 7
	ReqSetVringNum          = 8
	ReqSetVringAddr         = 9
	ReqSetVringBase         = 10
	ReqGetVringBase         = 11
	ReqSetVringKick         = 12
	ReqSetVringCall         = 13
	ReqSetVringErr          = 14
	ReqGetProtocolFeatures  = 15
	ReqSetProtocolFeatures  = 16
	ReqGetQueueNum          = 17
	ReqSetVringEnable       = 18
	ReqSendRarp             = 19
	ReqNetSetMTU            = 20
	ReqSetSlaveReqFd        = 21
	ReqIOTLBMsg             = 22
	ReqSetVringEndian       = 23
	ReqGetConfig            = 24
	ReqSetConfig            = 25
	ReqCreateCryptoSession  = 26
	ReqCloseCryptoSession   = 27
	ReqPostcopyAdvise       = 28
	ReqPostcopyListen       = 29
	ReqPostcopyEnd          = 30
	ReqGetInflightFd        = 31
	ReqSetInflightFd        = 32
)

// requestNames gives a human-readable name for logging; unknown
// requests are named "UNKNOWN".
var requestNames = map[uint32]string{
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetLogBase:          "SET_LOG_BASE",
	ReqSetLogFd:            "SET_LOG_FD",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqSendRarp:            "SEND_RARP",
	ReqNetSetMTU:           "NET_SET_MTU",
	ReqSetSlaveReqFd:       "SET_SLAVE_REQ_FD",
	ReqIOTLBMsg:            "IOTLB_MSG",
	ReqSetVringEndian:      "SET_VRING_ENDIAN",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
	ReqCreateCryptoSession:  "CREATE_CRYPTO_SESSION",
	ReqCloseCryptoSession:   "CLOSE_CRYPTO_SESSION",
	ReqPostcopyAdvise:       "POSTCOPY_ADVISE",
	ReqPostcopyListen:       "POSTCOPY_LISTEN",
	ReqPostcopyEnd:          "POSTCOPY_END",
	ReqGetInflightFd:        "GET_INFLIGHT_FD",
	ReqSetInflightFd:        "SET_INFLIGHT_FD",
}

// RequestName returns a human-readable name for req, for logging.
func RequestName(req uint32) string {
	if name, ok := requestNames[req]; ok {
		return name
	}
	return "UNKNOWN"
}

// Protocol feature bits (VHOST_USER_PROTOCOL_F_*).
const (
	ProtocolFMqu           uint64 = 1 << 0
	ProtocolFLog           uint64 = 1 << 1
	ProtocolFReplyAck      uint64 = 1 << 3
	ProtocolFSlaveReq      uint64 = 1 << 5
	ProtocolFConfig        uint64 = 1 << 9
	ProtocolFInflightShmfd uint64 = 1 << 12
)

// DefaultProtocolFeatures is the set of protocol features this backend
// supports regardless of device type.
const DefaultProtocolFeatures = ProtocolFMqu | ProtocolFLog | ProtocolFReplyAck | ProtocolFConfig

// Vring feature bit shared across all device types.
const FVersion1 uint64 = 1 << 32

// FProtocolFeatures is VHOST_USER_F_PROTOCOL_FEATURES (bit 30): when
// set in the negotiated feature set, the frontend is expected to follow
// up with GET/SET_PROTOCOL_FEATURES before the connection leaves legacy
// mode.
const FProtocolFeatures uint64 = 1 << 30
