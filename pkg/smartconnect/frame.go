package smartconnect

import (
	"encoding/binary"
	"encoding/json"
	"time"
)

// Subscription modes
const (
	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
	ModeDepth     = 4
)

// Exchange types
const (
	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

var exchangeTypes = map[string]int{
	"NSE": NSE_CM,
	"NFO": NSE_FO,
	"BSE": BSE_CM,
	"BFO": BSE_FO,
	"MCX": MCX_FO,
	"NCX": NCX_FO,
	"CDS": CDE_FO,
}

// ExchangeType maps an exchange name to its stream code, 0 if unknown.
func ExchangeType(exchange string) int { return exchangeTypes[exchange] }

// ExchangeName maps a stream code back to its exchange name.
func ExchangeName(code int) string {
	for name, c := range exchangeTypes {
		if c == code {
			return name
		}
	}
	return ""
}

// Frame kinds on inbound text frames.
const (
	KindResponse  = "response"
	KindOrderFill = "order_fill"
	KindControl   = "control"
)

// ActionSubscribe is the outbound action for tick subscriptions.
const ActionSubscribe = "subscribe"

// TokenListEntry represents exchangeType + tokens for subscribe.
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// Outbound is a request frame written to the stream.
type Outbound struct {
	CorrelationID string         `json:"correlationID"`
	Slot          string         `json:"slot,omitempty"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	Continuation  bool           `json:"continuation,omitempty"`
	Cursor        string         `json:"cursor,omitempty"`
}

// FrameError is the structured failure on a response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound is a text frame pushed by the broker.
type Inbound struct {
	CorrelationID string            `json:"correlationID,omitempty"`
	Slot          string            `json:"slot,omitempty"`
	Kind          string            `json:"kind"`
	Records       []json.RawMessage `json:"records,omitempty"`
	HasMore       bool              `json:"hasMore,omitempty"`
	Cursor        string            `json:"cursor,omitempty"`
	Error         *FrameError       `json:"error,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// Tick is one decoded LTP packet.
type Tick struct {
	Mode         int
	ExchangeType int
	Token        string
	Sequence     int64
	ExchangeTS   time.Time
	LTP          int64 // paise
}

// ltpPacketLen is the LTP-mode packet: mode, exchange type, 25-byte token,
// sequence, exchange timestamp (ms), last traded price.
const ltpPacketLen = 51

// ParseTick decodes the LTP prefix shared by every binary packet mode.
func ParseTick(b []byte) (Tick, error) {
	if len(b) < ltpPacketLen {
		return Tick{}, ErrShortTickData
	}
	return Tick{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        parseTokenValue(b[2:27]),
		Sequence:     int64(binary.LittleEndian.Uint64(b[27:35])),
		ExchangeTS:   time.UnixMilli(int64(binary.LittleEndian.Uint64(b[35:43]))).UTC(),
		LTP:          int64(binary.LittleEndian.Uint64(b[43:51])),
	}, nil
}

// EncodeTick is the inverse of ParseTick for LTP mode.
func EncodeTick(t Tick) []byte {
	b := make([]byte, ltpPacketLen)
	b[0] = byte(ModeLTP)
	b[1] = byte(t.ExchangeType)
	copy(b[2:27], t.Token)
	binary.LittleEndian.PutUint64(b[27:35], uint64(t.Sequence))
	binary.LittleEndian.PutUint64(b[35:43], uint64(t.ExchangeTS.UnixMilli()))
	binary.LittleEndian.PutUint64(b[43:51], uint64(t.LTP))
	return b
}

func parseTokenValue(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
