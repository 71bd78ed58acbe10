package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finbase/tradefeed/pkg/models"
)

// frameKind discriminates the inbound frame types the venue sends. The
// subscription handshake consumes control frames until live data begins
// instead of discarding a fixed number of frames.
type frameKind int

const (
	frameHeartbeat frameKind = iota
	frameAck
	frameControl
	frameData
)

func (k frameKind) String() string {
	switch k {
	case frameHeartbeat:
		return "heartbeat"
	case frameAck:
		return "ack"
	case frameControl:
		return "control"
	case frameData:
		return "data"
	default:
		return "unknown"
	}
}

// heartbeatMarker distinguishes keep-alive frames. The venue tags them with
// this literal channel name, so they are recognized before any JSON parsing.
var heartbeatMarker = []byte("heartbeat")

// subscribeRequest is the outbound subscription message. Snapshot replay is
// disabled: only live events, no historical backfill.
type subscribeRequest struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Snapshot bool     `json:"snapshot"`
}

func newSubscribeRequest(instrument string) subscribeRequest {
	return subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{
			Channel:  "trade",
			Symbol:   []string{instrument},
			Snapshot: false,
		},
	}
}

// envelope is the common shape of inbound frames. Fields are sparse; which
// ones are set depends on the frame kind.
type envelope struct {
	Method  string         `json:"method,omitempty"`
	Channel string         `json:"channel,omitempty"`
	Success *bool          `json:"success,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    []tradeElement `json:"data,omitempty"`
}

// tradeElement is one trade-update entry in a data frame. Pointer fields so
// absent and zero values are distinguishable.
type tradeElement struct {
	Symbol    *string  `json:"symbol"`
	Price     *float64 `json:"price"`
	Qty       *float64 `json:"qty"`
	Timestamp *string  `json:"timestamp"`
}

// classifyFrame decides what kind of frame arrived. It returns a
// ProtocolViolation when the frame is not valid structured data.
func classifyFrame(raw []byte) (frameKind, *envelope, error) {
	if bytes.Contains(raw, heartbeatMarker) {
		return frameHeartbeat, nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return frameControl, nil, &ProtocolViolation{Reason: "frame is not valid JSON", Err: err}
	}

	switch {
	case env.Method == "subscribe":
		return frameAck, &env, nil
	case env.Channel == "trade":
		return frameData, &env, nil
	case env.Channel != "" || env.Method != "":
		// Status and other venue control frames, which may carry their own
		// data lists.
		return frameControl, &env, nil
	case len(env.Data) > 0:
		// Channel-less data frame.
		return frameData, &env, nil
	default:
		return frameControl, &env, &ProtocolViolation{Reason: "frame has no recognizable shape"}
	}
}

// decodeTrades converts the data elements of a frame into canonical trade
// records, preserving element order. A missing required field fails the whole
// frame; no partial batch is returned.
func decodeTrades(env *envelope) ([]models.Trade, error) {
	if len(env.Data) == 0 {
		return nil, &ProtocolViolation{Reason: "data frame has no trade elements"}
	}

	trades := make([]models.Trade, 0, len(env.Data))
	for i, el := range env.Data {
		if el.Symbol == nil || el.Price == nil || el.Qty == nil || el.Timestamp == nil {
			return nil, &ProtocolViolation{
				Reason: fmt.Sprintf("trade element %d is missing a required field", i),
			}
		}
		ms, err := toEpochMillis(*el.Timestamp)
		if err != nil {
			return nil, &ProtocolViolation{
				Reason: fmt.Sprintf("trade element %d has unparseable timestamp %q", i, *el.Timestamp),
				Err:    err,
			}
		}
		trade := models.Trade{
			InstrumentID: *el.Symbol,
			Price:        *el.Price,
			Quantity:     *el.Qty,
			TimestampMs:  ms,
		}
		if err := trade.Validate(); err != nil {
			return nil, &ProtocolViolation{
				Reason: fmt.Sprintf("trade element %d failed validation", i),
				Err:    err,
			}
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// timestampLayout parses the naive date-time portion of the venue's ISO-8601
// timestamps, with any fractional-second precision.
const timestampLayout = "2006-01-02T15:04:05.999999999"

// toEpochMillis converts the venue's ISO-8601 UTC timestamp to milliseconds
// since the Unix epoch, truncating sub-millisecond precision. The trailing
// UTC designator is stripped and the naive remainder is parsed in UTC, which
// must match the upstream wire format exactly.
func toEpochMillis(ts string) (int64, error) {
	naive := strings.TrimSuffix(ts, "Z")
	t, err := time.ParseInLocation(timestampLayout, naive, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
