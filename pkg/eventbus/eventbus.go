// Package eventbus implements the realtime transport shared by the drift
// chat servers, clients and the name server: a websocket connection carrying
// named events with JSON payloads, per-session delivery order and optional
// acknowledgements.
//
// A connection opens with an auth payload (the "hello" frame). The server
// answers "welcome" with the assigned session id, or "refused" with a reason.
// After the handshake both sides exchange "event" frames; an event carrying a
// non-zero id expects an "ack" frame with the same id in return.
package eventbus

import (
	"encoding/json"
	"fmt"
)

// Payload is the JSON object form most events carry. Scalar payloads
// (a bare uuid or bool) travel as raw JSON values instead.
type Payload map[string]any

// String returns the string value under key, or "" when absent or not a
// string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool returns the bool value under key, false when absent.
func (p Payload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Has reports whether key is present at all.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Uint64 returns the numeric value under key. JSON numbers decode as
// float64, so both float64 and int forms are accepted.
func (p Payload) Uint64(key string) (uint64, bool) {
	switch v := p[key].(type) {
	case float64:
		return uint64(v), true
	case int:
		return uint64(v), true
	case uint64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// Int returns the numeric value under key as an int.
func (p Payload) Int(key string) (int, bool) {
	n, ok := p.Uint64(key)
	return int(n), ok
}

// Frame types on the wire.
const (
	frameHello   = "hello"
	frameWelcome = "welcome"
	frameRefused = "refused"
	frameEvent   = "event"
	frameAck     = "ack"
)

// frame is the single wire unit. Data is left raw until the frame type is
// known; events decode it to any, acks to a Payload.
type frame struct {
	Type  string          `json:"t"`
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(typ string, id uint64, event string, data any) ([]byte, error) {
	f := frame{Type: typ, ID: id, Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s frame: %w", typ, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// decodeData turns a frame's raw data into the loosest Go form. nil data
// decodes to nil.
func decodeData(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodePayload decodes raw data into a Payload. Scalar data is wrapped
// under the "value" key so callers always get a map.
func decodePayload(raw json.RawMessage) (Payload, error) {
	v, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	return AsPayload(v), nil
}

// AsPayload normalizes decoded JSON to a Payload. Maps convert directly;
// anything else (including nil) is wrapped under the "value" key.
func AsPayload(v any) Payload {
	switch m := v.(type) {
	case nil:
		return Payload{}
	case map[string]any:
		return Payload(m)
	case Payload:
		return m
	default:
		return Payload{"value": v}
	}
}
