// Package frame implements the wire codec for the gateway's JSON-RPC plus
// server-push protocol: classifying an incoming text frame into a Request,
// Response, event Push, or opaque notice, and normalizing the loosely typed
// seq/ts fields. Grounded on the teamclaw gateway client's gatewayFrame
// struct, generalized from its single-letter type tag to the field-presence
// classification this protocol actually uses (no "type" discriminator on
// the wire).
package frame

import (
	"encoding/json"
	"fmt"

	"osaurus/internal/gwerrors"
)

// Kind discriminates the four wire envelope cases.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "opaque"
	}
}

// RPCError is the {code, message} shape carried by an error Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EventMeta is the optional {schemaVersion, channel, runId} envelope
// accompanying a push event.
type EventMeta struct {
	SchemaVersion int    `json:"schemaVersion,omitempty"`
	Channel       string `json:"channel,omitempty"`
	RunID         string `json:"runId,omitempty"`
}

// Frame is the decoded, classified form of one incoming text message.
// Unknown fields on the wire are preserved in Raw for forward compatibility
// even though this codec does not interpret them.
type Frame struct {
	Kind Kind

	// Request / Response correlation.
	ID     string
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError

	// Push / event.
	Event     string
	Seq       *int64
	TS        *int64 // normalized to epoch milliseconds
	Payload   json.RawMessage
	EventMeta *EventMeta

	// Raw holds the original bytes, unconditionally, so a caller needing a
	// field this codec doesn't model can still recover it.
	Raw json.RawMessage
}

// wireFrame mirrors every field this codec understands, in whatever shape
// the server sent. seq/ts are decoded via flexNumber since the server may
// send either an integer or a numeric string.
type wireFrame struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *RPCError       `json:"error"`
	Event     string          `json:"event"`
	Seq       *flexNumber     `json:"seq"`
	TS        *flexNumber     `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	EventMeta *EventMeta      `json:"eventmeta"`
}

// Decode parses one text frame and classifies it. A JSON syntax error
// produces *gwerrors.MalformedFrame; an unrecognized-but-valid-JSON shape
// never errors — it classifies as KindOpaque.
func Decode(data []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &gwerrors.MalformedFrame{Raw: string(data), Err: err}
	}

	f := &Frame{
		ID:        w.ID,
		Method:    w.Method,
		Params:    w.Params,
		Result:    w.Result,
		Error:     w.Error,
		Event:     w.Event,
		Payload:   w.Payload,
		EventMeta: w.EventMeta,
		Raw:       json.RawMessage(data),
	}
	if w.Seq != nil {
		v := w.Seq.value
		f.Seq = &v
	}
	if w.TS != nil {
		v := normalizeToMillis(w.TS.value)
		f.TS = &v
	}

	switch {
	case w.ID != "" && (w.Result != nil || w.Error != nil):
		f.Kind = KindResponse
	case w.ID != "" && w.Method != "":
		f.Kind = KindRequest
	case w.Event != "" || (w.EventMeta != nil && w.EventMeta.Channel != ""):
		f.Kind = KindEvent
	default:
		f.Kind = KindOpaque
	}
	return f, nil
}

// Channel reports the event frame's logical channel ("chat" or "agent"),
// reclassifying from EventMeta when the bare Event name doesn't say.
func (f *Frame) Channel() string {
	if f.EventMeta != nil && f.EventMeta.Channel != "" {
		return f.EventMeta.Channel
	}
	if f.Event == "agent.event" {
		return "agent"
	}
	return "chat"
}

// EncodeRequest renders a Request envelope ready to send over the wire.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("frame: marshal params: %w", err)
		}
		raw = b
	}
	return json.Marshal(struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{ID: id, Method: method, Params: raw})
}

// flexNumber accepts either a JSON number or a numeric string.
type flexNumber struct {
	value int64
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	var asInt int64
	if err := json.Unmarshal(data, &asInt); err == nil {
		n.value = asInt
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("frame: seq/ts neither number nor string: %w", err)
	}
	var parsed int64
	if _, err := fmt.Sscanf(asString, "%d", &parsed); err != nil {
		return fmt.Errorf("frame: non-numeric seq/ts string %q: %w", asString, err)
	}
	n.value = parsed
	return nil
}

// secondsThreshold distinguishes a second-granularity epoch value from a
// millisecond-granularity one: any value below this is assumed to be
// seconds (a ms timestamp this small would date from before September 2001).
const secondsThreshold = 1_000_000_000_000

func normalizeToMillis(v int64) int64 {
	if v > 0 && v < secondsThreshold {
		return v * 1000
	}
	return v
}
