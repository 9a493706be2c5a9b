// Package wireframe defines the JSON-RPC 2.0 envelope the bridge routes.
//
// A Frame is deliberately untyped beyond jsonrpc/id/method/result/error: the bridge
// never parses, validates or transforms payloads beyond what routing requires
// (inspecting id, method and error), so Params and Result are kept as raw JSON.
package wireframe

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind classifies a Frame by the JSON-RPC 2.0 shape it carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Frame is a single JSON-RPC 2.0 message: request, response or notification.
// ID is kept as raw JSON so that a caller-supplied string or number id is
// reproduced byte-for-byte in any frame the bridge forwards.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Parse decodes a single line of input into a Frame.
func Parse(line []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(line, f); err != nil {
		return nil, err
	}
	if f.JSONRPC == "" {
		f.JSONRPC = "2.0"
	}
	return f, nil
}

// Encode serializes the frame as compact JSON without a trailing newline.
func (f *Frame) Encode() ([]byte, error) {
	if f.JSONRPC == "" {
		f.JSONRPC = "2.0"
	}
	return json.Marshal(f)
}

// HasID reports whether the frame carries a JSON-RPC id (nil and JSON null both count
// as absent, since a bare "id" key with a null value is not a valid request id).
func (f *Frame) HasID() bool {
	return len(f.ID) > 0 && !bytes.Equal(f.ID, []byte("null"))
}

// Kind classifies the frame's shape: a request has id+method, a response has id and
// either result or error, a notification has method and no id.
func (f *Frame) Kind() Kind {
	switch {
	case f.HasID() && f.Method != "":
		return KindRequest
	case f.HasID() && (f.Result != nil || f.Error != nil):
		return KindResponse
	case !f.HasID() && f.Method != "":
		return KindNotification
	default:
		return KindUnknown
	}
}

// IsInitialize reports whether this is the canonical initialize handshake request.
func (f *Frame) IsInitialize() bool {
	return f.Method == "initialize" && f.HasID() && IDKey(f.ID) == "0"
}

// IDKey returns a canonical string form of a raw JSON-RPC id suitable for equality
// comparisons and map keys. A quoted string id and a bare numeric id with the same
// textual value compare equal, since callers may round-trip an id through either form.
func IDKey(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// NewSyntheticID builds a raw JSON string id of the form "error-<unixMs>", used when
// no request id could be tracked for an emitted error frame.
func NewSyntheticID(unixMs int64) json.RawMessage {
	raw, _ := json.Marshal(fmt.Sprintf("error-%d", unixMs))
	return raw
}

// NumericID returns a raw JSON id encoding the given integer, used for the id=0
// canonical handshake frame.
func NumericID(n int) json.RawMessage {
	raw, _ := json.Marshal(n)
	return raw
}
