// Package classify implements the bridge's error taxonomy: mapping error strings and
// HTTP statuses to an internal Kind, and each Kind to the JSON-RPC error code emitted
// for it.
package classify

import (
	"errors"
	"strings"

	"github.com/viant/mcpgate/internal/sender"
)

// Kind is one entry of the bridge's error taxonomy.
type Kind string

const (
	SessionLost    Kind = "SessionLost"
	ConnectionLost Kind = "ConnectionLost"
	Timeout        Kind = "Timeout"
	Parse          Kind = "Parse"
	InvalidRequest Kind = "InvalidRequest"
	Transient      Kind = "Transient"
	Internal       Kind = "Internal"
)

// JSON-RPC 2.0 standard error codes, plus two bridge-specific codes (ConnectionClosed,
// RequestTimeout) drawn from the implementation-defined server-error range
// (-32000..-32099).
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInternalError    = -32603
	CodeConnectionClosed = -32000
	CodeRequestTimeout   = -32001
)

var sessionLostSubstrings = []string{
	"could not find session",
	"session expired",
	"invalid session",
	"received request before initialization was complete",
}

var connectionLostSubstrings = []string{
	"connection lost",
	"fetch failed",
	"network error",
	"econnrefused",
	"not connected",
}

var timeoutSubstrings = []string{
	"timed out",
	"timeout",
}

// ClassifyMessage maps a free-text error/reason string to a Kind by substring match.
// It never returns Parse: that is known directly at the call site (a JSON decode
// failure) and classified with ClassifyParse instead.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, s := range sessionLostSubstrings {
		if strings.Contains(lower, s) {
			return SessionLost
		}
	}
	if strings.Contains(lower, "invalid request") {
		return InvalidRequest
	}
	for _, s := range connectionLostSubstrings {
		if strings.Contains(lower, s) {
			return ConnectionLost
		}
	}
	for _, s := range timeoutSubstrings {
		if strings.Contains(lower, s) {
			return Timeout
		}
	}
	return Transient
}

// ClassifySendError maps a POST-send failure to a Kind, giving HTTP 404 (the remote's
// "session not found" signal) precedence over message-substring matching.
//
// It never returns Timeout, unlike ClassifyMessage: Timeout is the taxonomy for
// client-observed notifications/cancelled reasons, escalated only after three
// consecutive occurrences (see internal/supervisor). A single sender failure whose
// transport error happens to read "i/o timeout" is not that signal, and
// TriggersReconnect(Timeout) is false, so classifying it Timeout would silently drop
// the frame instead of requeueing and reconnecting. Any sender failure that doesn't
// match a more specific kind falls back to Transient, which does both.
func ClassifySendError(err error) Kind {
	if err == nil {
		return Internal
	}
	var httpErr *sender.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 404 {
			return SessionLost
		}
		if httpErr.StatusCode >= 500 {
			return ConnectionLost
		}
	}
	lower := strings.ToLower(err.Error())
	for _, s := range sessionLostSubstrings {
		if strings.Contains(lower, s) {
			return SessionLost
		}
	}
	for _, s := range connectionLostSubstrings {
		if strings.Contains(lower, s) {
			return ConnectionLost
		}
	}
	return Transient
}

// ClassifyParse always yields Parse: used when the inbound decoder itself reports a
// JSON syntax error, which the message-substring table cannot detect reliably.
func ClassifyParse() Kind { return Parse }

// Code returns the JSON-RPC error code emitted for a Kind.
func Code(k Kind) int {
	switch k {
	case SessionLost:
		return CodeMethodNotFound
	case Timeout:
		return CodeRequestTimeout
	case ConnectionLost:
		return CodeConnectionClosed
	case Parse:
		return CodeParseError
	case InvalidRequest:
		return CodeInvalidRequest
	default:
		return CodeInternalError
	}
}

// TriggersReconnect reports whether a Kind causes the supervisor to leave READY and
// begin a reconnect cycle. Timeout only triggers after the supervisor has separately
// counted three consecutive occurrences; that escalation lives in internal/supervisor,
// not here.
func TriggersReconnect(k Kind) bool {
	switch k {
	case SessionLost, ConnectionLost, Transient:
		return true
	default:
		return false
	}
}
