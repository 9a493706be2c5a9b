// Package session holds the bridge's immutable Config and the mutable Session tuple
// (working id, original id, current POST endpoint), plus the URL rewriting needed to
// carry a session id on the SSE subscription URL.
package session

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config is immutable once the bridge starts.
type Config struct {
	URL                string
	BaseReconnectDelay time.Duration
	ReconnectDelayCap  time.Duration
	MaxAttempts        int
	RecoveryInterval   time.Duration
	Debug              bool
}

// Tunable defaults for the reconnect backoff and recovery schedule.
const (
	DefaultBaseReconnectDelay = 1000 * time.Millisecond
	DefaultReconnectDelayCap  = 10000 * time.Millisecond
	DefaultMaxAttempts        = 5
	DefaultRecoveryInterval   = 30000 * time.Millisecond
)

// NewConfig builds a Config from the given URL with the default reconnect schedule.
// Debug logging to stderr is always on.
func NewConfig(rawURL string) Config {
	return Config{
		URL:                rawURL,
		BaseReconnectDelay: DefaultBaseReconnectDelay,
		ReconnectDelayCap:  DefaultReconnectDelayCap,
		MaxAttempts:        DefaultMaxAttempts,
		RecoveryInterval:   DefaultRecoveryInterval,
		Debug:              true,
	}
}

// New128BitID formats a random 128-bit value as a canonical UUID string.
func New128BitID() string {
	return uuid.NewString()
}

// Session is the (sessionId, originalSessionId, endpointUrl) tuple the supervisor
// mutates across a connection's lifetime.
type Session struct {
	ID          string
	OriginalID  string
	EndpointURL string
	frozen      bool
}

// New creates a Session with a freshly generated id; OriginalID starts equal to it and
// is fixed at the first successful handshake via Freeze.
func New() *Session {
	id := New128BitID()
	return &Session{ID: id, OriginalID: id}
}

// Freeze captures OriginalID once, at the first successful handshake, and is a no-op
// thereafter. Once frozen, OriginalID never changes for the lifetime of the process.
func (s *Session) Freeze() {
	if !s.frozen {
		s.OriginalID = s.ID
		s.frozen = true
	}
}

// Rotate generates a fresh session id, leaving OriginalID untouched.
func (s *Session) Rotate() {
	s.ID = New128BitID()
}

// UseOriginal resets the working session id back to the original, for the first two
// reconnect attempts after a drop.
func (s *Session) UseOriginal() {
	s.ID = s.OriginalID
}

// ClearEndpoint drops the known POST endpoint, done on leaving READY.
func (s *Session) ClearEndpoint() {
	s.EndpointURL = ""
}

// WithSessionQuery appends or replaces the session_id query parameter on rawURL.
func WithSessionQuery(rawURL, sessionID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CleanURL strips a single layer of surrounding single or double quotes from rawURL,
// tolerating shells that pass the CLI argument still quoted.
func CleanURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if len(trimmed) >= 2 {
		first, last := trimmed[0], trimmed[len(trimmed)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return trimmed[1 : len(trimmed)-1]
		}
	}
	return trimmed
}

// ResolveEndpoint resolves an endpoint URL that may be absolute or relative to base,
// as delivered in the SSE `endpoint` event data.
func ResolveEndpoint(base, endpoint string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	epURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	return baseURL.ResolveReference(epURL).String(), nil
}
