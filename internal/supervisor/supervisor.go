// Package supervisor implements the connection/session state machine at the core of
// the bridge: reconnect scheduling, session-id rotation policy, handshake priming, and
// exposing readiness to the frame router.
//
// Every SSE, sender and stdin signal becomes a call into one of the transition methods
// below, each guarded by the same mutex, so exactly one transition runs at a time and
// at most one reconnection attempt is ever in flight.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viant/mcpgate/internal/classify"
	"github.com/viant/mcpgate/internal/eventsource"
	"github.com/viant/mcpgate/internal/frameio"
	"github.com/viant/mcpgate/internal/queue"
	"github.com/viant/mcpgate/internal/sender"
	"github.com/viant/mcpgate/internal/session"
	"github.com/viant/mcpgate/internal/wireframe"
)

// State is one of the six states the bridge's connection lifecycle moves through.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateBackoff
	StateRecovery
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateBackoff:
		return "BACKOFF"
	case StateRecovery:
		return "RECOVERY"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// ShutdownGrace bounds how long the best-effort shutdown notification is given to
// reach the server before the bridge tears the connection down anyway.
const ShutdownGrace = 500 * time.Millisecond

// ErrNotReady is returned by Deliver when the supervisor is not in StateReady; callers
// should fall back to queueing the frame.
var ErrNotReady = errors.New("supervisor: not ready")

// timeoutEscalationThreshold is the number of consecutive request-timeout
// notifications that escalate to a full reconnect.
const timeoutEscalationThreshold = 3

// Snapshot is a read-only view of supervisor state for diagnostics and tests. It
// carries no protocol meaning and is never written to stdout.
type Snapshot struct {
	State               State
	ReconnectAttempts   int
	ConsecutiveTimeouts int
	SessionID           string
	OriginalSessionID   string
	EndpointURL         string
}

// Supervisor is the connection/session state machine driving the bridge.
type Supervisor struct {
	cfg        session.Config
	sess       *session.Session
	queue      *queue.Queue
	out        *frameio.Writer
	debug      *frameio.Debug
	httpClient *http.Client

	mu                     sync.Mutex
	state                  State
	draining               bool
	reconnectAttempts      int
	consecutiveTimeouts    int
	lastReconnectAttemptAt time.Time
	reconnectTimer         *time.Timer

	baseCtx     context.Context
	connCtx     context.Context
	connCancel  context.CancelFunc
	currentSSE  *eventsource.Client
	currentSend *sender.Sender
	cycleID     string
	onMessage   func(data string)
}

// New constructs a Supervisor in StateInit.
func New(cfg session.Config, sess *session.Session, q *queue.Queue, out *frameio.Writer, debug *frameio.Debug, httpClient *http.Client) *Supervisor {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Supervisor{
		cfg:        cfg,
		sess:       sess,
		queue:      q,
		out:        out,
		debug:      debug,
		httpClient: httpClient,
		state:      StateInit,
	}
}

// Snapshot returns a copy of the current state, for diagnostics and tests.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:               s.state,
		ReconnectAttempts:   s.reconnectAttempts,
		ConsecutiveTimeouts: s.consecutiveTimeouts,
		SessionID:           s.sess.ID,
		OriginalSessionID:   s.sess.OriginalID,
		EndpointURL:         s.sess.EndpointURL,
	}
}

// IsReady reports whether the supervisor is currently in StateReady.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// HasQueuedWork reports whether frames older than "now" are still waiting to reach
// upstream: either sitting in the queue, or already popped by an in-flight drain but
// not yet handed off to the sender. A caller deciding whether a brand-new frame may
// bypass the queue and go straight to Deliver must check this alongside IsReady, or a
// frame written while the post-reconnect drain is still in flight can be POSTed ahead
// of frames that were queued first, breaking delivery order (see DESIGN.md).
func (s *Supervisor) HasQueuedWork() bool {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	return draining || s.queue.Len() > 0
}

// Enqueue pushes a frame to the back of the pending queue.
func (s *Supervisor) Enqueue(f *wireframe.Frame) { s.queue.Push(f) }

// RemoveQueued removes a queued frame by id, used to service client-side cancellation.
func (s *Supervisor) RemoveQueued(idKey string) bool { return s.queue.RemoveByID(idKey) }

// Start begins the state machine: INIT -> CONNECTING.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return
	}
	s.baseCtx = ctx
	s.mu.Unlock()
	s.connectAttempt()
}

// backoffDelay computes min(D0 * 1.5^(attempt-1), cap) for the given 1-based attempt
// number.
func backoffDelay(attempt int, cfg session.Config) time.Duration {
	factor := math.Pow(1.5, float64(attempt-1))
	d := time.Duration(float64(cfg.BaseReconnectDelay) * factor)
	if d > cfg.ReconnectDelayCap {
		d = cfg.ReconnectDelayCap
	}
	return d
}

// connectAttempt begins one CONNECTING attempt: applies the session-id policy for the
// attempt number, opens a fresh SSE subscription, and returns without blocking (the
// subscription is read on its own goroutine).
func (s *Supervisor) connectAttempt() {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	// First two reconnects reuse the original session id; the third and later
	// attempts rotate to a fresh one. Rotating never touches the original id.
	if attempt <= 2 {
		s.sess.UseOriginal()
	} else {
		s.sess.Rotate()
	}
	cycleID := uuid.NewString()[:8]
	s.cycleID = cycleID
	connCtx, cancel := context.WithCancel(s.baseCtx)
	s.connCtx = connCtx
	s.connCancel = cancel
	cfgURL := s.cfg.URL
	sid := s.sess.ID
	s.mu.Unlock()

	dialURL, err := session.WithSessionQuery(cfgURL, sid)
	if err != nil {
		s.debug.Printf("[%s] attempt %d: %v", cycleID, attempt, err)
		s.handleFailedAttempt(fmt.Errorf("build dial url: %w", err))
		return
	}

	sse := eventsource.New(s.httpClient, dialURL, eventsource.Callbacks{
		OnOpen: func() {
			s.debug.Printf("[%s] sse open (attempt %d, session %s)", cycleID, attempt, sid)
		},
		OnEndpoint: func(data string) {
			s.handleEndpoint(connCtx, dialURL, data)
		},
		OnMessage: func(data string) {
			s.handleRawMessage(data)
		},
		OnError: func(err error, closed bool) {
			s.debug.Printf("[%s] sse error: %v", cycleID, err)
			s.handleConnectionDrop(err)
		},
		OnClose: func() {
			s.debug.Printf("[%s] sse closed", cycleID)
			s.handleConnectionDrop(fmt.Errorf("SSE close"))
		},
	})
	snd := sender.New(s.httpClient)

	s.mu.Lock()
	s.currentSSE = sse
	s.currentSend = snd
	s.mu.Unlock()

	go sse.Start(connCtx)
}

// handleEndpoint processes the SSE endpoint event: resolves the URL and transitions
// CONNECTING -> READY.
func (s *Supervisor) handleEndpoint(connCtx context.Context, base, data string) {
	resolved, err := session.ResolveEndpoint(base, data)
	if err != nil {
		s.debug.Printf("bad endpoint url %q: %v", data, err)
		return
	}
	s.mu.Lock()
	if s.state != StateConnecting || s.connCtx != connCtx {
		s.mu.Unlock()
		return
	}
	s.sess.EndpointURL = resolved
	s.mu.Unlock()
	s.transitionToReady(connCtx)
}

// NotifyServerFrameReceived is the fallback readiness path: receipt of any
// well-formed non-error server frame opportunistically transitions CONNECTING ->
// READY for servers that omit the endpoint event. Idempotent with the explicit path.
func (s *Supervisor) NotifyServerFrameReceived() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	connCtx := s.connCtx
	if s.sess.EndpointURL == "" {
		// No endpoint event was ever delivered; fall back to POSTing against the
		// original upstream URL, which is the only address the bridge has.
		s.sess.EndpointURL = s.cfg.URL
	}
	s.mu.Unlock()
	s.transitionToReady(connCtx)
}

// transitionToReady performs the CONNECTING -> READY transition: reset counters,
// freeze the original session id, prime the initialize handshake at the head of the
// queue, and drain the queue in FIFO order. Priming runs on every transition to READY,
// not only reconnects: a first connection whose only queued frames are non-initialize
// requests must still see the handshake sent first (see DESIGN.md).
//
// draining is set to true in the same locked section that flips state to StateReady,
// and only cleared once the drain loop returns. IsReady becomes true to callers the
// instant this function unlocks, on the SSE callback goroutine, while stdin frames are
// delivered on a different goroutine; without draining, a frame written concurrently
// with the drain would see IsReady()==true and go straight out over Deliver, arriving
// ahead of the still-queued frames (and possibly ahead of the primed handshake itself).
// Deliver's own callers must additionally check HasQueuedWork before choosing it over
// Enqueue.
func (s *Supervisor) transitionToReady(connCtx context.Context) {
	s.mu.Lock()
	if s.state != StateConnecting || s.connCtx != connCtx {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.draining = true
	s.reconnectAttempts = 0
	s.consecutiveTimeouts = 0
	s.sess.Freeze()
	snd := s.currentSend
	ep := s.sess.EndpointURL
	cycleID := s.cycleID
	s.mu.Unlock()

	s.queue.PromoteInitialize()

	s.debug.Printf("[%s] ready (session=%s endpoint=%s)", cycleID, s.sess.ID, ep)

	_ = s.queue.DrainWhile(s.IsReady, func(f *wireframe.Frame) error {
		return s.sendAndHandle(connCtx, snd, ep, f)
	})

	s.mu.Lock()
	s.draining = false
	s.mu.Unlock()
}

// Deliver sends f immediately over the current POST channel. Callers must check
// IsReady first; Deliver itself re-checks under lock and returns ErrNotReady if the
// state changed in the meantime, so the caller can fall back to Enqueue.
func (s *Supervisor) Deliver(f *wireframe.Frame) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrNotReady
	}
	connCtx := s.connCtx
	snd := s.currentSend
	ep := s.sess.EndpointURL
	s.mu.Unlock()
	return s.sendAndHandle(connCtx, snd, ep, f)
}

// sendAndHandle sends f and, on failure, classifies the error: Transient,
// SessionLost and ConnectionLost failures requeue the frame (when it carries an id;
// notifications are never queued) and trigger a reconnect.
func (s *Supervisor) sendAndHandle(ctx context.Context, snd *sender.Sender, endpoint string, f *wireframe.Frame) error {
	body, err := f.Encode()
	if err != nil {
		s.debug.Printf("encode outbound frame: %v", err)
		return err
	}
	err = snd.Send(ctx, endpoint, body)
	if err == nil {
		return nil
	}
	kind := classify.ClassifySendError(err)
	s.debug.Printf("send failed (%s): %v", kind, err)

	if classify.TriggersReconnect(kind) {
		if f.HasID() {
			s.queue.PushFront(f)
		}
		s.leaveReady(kind, err, false)
	}
	return err
}

// leaveReady performs READY -> BACKOFF. alreadyDisclosed is true when
// the caller (the frame router, on an inbound SessionLost error response) has already
// forwarded the triggering frame and its notifications/cancelled derivative to stdout;
// in that case the supervisor does not also emit its own synthetic advisory frame, to
// avoid announcing the same drop twice (see DESIGN.md).
func (s *Supervisor) leaveReady(kind classify.Kind, cause error, alreadyDisclosed bool) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateBackoff
	s.sess.ClearEndpoint()
	if s.connCancel != nil {
		s.connCancel()
	}
	if s.currentSSE != nil {
		s.currentSSE.Stop()
	}
	s.queue.PromoteInitialize()
	attemptsSoFar := s.reconnectAttempts
	cycleID := s.cycleID
	s.mu.Unlock()

	s.debug.Printf("[%s] leaving ready (%s): %v", cycleID, kind, cause)
	if !alreadyDisclosed {
		s.emitAdvisory(kind, fmt.Sprintf("%s: %v", kind, cause))
	}
	s.scheduleReconnect(attemptsSoFar)
}

// LeaveReady is the router-facing entry point for an inbound SessionLost error
// response: the router has already forwarded the original frame and its
// notifications/cancelled derivative, so the transition is marked alreadyDisclosed.
func (s *Supervisor) LeaveReady(kind classify.Kind, cause error) {
	s.leaveReady(kind, cause, true)
}

// handleConnectionDrop routes an SSE-level error or close to the appropriate
// transition depending on whether the connection had ever reached READY.
func (s *Supervisor) handleConnectionDrop(cause error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateReady:
		s.leaveReady(classify.ConnectionLost, cause, false)
	case StateConnecting:
		s.handleFailedAttempt(cause)
	default:
		// BACKOFF/RECOVERY/CLOSING: a stale callback from an already-aborted
		// connection; ignore.
	}
}

// handleFailedAttempt processes a failed CONNECTING attempt: CONNECTING -> BACKOFF,
// or CONNECTING -> RECOVERY once reconnectAttempts reaches the configured maximum.
func (s *Supervisor) handleFailedAttempt(cause error) {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	n := s.reconnectAttempts
	if n >= s.cfg.MaxAttempts {
		s.state = StateRecovery
		s.lastReconnectAttemptAt = time.Now()
		cycleID := s.cycleID
		s.mu.Unlock()
		msg := fmt.Sprintf("Failed to reconnect after %d attempts: %v", n, cause)
		s.debug.Printf("[%s] entering recovery: %s", cycleID, msg)
		s.emitAdvisory(classify.ConnectionLost, msg)
		return
	}
	s.state = StateBackoff
	s.mu.Unlock()
	s.scheduleReconnect(n)
}

// scheduleReconnect arms the single pending backoff timer for the next attempt
// (attemptsSoFar+1); the existing timer, if any, is replaced so only one reconnect
// is ever scheduled at a time.
func (s *Supervisor) scheduleReconnect(attemptsSoFar int) {
	next := attemptsSoFar + 1
	delay := backoffDelay(next, s.cfg)

	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.debug.Printf("reconnecting in %s (attempt %d/%d)", delay, next, s.cfg.MaxAttempts)
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state != StateBackoff {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.connectAttempt()
	})
	s.mu.Unlock()
}

// RearmIfRecovering re-arms a connect attempt from RECOVERY on the first inbound
// client frame received after the recovery rate-limit interval has elapsed. It is a
// no-op outside RECOVERY or before the interval has elapsed.
func (s *Supervisor) RearmIfRecovering() {
	s.mu.Lock()
	if s.state != StateRecovery {
		s.mu.Unlock()
		return
	}
	if time.Since(s.lastReconnectAttemptAt) <= s.cfg.RecoveryInterval {
		s.mu.Unlock()
		return
	}
	s.reconnectAttempts = 0
	s.mu.Unlock()
	s.debug.Printf("recovery interval elapsed, re-arming reconnect")
	s.connectAttempt()
}

// RecordTimeoutNotification counts a client-observed request timeout. On the third
// consecutive occurrence it resets the counter and, if READY, triggers a reconnect
// classified as Timeout. Callers must call ResetTimeoutStreak on any intervening
// notification that is not itself a timeout, or the count stops being "consecutive".
func (s *Supervisor) RecordTimeoutNotification() {
	s.mu.Lock()
	s.consecutiveTimeouts++
	n := s.consecutiveTimeouts
	s.mu.Unlock()
	if n < timeoutEscalationThreshold {
		return
	}
	s.mu.Lock()
	s.consecutiveTimeouts = 0
	ready := s.state == StateReady
	s.mu.Unlock()
	if ready {
		s.leaveReady(classify.Timeout, fmt.Errorf("%d consecutive request timeouts", timeoutEscalationThreshold), false)
	}
}

// ResetTimeoutStreak clears the consecutive-timeout counter. Called whenever a client
// notification that is not itself a request-timeout notification is observed, so the
// count reflects an unbroken run rather than a cumulative total since the last READY
// transition.
func (s *Supervisor) ResetTimeoutStreak() {
	s.mu.Lock()
	s.consecutiveTimeouts = 0
	s.mu.Unlock()
}

// handleRawMessage forwards a raw SSE "message" event payload for JSON decoding by the
// caller-supplied router. Supervisor itself does not interpret frame contents beyond
// the SessionLost/ready-fallback signals it is explicitly told about, so this is a
// pass-through hook the router installs via SetMessageHandler.
func (s *Supervisor) handleRawMessage(data string) {
	s.mu.Lock()
	h := s.onMessage
	s.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// SetMessageHandler installs the callback invoked for every raw SSE message payload.
// It must be called once, before Start.
func (s *Supervisor) SetMessageHandler(h func(data string)) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

// emitAdvisory writes a single synthesized JSON-RPC error frame to stdout with a
// synthetic id, since a connection-level advisory is not a reply to any one request.
func (s *Supervisor) emitAdvisory(kind classify.Kind, message string) {
	frame := &wireframe.Frame{
		JSONRPC: "2.0",
		ID:      wireframe.NewSyntheticID(time.Now().UnixMilli()),
		Error: &wireframe.Error{
			Code:    classify.Code(kind),
			Message: message,
			Data:    json.RawMessage("{}"),
		},
	}
	if err := s.out.Emit(frame); err != nil {
		s.debug.Printf("emit advisory frame: %v", err)
	}
}

// Shutdown performs the CLOSING sequence: best-effort shutdown notification, a
// bounded wait, then aborting the current connection. It does not close
// the stdin reader or exit the process; the caller (bridge.Run) exits afterward.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	wasReady := s.state == StateReady
	s.state = StateClosing
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	snd := s.currentSend
	ep := s.sess.EndpointURL
	cancel := s.connCancel
	sse := s.currentSSE
	s.mu.Unlock()

	if wasReady && snd != nil && ep != "" {
		notif := ShutdownNotification()
		body, err := notif.Encode()
		if err == nil {
			gracectx, gcancel := context.WithTimeout(ctx, ShutdownGrace)
			if sendErr := snd.Send(gracectx, ep, body); sendErr != nil {
				s.debug.Printf("shutdown notification failed: %v", sendErr)
			}
			gcancel()
		}
	}
	if sse != nil {
		sse.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// ShutdownNotification builds the best-effort notifications/cancelled frame sent on
// SIGINT/SIGTERM.
func ShutdownNotification() *wireframe.Frame {
	params, _ := shutdownParams(time.Now().UnixMilli())
	return &wireframe.Frame{
		JSONRPC: "2.0",
		Method:  "notifications/cancelled",
		Params:  params,
	}
}

type cancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

func marshalCancelled(requestID, reason string) ([]byte, error) {
	return json.Marshal(cancelledParams{RequestID: requestID, Reason: reason})
}

func shutdownParams(unixMs int64) ([]byte, error) {
	return marshalCancelled(fmt.Sprintf("shutdown-%d", unixMs), "Client shutting down")
}
