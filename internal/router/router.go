// Package router implements the Frame Router: the component that decides, for every
// frame moving in either direction, whether it goes to stdout, to the queue, to the
// live POST sender, or nowhere at all.
package router

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/viant/mcpgate/internal/classify"
	"github.com/viant/mcpgate/internal/frameio"
	"github.com/viant/mcpgate/internal/supervisor"
	"github.com/viant/mcpgate/internal/wireframe"
)

// Router wires together the frame envelope, the supervisor and stdout emission.
type Router struct {
	sup   *supervisor.Supervisor
	out   *frameio.Writer
	debug *frameio.Debug
}

// New constructs a Router and installs r.HandleServerMessage as sup's message
// handler, so it must be called before sup.Start.
func New(sup *supervisor.Supervisor, out *frameio.Writer, debug *frameio.Debug) *Router {
	r := &Router{sup: sup, out: out, debug: debug}
	sup.SetMessageHandler(r.HandleServerMessage)
	return r
}

// HandleServerMessage processes one raw SSE "message" event payload: a JSON-RPC frame
// coming from the remote server.
func (r *Router) HandleServerMessage(data string) {
	frame, err := wireframe.Parse([]byte(data))
	if err != nil {
		// Malformed SSE payloads are a server-side wire fault, not a client protocol
		// error, so they are logged and dropped rather than surfaced on stdout.
		r.debug.Printf("dropping malformed sse message: %v", err)
		return
	}

	if frame.Error != nil {
		r.handleServerErrorResponse(frame)
		return
	}

	if err := r.out.Emit(frame); err != nil {
		r.debug.Printf("emit server frame: %v", err)
	}
	r.sup.NotifyServerFrameReceived()
}

// handleServerErrorResponse forwards an error response verbatim plus its
// notifications/cancelled derivative, and additionally instructs the supervisor to
// leave READY when the message matches the SessionLost taxonomy.
func (r *Router) handleServerErrorResponse(frame *wireframe.Frame) {
	if err := r.out.Emit(frame); err != nil {
		r.debug.Printf("emit server error frame: %v", err)
	}
	derivative := cancelledDerivative(frame.ID, "Error: "+frame.Error.Message)
	if err := r.out.Emit(derivative); err != nil {
		r.debug.Printf("emit cancelled derivative: %v", err)
	}

	kind := classify.ClassifyMessage(frame.Error.Message)
	if kind == classify.SessionLost {
		r.sup.LeaveReady(kind, frame.Error)
	}
}

// HandleClientLine processes one stdin line: a JSON-RPC frame the local process wants
// delivered to the remote server.
func (r *Router) HandleClientLine(line string) {
	r.sup.RearmIfRecovering()

	frame, err := wireframe.Parse([]byte(line))
	if err != nil {
		r.debug.Printf("dropping malformed client line: %v", err)
		r.emitParseError(nil, err)
		return
	}

	switch {
	case frame.HasID() && frame.Method != "":
		r.handleClientRequest(frame)
	case !frame.HasID() && frame.Method != "":
		r.handleClientNotification(frame)
	default:
		r.debug.Printf("dropping unrecognized client frame: %s", line)
	}
}

func (r *Router) handleClientRequest(frame *wireframe.Frame) {
	// A frame may only bypass the queue when nothing older is still waiting to reach
	// upstream; otherwise it would race ahead of frames queued (or being drained)
	// before it and break delivery order.
	if !r.sup.IsReady() || r.sup.HasQueuedWork() {
		r.sup.Enqueue(frame)
		return
	}
	if err := r.sup.Deliver(frame); err != nil {
		// Deliver has already classified and acted on the failure (requeue and
		// reconnect, or a stale not-ready race); a stale race just needs a fallback
		// enqueue so the frame is not lost.
		if err == supervisor.ErrNotReady {
			r.sup.Enqueue(frame)
		}
	}
}

func (r *Router) handleClientNotification(frame *wireframe.Frame) {
	isTimeout := false
	if frame.Method == "notifications/cancelled" {
		reqID, reason := parseCancelledParams(frame.Params)
		if reqID != "" {
			r.sup.RemoveQueued(reqID)
		}
		if strings.Contains(strings.ToLower(reason), "request timed out") {
			r.sup.RecordTimeoutNotification()
			isTimeout = true
		}
	}
	if !isTimeout {
		r.sup.ResetTimeoutStreak()
	}

	if !r.sup.IsReady() {
		return
	}
	if err := r.sup.Deliver(frame); err != nil {
		r.debug.Printf("dropping notification after send failure: %v", err)
	}
}

// emitParseError writes a JSON-RPC Parse error frame using id if non-nil, or a
// synthesized id otherwise.
func (r *Router) emitParseError(id json.RawMessage, cause error) {
	errFrame := &wireframe.Frame{
		JSONRPC: "2.0",
		Error: &wireframe.Error{
			Code:    classify.CodeParseError,
			Message: cause.Error(),
			Data:    json.RawMessage("{}"),
		},
	}
	if len(id) > 0 {
		errFrame.ID = id
	} else {
		errFrame.ID = wireframe.NewSyntheticID(time.Now().UnixMilli())
	}
	if err := r.out.Emit(errFrame); err != nil {
		r.debug.Printf("emit parse error frame: %v", err)
	}
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason"`
}

// cancelledDerivative builds the notifications/cancelled frame the bridge emits
// alongside a forwarded server error response, carrying the original request id
// through verbatim (string or number, whichever the original request used) rather
// than coercing it to a string.
func cancelledDerivative(id json.RawMessage, reason string) *wireframe.Frame {
	params, _ := json.Marshal(cancelledParams{RequestID: id, Reason: reason})
	return &wireframe.Frame{
		JSONRPC: "2.0",
		Method:  "notifications/cancelled",
		Params:  params,
	}
}

// parseCancelledParams extracts requestId and reason from a notifications/cancelled
// params object; both are best-effort and return zero values on malformed input.
func parseCancelledParams(raw json.RawMessage) (requestID, reason string) {
	var p struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ""
	}
	if len(p.RequestID) > 0 {
		requestID = wireframe.IDKey(p.RequestID)
	}
	return requestID, p.Reason
}
