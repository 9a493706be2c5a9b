// Package queue implements the ordered FIFO of pending client->server frames held
// while the bridge is not ready to send, including handshake promotion and id-based
// cancellation.
package queue

import (
	"encoding/json"
	"sync"

	"github.com/viant/mcpgate/internal/wireframe"
)

// CanonicalInitialize returns the standard MCP initialize handshake frame with id=0,
// byte-equivalent to what a local client would send.
func CanonicalInitialize() *wireframe.Frame {
	params := json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"claude-ai","version":"0.1.0"}}`)
	return &wireframe.Frame{
		JSONRPC: "2.0",
		ID:      wireframe.NumericID(0),
		Method:  "initialize",
		Params:  params,
	}
}

// Queue is an ordered sequence of frames pending transmission. All operations are
// O(n), acceptable since a bridge's pending queue is always small in practice.
type Queue struct {
	mu     sync.Mutex
	frames []*wireframe.Frame
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push appends a frame to the back of the queue, preserving arrival order.
// Notifications without an id are never queued; callers are responsible for
// filtering those before calling Push (see internal/router).
func (q *Queue) Push(f *wireframe.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, f)
}

// PushFront inserts a frame at the head of the queue, used to requeue a frame whose
// send failed ahead of everything else so it is retried first after reconnecting.
func (q *Queue) PushFront(f *wireframe.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append([]*wireframe.Frame{f}, q.frames...)
}

// Len reports the number of pending frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// DrainWhile pops frames from the front of the queue, one at a time, and passes each to
// action as long as predicate keeps returning true. A frame is removed before it is
// handed to action, so it is never present in the queue while action is running;
// requeueing a frame whose delivery failed is entirely the caller's responsibility
// (see internal/supervisor.sendAndHandle's PushFront), not DrainWhile's. Draining stops
// at the first error action returns.
//
// predicate is called without q's lock held, since callers commonly implement it as a
// check against another component's own lock (e.g. a supervisor's readiness), and
// holding two locks across that call risks a lock-order inversion with code that
// acquires them the other way round.
func (q *Queue) DrainWhile(predicate func() bool, action func(*wireframe.Frame) error) error {
	for {
		if !predicate() {
			return nil
		}
		q.mu.Lock()
		if len(q.frames) == 0 {
			q.mu.Unlock()
			return nil
		}
		next := q.frames[0]
		q.frames = q.frames[1:]
		q.mu.Unlock()

		if err := action(next); err != nil {
			return err
		}
	}
}

// RemoveByID removes any queued frame whose id equals key (compared via
// wireframe.IDKey), used for notifications/cancelled-driven cancellation. Reports
// whether a frame was removed.
func (q *Queue) RemoveByID(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, f := range q.frames {
		if f.HasID() && wireframe.IDKey(f.ID) == key {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			return true
		}
	}
	return false
}

// PromoteInitialize locates any queued initialize/id=0 frame and moves it to index 0
// so a reconnect always replays the handshake first; if none is queued, it inserts the
// canonical handshake there.
func (q *Queue) PromoteInitialize() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, f := range q.frames {
		if f.IsInitialize() {
			if i != 0 {
				q.frames = append(q.frames[:i], q.frames[i+1:]...)
				q.frames = append([]*wireframe.Frame{f}, q.frames...)
			}
			return
		}
	}
	q.frames = append([]*wireframe.Frame{CanonicalInitialize()}, q.frames...)
}

// Snapshot returns a shallow copy of the pending frames, for diagnostics and tests.
func (q *Queue) Snapshot() []*wireframe.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*wireframe.Frame, len(q.frames))
	copy(out, q.frames)
	return out
}
