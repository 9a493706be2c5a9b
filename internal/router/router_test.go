package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/viant/mcpgate/internal/frameio"
	"github.com/viant/mcpgate/internal/queue"
	"github.com/viant/mcpgate/internal/session"
	"github.com/viant/mcpgate/internal/supervisor"
	"github.com/viant/mcpgate/internal/wireframe"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// harness wires a real Supervisor and Router against an httptest SSE+POST server, so
// routing decisions are exercised against actual state-machine behavior rather than a
// mock.
type harness struct {
	sup *supervisor.Supervisor
	rt  *Router
	out *lockedBuffer
}

func newRouterHarness(t *testing.T, url string) *harness {
	out := &lockedBuffer{}
	writer := frameio.NewWriter(out)
	debug := frameio.NewDebug(&bytes.Buffer{}, false)
	cfg := session.Config{
		URL:                url,
		BaseReconnectDelay: 10 * time.Millisecond,
		ReconnectDelayCap:  40 * time.Millisecond,
		MaxAttempts:        3,
		RecoveryInterval:   80 * time.Millisecond,
	}
	sess := session.New()
	sup := supervisor.New(cfg, sess, queue.New(), writer, debug, &http.Client{})
	rt := New(sup, writer, debug)
	return &harness{sup: sup, rt: rt, out: out}
}

func endpointSSEHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}
}

func TestHandleServerMessageForwardsWhenReady(t *testing.T) {
	srv := httptest.NewServer(endpointSSEHandler())
	defer srv.Close()

	h := newRouterHarness(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sup.Start(ctx)

	assert.Eventually(t, func() bool { return h.sup.IsReady() }, time.Second, 5*time.Millisecond)

	h.rt.HandleServerMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	assert.Eventually(t, func() bool { return len(h.out.String()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.out.String(), `"id":1`)
}

func TestHandleServerMessageDropsMalformedPayload(t *testing.T) {
	h := newRouterHarness(t, "http://example.invalid")
	h.rt.HandleServerMessage("not json")
	assert.Empty(t, h.out.String())
}

func TestHandleServerErrorResponseForwardsAndTriggersLeaveReadyOnSessionLost(t *testing.T) {
	srv := httptest.NewServer(endpointSSEHandler())
	defer srv.Close()

	h := newRouterHarness(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sup.Start(ctx)
	assert.Eventually(t, func() bool { return h.sup.IsReady() }, time.Second, 5*time.Millisecond)

	h.rt.HandleServerMessage(`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"Could not find session"}}`)

	assert.Eventually(t, func() bool {
		return h.sup.Snapshot().State != supervisor.StateReady
	}, time.Second, 5*time.Millisecond)

	out := h.out.String()
	assert.Contains(t, out, `"id":7`)
	assert.Contains(t, out, "Could not find session")
	assert.Contains(t, out, "notifications/cancelled")
	assert.Contains(t, out, `"requestId":7`, "the derivative carries the original numeric id verbatim, not stringified")
}

func TestHandleServerErrorResponseWithoutSessionLostDoesNotLeaveReady(t *testing.T) {
	srv := httptest.NewServer(endpointSSEHandler())
	defer srv.Close()

	h := newRouterHarness(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sup.Start(ctx)
	assert.Eventually(t, func() bool { return h.sup.IsReady() }, time.Second, 5*time.Millisecond)

	h.rt.HandleServerMessage(`{"jsonrpc":"2.0","id":9,"error":{"code":-32602,"message":"bad params"}}`)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, supervisor.StateReady, h.sup.Snapshot().State)
	assert.Contains(t, h.out.String(), `"id":9`)
	assert.Contains(t, h.out.String(), "notifications/cancelled")
}

func TestHandleClientLineEnqueuesWhenNotReady(t *testing.T) {
	h := newRouterHarness(t, "http://example.invalid")
	h.rt.HandleClientLine(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)
	assert.False(t, h.sup.IsReady())
	assert.True(t, h.sup.HasQueuedWork(), "the request is held in the queue")
}

func TestHandleClientLineDeliversWhenReady(t *testing.T) {
	// The primed initialize handshake is sent automatically once READY, concurrently
	// with whatever the test delivers directly, so bodies are collected rather than
	// captured into a single overwritten variable.
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newRouterHarness(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sup.Start(ctx)
	assert.Eventually(t, func() bool { return h.sup.IsReady() }, time.Second, 5*time.Millisecond)

	h.rt.HandleClientLine(`{"jsonrpc":"2.0","id":42,"method":"tools/call"}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, b := range bodies {
			if strings.Contains(b, `"id":42`) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHandleClientLineDuringDrainDoesNotJumpQueuedFrames(t *testing.T) {
	// A frame queued before READY (id 5) is held up in flight by the server so the
	// drain is still running when a second, brand-new frame (id 99) arrives on
	// HandleClientLine. The new frame must not reach upstream before the one that was
	// already queued.
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), `"id":5,`) {
				time.Sleep(50 * time.Millisecond)
			}
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newRouterHarness(t, srv.URL)
	h.sup.Enqueue(&wireframe.Frame{JSONRPC: "2.0", ID: wireframe.NumericID(5), Method: "tools/call"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sup.Start(ctx)

	assert.Eventually(t, func() bool { return h.sup.HasQueuedWork() }, time.Second, 2*time.Millisecond)
	h.rt.HandleClientLine(`{"jsonrpc":"2.0","id":99,"method":"tools/call"}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, b := range bodies {
			if strings.Contains(b, `"id":99`) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	idxOf := func(needle string) int {
		for i, b := range bodies {
			if strings.Contains(b, needle) {
				return i
			}
		}
		return -1
	}
	id5, id99 := idxOf(`"id":5,`), idxOf(`"id":99`)
	assert.NotEqual(t, -1, id5)
	assert.NotEqual(t, -1, id99)
	assert.Less(t, id5, id99, "the previously queued frame must reach upstream before the one written mid-drain")
}

func TestHandleClientLineEmitsParseErrorForMalformedInput(t *testing.T) {
	h := newRouterHarness(t, "http://example.invalid")
	h.rt.HandleClientLine("not json")
	assert.Contains(t, h.out.String(), `"code":-32700`)
	assert.Contains(t, h.out.String(), `"error-`)
}

func TestHandleClientNotificationRemovesQueuedFrameByRequestID(t *testing.T) {
	h := newRouterHarness(t, "http://example.invalid")
	h.sup.Enqueue(&wireframe.Frame{JSONRPC: "2.0", ID: wireframe.NumericID(3), Method: "tools/call"})

	h.rt.HandleClientLine(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"3","reason":"client cancelled"}}`)
	assert.False(t, h.sup.RemoveQueued("3"), "already removed by the notification, second removal finds nothing")
}

func TestHandleClientNotificationRecordsTimeoutOnTimedOutReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newRouterHarness(t, srv.URL)
	h.rt.HandleClientLine(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"1","reason":"Request timed out"}}`)
	// three of these push the escalation counter to threshold; a single call must not panic
	// or otherwise misbehave regardless of readiness state.
	assert.False(t, h.sup.IsReady())
	assert.Equal(t, 1, h.sup.Snapshot().ConsecutiveTimeouts)
}
