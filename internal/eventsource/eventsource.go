// Package eventsource implements a minimal Server-Sent Events client: a long-lived GET
// with a text/event-stream body, dispatching named endpoint/message events plus
// open/error/close lifecycle callbacks. See DESIGN.md for why this is a small stdlib
// bufio.Scanner reader rather than a third-party SSE library.
package eventsource

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Callbacks are invoked from the client's own read goroutine; implementations must not
// block for long and must be safe to call after Stop (calls after Stop are suppressed).
type Callbacks struct {
	OnOpen     func()
	OnEndpoint func(endpointData string)
	OnMessage  func(data string)
	// OnError reports a lifecycle failure. closed is true when the underlying
	// connection is now closed and will not deliver further events.
	OnError func(err error, closed bool)
	OnClose func()
}

// Client is a single SSE subscription. It is not reused across reconnects; the
// supervisor constructs a fresh Client per connection attempt.
type Client struct {
	httpClient *http.Client
	url        string
	callbacks  Callbacks

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// New constructs a Client for the given URL. httpClient may be nil to use the default
// client with no timeout (the connection is long-lived by design).
func New(httpClient *http.Client, url string, callbacks Callbacks) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, url: url, callbacks: callbacks}
}

// Start opens the subscription and blocks, dispatching callbacks, until the stream
// ends, an unrecoverable error occurs, or Stop is called. Callers run Start in its own
// goroutine.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.emitError(fmt.Errorf("build sse request: %w", err), true)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.emitError(fmt.Errorf("sse connect: %w", err), true)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.emitError(fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode), true)
		return
	}
	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen()
	}

	c.readLoop(ctx, resp)
}

// readLoop parses the SSE wire format: an "event:" line names the event (default
// "message"), one or more "data:" lines accumulate (joined by \n), and a blank line
// dispatches the accumulated event. "id:" and "retry:" fields are accepted and
// ignored, since this bridge never resumes a stream by Last-Event-ID.
func (c *Client) readLoop(ctx context.Context, resp *http.Response) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	event := "message"
	var dataLines []string

	dispatch := func() {
		if len(dataLines) == 0 {
			event = "message"
			return
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		name := event
		event = "message"
		c.mu.Lock()
		stopped := c.closed
		c.mu.Unlock()
		if stopped {
			return
		}
		switch name {
		case "endpoint":
			if c.callbacks.OnEndpoint != nil {
				c.callbacks.OnEndpoint(data)
			}
		default:
			if c.callbacks.OnMessage != nil {
				c.callbacks.OnMessage(data)
			}
		}
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// comment/heartbeat line, ignored
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
			// accepted, ignored
		}
	}
	// flush a trailing event without a terminating blank line
	dispatch()

	if err := scanner.Err(); err != nil {
		c.emitError(fmt.Errorf("sse read: %w", err), true)
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.emitClose()
}

func (c *Client) emitError(err error, closed bool) {
	c.mu.Lock()
	suppressed := c.closed
	c.mu.Unlock()
	if suppressed {
		return
	}
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err, closed)
	}
}

func (c *Client) emitClose() {
	c.mu.Lock()
	suppressed := c.closed
	c.closed = true
	c.mu.Unlock()
	if suppressed {
		return
	}
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose()
	}
}

// Stop aborts any in-flight request and unblocks Start. Safe to call multiple times
// and from any goroutine; closure is idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if !already && cancel != nil {
		cancel()
	}
}
