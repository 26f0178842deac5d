// Package stream maintains the single server-push connection to the backend
// and redistributes named events to registered consumers.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Event names carried on the stream. Unnamed events fall through to the
// default message channel.
const (
	EventHeartbeat    = "heartbeat"
	EventTaskUpdate   = "task_update"
	EventSubUpdate    = "sub_update"
	EventTaskProgress = "task_progress"
	EventMessage      = "message"
)

const (
	defaultHeartbeatTimeout = 15 * time.Second
	defaultReconnectDelay   = 5 * time.Second
)

// Handler consumes the payload of one stream event. Payloads are valid JSON;
// malformed ones are dropped before dispatch.
type Handler func(data json.RawMessage)

// Options tunes the client. Zero values select the production defaults.
type Options struct {
	// HeartbeatTimeout is the watchdog window: if no event of any kind
	// arrives within it, the connection is considered dead.
	HeartbeatTimeout time.Duration

	// ReconnectDelay is the fixed wait before redialing after a transport
	// error. Deliberately non-exponential with no retry cap.
	ReconnectDelay time.Duration

	// HTTPClient overrides the transport (tests). Must have no timeout set,
	// the stream is long-lived.
	HTTPClient *http.Client
}

// Client owns one live push connection per authenticated session.
// Only the session controller opens and closes it; consumers just register
// handlers via OnEvent.
type Client struct {
	baseURL          string
	httpc            *http.Client
	heartbeatTimeout time.Duration
	reconnectDelay   time.Duration

	mu        sync.Mutex
	handlers  map[string][]Handler
	token     string
	want      bool // true between Connect and Disconnect
	gen       int  // connection generation, guards stale timer callbacks
	cancel    context.CancelFunc
	watchdog  *time.Timer
	reconnect *time.Timer
}

// NewClient creates a stream client for the given backend root URL.
func NewClient(baseURL string, opts Options) *Client {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 0}
	}

	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpc:            httpc,
		heartbeatTimeout: opts.HeartbeatTimeout,
		reconnectDelay:   opts.ReconnectDelay,
		handlers:         make(map[string][]Handler),
	}
}

// OnEvent registers a handler for a named event type. Multiple handlers per
// name are permitted; registration order is dispatch order.
func (c *Client) OnEvent(name string, h Handler) {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], h)
	c.mu.Unlock()
}

// Connect opens the stream with the given session token. No-op when a live
// connection already exists (the token is still updated for the next dial).
func (c *Client) Connect(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	if c.want {
		return
	}
	c.want = true
	c.startLocked()
}

// Disconnect closes the connection and cancels all pending timers. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.want {
		return
	}
	c.want = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.teardownLocked()
	log.Println("stream: disconnected")
}

// Connected reports whether a connection is currently open or being dialed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// startLocked begins a new connection generation. Caller holds c.mu.
func (c *Client) startLocked() {
	c.gen++
	gen := c.gen

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.resetWatchdogLocked(gen)

	go c.run(ctx, gen, c.token)
}

// teardownLocked cancels the live connection and its watchdog. Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Client) resetWatchdogLocked(gen int) {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(c.heartbeatTimeout, func() {
		c.watchdogExpired(gen)
	})
}

// watchdogExpired force-closes a silent connection and redials immediately.
func (c *Client) watchdogExpired(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.want {
		return
	}

	log.Printf("stream: no event within %v, forcing reconnect", c.heartbeatTimeout)
	c.teardownLocked()
	c.startLocked()
}

// run dials and consumes one connection, then hands control back to the
// reconnect policy. Runs outside the lock.
func (c *Client) run(ctx context.Context, gen int, token string) {
	err := c.consume(ctx, gen, token)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		// Superseded by a newer connection, nothing to clean up.
		return
	}
	c.teardownLocked()
	if !c.want {
		return
	}
	if err != nil {
		log.Printf("stream: connection error: %v", err)
	}
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms a single reconnect timer. Repeated transport
// errors within the window collapse into one attempt. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.reconnect = nil
		if !c.want || c.cancel != nil {
			return
		}
		log.Println("stream: reconnecting")
		c.startLocked()
	})
}

// consume dials the stream endpoint and parses text/event-stream frames
// until the connection drops or ctx is cancelled.
func (c *Client) consume(ctx context.Context, gen int, token string) error {
	endpoint := fmt.Sprintf("%s/api/events?token=%s", c.baseURL, url.QueryEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("stream dial failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	var eventName string
	var dataBuilder strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			// Empty line terminates one event
			if eventName != "" || dataBuilder.Len() > 0 {
				c.dispatch(gen, eventName, dataBuilder.String())
				eventName = ""
				dataBuilder.Reset()
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment line, still proof of life
			c.touch(gen)
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if dataBuilder.Len() > 0 {
				dataBuilder.WriteString("\n")
			}
			dataBuilder.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// id: and retry: lines are ignored
	}
}

// touch resets the watchdog without dispatching anything.
func (c *Client) touch(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.resetWatchdogLocked(gen)
}

// dispatch routes one event to its handlers. Every inbound event, whatever
// its name, counts as a heartbeat. Malformed payloads are logged and dropped,
// never propagated to consumers.
func (c *Client) dispatch(gen int, name, data string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.resetWatchdogLocked(gen)

	if name == "" {
		name = EventMessage
	}
	hs := append([]Handler(nil), c.handlers[name]...)
	if len(hs) == 0 && name != EventMessage && name != EventHeartbeat {
		// Unrouted named events fall back to the default message channel
		hs = append(hs, c.handlers[EventMessage]...)
	}
	c.mu.Unlock()

	if len(hs) == 0 {
		return
	}
	if data != "" && !json.Valid([]byte(data)) {
		log.Printf("stream: discarding malformed %s payload", name)
		return
	}

	raw := json.RawMessage(data)
	for _, h := range hs {
		h(raw)
	}
}
