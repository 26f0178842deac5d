package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		HeartbeatTimeout: 200 * time.Millisecond,
		ReconnectDelay:   50 * time.Millisecond,
	}
}

// writeEvent writes one SSE frame and flushes it.
func writeEvent(w http.ResponseWriter, name, data string) {
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

// keepAlive holds the connection open, sending heartbeats well inside the
// test watchdog window, until the client goes away.
func keepAlive(w http.ResponseWriter, r *http.Request) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			writeEvent(w, EventHeartbeat, `{}`)
		}
	}
}

func TestDispatch(t *testing.T) {
	t.Run("Should route named events to their handlers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "tok-1", r.URL.Query().Get("token"))
			sseHeaders(w)
			writeEvent(w, EventTaskProgress, `{"taskId":"t1","status":"running"}`)
			writeEvent(w, EventSubUpdate, `{"name":"main"}`)
			keepAlive(w, r)
		}))
		defer srv.Close()

		progress := make(chan json.RawMessage, 1)
		subs := make(chan json.RawMessage, 1)

		c := NewClient(srv.URL, testOptions())
		c.OnEvent(EventTaskProgress, func(data json.RawMessage) { progress <- data })
		c.OnEvent(EventSubUpdate, func(data json.RawMessage) { subs <- data })
		c.Connect("tok-1")
		defer c.Disconnect()

		select {
		case data := <-progress:
			assert.JSONEq(t, `{"taskId":"t1","status":"running"}`, string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("task_progress event not dispatched")
		}

		select {
		case data := <-subs:
			assert.JSONEq(t, `{"name":"main"}`, string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("sub_update event not dispatched")
		}
	})

	t.Run("Should route unnamed events to the message channel", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sseHeaders(w)
			writeEvent(w, "", `{"hello":"world"}`)
			keepAlive(w, r)
		}))
		defer srv.Close()

		msgs := make(chan json.RawMessage, 1)

		c := NewClient(srv.URL, testOptions())
		c.OnEvent(EventMessage, func(data json.RawMessage) { msgs <- data })
		c.Connect("tok")
		defer c.Disconnect()

		select {
		case data := <-msgs:
			assert.JSONEq(t, `{"hello":"world"}`, string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("default message not dispatched")
		}
	})

	t.Run("Should swallow malformed payloads and keep the stream alive", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sseHeaders(w)
			writeEvent(w, EventTaskProgress, `{not json`)
			writeEvent(w, EventTaskProgress, `{"taskId":"t2"}`)
			keepAlive(w, r)
		}))
		defer srv.Close()

		progress := make(chan json.RawMessage, 2)

		c := NewClient(srv.URL, testOptions())
		c.OnEvent(EventTaskProgress, func(data json.RawMessage) { progress <- data })
		c.Connect("tok")
		defer c.Disconnect()

		select {
		case data := <-progress:
			// The malformed payload must have been dropped, not delivered
			assert.JSONEq(t, `{"taskId":"t2"}`, string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("valid event after malformed one not dispatched")
		}
		assert.Empty(t, progress)
	})
}

func TestReconnect(t *testing.T) {
	t.Run("Should schedule exactly one reconnect after a transport error", func(t *testing.T) {
		var conns int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&conns, 1)
			sseHeaders(w)
			writeEvent(w, EventHeartbeat, `{}`)
			if n == 1 {
				return // drop the first connection immediately
			}
			keepAlive(w, r)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, testOptions())
		c.Connect("tok")
		defer c.Disconnect()

		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&conns) == 2
		}, 2*time.Second, 10*time.Millisecond, "expected a single reconnect")

		// No further attempts while the second connection stays healthy
		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, int32(2), atomic.LoadInt32(&conns))
	})

	t.Run("Should force reconnect when the heartbeat window elapses", func(t *testing.T) {
		var conns int32
		hold := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&conns, 1)
			sseHeaders(w)
			writeEvent(w, EventHeartbeat, `{}`)
			if n == 1 {
				// Go silent but keep the connection open: only the
				// watchdog can notice this connection is dead.
				<-r.Context().Done()
				return
			}
			<-hold
		}))
		defer srv.Close()
		defer close(hold)

		c := NewClient(srv.URL, testOptions())
		c.Connect("tok")
		defer c.Disconnect()

		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&conns) >= 2
		}, 2*time.Second, 10*time.Millisecond, "watchdog did not force a reconnect")
	})

	t.Run("Should keep retrying indefinitely while the server is down", func(t *testing.T) {
		var conns int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&conns, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, testOptions())
		c.Connect("tok")
		defer c.Disconnect()

		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&conns) >= 3
		}, 3*time.Second, 10*time.Millisecond, "expected repeated reconnect attempts")
	})
}

func TestLifecycle(t *testing.T) {
	t.Run("Should treat Connect as a no-op when already connected", func(t *testing.T) {
		var conns int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&conns, 1)
			sseHeaders(w)
			keepAlive(w, r)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, testOptions())
		c.Connect("tok")
		defer c.Disconnect()

		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&conns) == 1
		}, 2*time.Second, 10*time.Millisecond)

		c.Connect("tok")
		time.Sleep(150 * time.Millisecond)
		assert.Equal(t, int32(1), atomic.LoadInt32(&conns))
	})

	t.Run("Should stop reconnecting after Disconnect", func(t *testing.T) {
		var conns int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&conns, 1)
			sseHeaders(w)
			writeEvent(w, EventHeartbeat, `{}`)
			// Server drops every connection right away
		}))
		defer srv.Close()

		c := NewClient(srv.URL, testOptions())
		c.Connect("tok")

		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&conns) >= 1
		}, 2*time.Second, 10*time.Millisecond)

		c.Disconnect()
		c.Disconnect() // idempotent

		settled := atomic.LoadInt32(&conns)
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, settled, atomic.LoadInt32(&conns))
		assert.False(t, c.Connected())
	})
}
