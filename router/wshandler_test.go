package router

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulgadc/queryroute/auth"
	"github.com/mulgadc/queryroute/membership"
	"github.com/mulgadc/queryroute/querier"
	"github.com/mulgadc/queryroute/wire"
)

const (
	testAccessKey = "AKIAEXAMPLE"
	testSecretKey = "topsecret"
)

// queryFunc is the fake querier's per-request behavior.
type queryFunc func(traceID string, payload []byte) ([]byte, error)

// serveQuerier speaks the querier side of the stream protocol over an
// in-memory pipe, answering pings and running queries concurrently.
func serveQuerier(conn net.Conn, handler queryFunc) {
	var wmu sync.Mutex
	write := func(f wire.Frame) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = wire.WriteFrame(conn, f)
	}

	br := bufio.NewReader(conn)
	for {
		f, err := wire.ReadFrame(br)
		if err != nil {
			return
		}

		switch f.Type {
		case wire.FramePing:
			write(wire.Frame{Type: wire.FramePong, Seq: f.Seq})
		case wire.FrameData:
			go func(f wire.Frame) {
				resp, err := handler(f.TraceID, f.Payload)
				if err != nil {
					write(wire.Frame{Type: wire.FrameError, TraceID: f.TraceID, Payload: []byte(err.Error())})
					return
				}
				write(wire.Frame{Type: wire.FrameData, TraceID: f.TraceID, Payload: resp})
				write(wire.Frame{Type: wire.FrameEnd, TraceID: f.TraceID})
			}(f)
		}
	}
}

type routerHarness struct {
	srv     *Server
	watcher *membership.ManualWatcher
	ts      *httptest.Server
}

// newHarness stands up a router over an in-memory querier fleet. Every
// dialed node runs the same fake querier handler.
func newHarness(t *testing.T, cfg *Config, handler queryFunc) *routerHarness {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.DisableLogging = true
	cfg.applyDefaults()
	cfg.Querier.DrainTimeoutSecs = 1
	if cfg.Querier.DialTimeoutSecs == 0 {
		cfg.Querier.DialTimeoutSecs = 2
	}
	if len(cfg.Auth) == 0 {
		cfg.Auth = []auth.Credential{
			{AccessKeyID: testAccessKey, SecretAccessKey: testSecretKey, DisplayName: "test"},
		}
	}

	watcher := membership.NewManual()
	dial := func(ctx context.Context, addr string) (querier.Stream, error) {
		client, server := net.Pipe()
		go serveQuerier(server, handler)
		return client, nil
	}

	srv := NewWithOptions(cfg, Options{
		Watcher:  watcher,
		Registry: prometheus.NewRegistry(),
		Dial:     dial,
	})
	go srv.consumeMembership()

	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &routerHarness{srv: srv, watcher: watcher, ts: ts}
}

func (h *routerHarness) addNodes(t *testing.T, ids ...string) {
	t.Helper()
	ev := membership.Event{}
	for _, id := range ids {
		ev.Added = append(ev.Added, membership.Node{ID: id, Addr: id + ":7443"})
	}
	h.watcher.Publish(ev)
	require.Eventually(t, func() bool {
		return h.srv.Pool().HealthyCount() >= len(ids)
	}, 5*time.Second, 10*time.Millisecond)
}

func (h *routerHarness) removeNode(t *testing.T, id string) {
	t.Helper()
	before := h.srv.Pool().HealthyCount()
	h.watcher.Publish(membership.Event{Removed: []string{id}})
	require.Eventually(t, func() bool {
		return h.srv.Pool().HealthyCount() < before
	}, 5*time.Second, 10*time.Millisecond)
}

func authHeaders(access, secret string) http.Header {
	date := time.Now().UTC().Format(auth.TimeFormat)
	h := http.Header{}
	h.Set(HeaderAccessKey, access)
	h.Set(HeaderDate, date)
	h.Set(HeaderSignature, auth.Sign(secret, date))
	return h
}

func (h *routerHarness) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, authHeaders(testAccessKey, testSecretKey))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendQuery(t *testing.T, ws *websocket.Conn, traceID, payload string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(wire.ClientMessage{
		TraceID: traceID,
		Payload: json.RawMessage(payload),
	}))
}

func readMsg(t *testing.T, ws *websocket.Conn) wire.ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wire.ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func echoQuerier(traceID string, payload []byte) ([]byte, error) {
	return payload, nil
}

func TestEndToEndEcho(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)
	h.addNodes(t, "q1")

	ws := h.dialWS(t)
	sendQuery(t, ws, "t-1", `{"query":"up"}`)

	msg := readMsg(t, ws)
	assert.Equal(t, "t-1", msg.TraceID)
	assert.JSONEq(t, `{"query":"up"}`, string(msg.Payload))
	assert.False(t, msg.Done)
	assert.Empty(t, msg.ErrorKind)

	msg = readMsg(t, ws)
	assert.Equal(t, "t-1", msg.TraceID)
	assert.True(t, msg.Done)

	// Completion released the route.
	require.Eventually(t, func() bool {
		return h.srv.Sessions().ActiveRoutes() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrentTraces(t *testing.T) {
	h := newHarness(t, nil, func(traceID string, payload []byte) ([]byte, error) {
		if strings.HasPrefix(traceID, "slow") {
			time.Sleep(200 * time.Millisecond)
		}
		return payload, nil
	})
	h.addNodes(t, "q1", "q2")

	ws := h.dialWS(t)
	sendQuery(t, ws, "slow-1", `"a"`)
	sendQuery(t, ws, "fast-2", `"b"`)

	// The fast trace is not stuck behind the slow one.
	var order []string
	for len(order) < 2 {
		msg := readMsg(t, ws)
		if msg.Payload != nil {
			order = append(order, msg.TraceID)
		}
	}
	assert.Equal(t, []string{"fast-2", "slow-1"}, order)
}

func TestNoHealthyNodeKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)

	ws := h.dialWS(t)
	sendQuery(t, ws, "t-1", `"q"`)

	msg := readMsg(t, ws)
	assert.Equal(t, string(wire.KindNoHealthyNode), msg.ErrorKind)
	assert.True(t, msg.Retryable)

	// The fleet comes up; the same connection now routes fine.
	h.addNodes(t, "q1")
	sendQuery(t, ws, "t-2", `"q"`)

	msg = readMsg(t, ws)
	assert.Equal(t, "t-2", msg.TraceID)
	assert.Empty(t, msg.ErrorKind)
}

func TestNodeDownMidQuery(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	h := newHarness(t, nil, func(traceID string, payload []byte) ([]byte, error) {
		<-stuck
		return payload, nil
	})
	h.addNodes(t, "q1")

	ws := h.dialWS(t)
	sendQuery(t, ws, "t-stuck", `"q"`)

	// Wait until the trace is routed, then kill its node.
	require.Eventually(t, func() bool {
		return h.srv.Sessions().ActiveRoutes() == 1
	}, 5*time.Second, 10*time.Millisecond)
	h.removeNode(t, "q1")

	msg := readMsg(t, ws)
	assert.Equal(t, "t-stuck", msg.TraceID)
	assert.Equal(t, string(wire.KindRoutingUnavailable), msg.ErrorKind)
	assert.True(t, msg.Retryable)
	assert.True(t, msg.Done)

	assert.Equal(t, 0, h.srv.Sessions().ActiveRoutes())
}

func TestQuerierErrorPropagates(t *testing.T) {
	h := newHarness(t, nil, func(traceID string, payload []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	h.addNodes(t, "q1")

	ws := h.dialWS(t)
	sendQuery(t, ws, "t-1", `"q"`)

	msg := readMsg(t, ws)
	assert.Equal(t, "t-1", msg.TraceID)
	assert.Equal(t, string(wire.KindQueryFailed), msg.ErrorKind)
	assert.False(t, msg.Retryable)
	assert.Contains(t, msg.Message, assert.AnError.Error())
}

func TestBadTraceIDKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)
	h.addNodes(t, "q1")

	ws := h.dialWS(t)
	sendQuery(t, ws, "", `"q"`)

	msg := readMsg(t, ws)
	assert.Equal(t, string(wire.KindProtocolViolation), msg.ErrorKind)

	sendQuery(t, ws, "t-ok", `"q"`)
	msg = readMsg(t, ws)
	assert.Equal(t, "t-ok", msg.TraceID)
	assert.Empty(t, msg.ErrorKind)
}

func TestAuthRejected(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, authHeaders(testAccessKey, "wrongsecret"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionLimit(t *testing.T) {
	cfg := &Config{MaxSessions: 1}
	h := newHarness(t, cfg, echoQuerier)
	h.addNodes(t, "q1")

	_ = h.dialWS(t)
	require.Eventually(t, func() bool {
		return h.srv.Sessions().ActiveSessions() == 1
	}, 5*time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, authHeaders(testAccessKey, testSecretKey))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSessionCleanupOnDisconnect(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)
	h.addNodes(t, "q1")

	ws := h.dialWS(t)
	sendQuery(t, ws, "t-1", `"q"`)
	readMsg(t, ws) // data
	readMsg(t, ws) // done

	require.Equal(t, 1, h.srv.Sessions().ActiveSessions())
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		return h.srv.Sessions().ActiveSessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)

	resp, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h.addNodes(t, "q1")

	resp2, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	assert.EqualValues(t, 1, status["ring_size"])
}

func TestSlowClientEvicted(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)
	h.addNodes(t, "q1")
	h.srv.stallTimeout = 50 * time.Millisecond

	// A session whose outbound channel nobody drains.
	out := make(chan wire.ServerMessage)
	sess := h.srv.sessions.CreateSession(auth.Identity{AccessKeyID: testAccessKey}, out)
	_, err := h.srv.sessions.AssignRoute(sess.ID, "t-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.srv.dispatch("q1", wire.Frame{Type: wire.FrameData, TraceID: "t-1", Payload: []byte(`"x"`)})
	}()

	// Dispatch must come back instead of wedging the shared read path,
	// and the stuck session is gone.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch wedged on a stuck session")
	}

	select {
	case <-sess.Done():
	default:
		t.Fatal("stuck session was not released")
	}
	assert.Equal(t, 0, h.srv.sessions.ActiveSessions())
	assert.Equal(t, 0, h.srv.sessions.ActiveRoutes())
}

func TestGaugesTrackSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)
	h.addNodes(t, "q1")

	ws := h.dialWS(t)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.srv.metrics.SessionsActive) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sendQuery(t, ws, "t-1", `"q"`)
	readMsg(t, ws)
	readMsg(t, ws)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.srv.metrics.SessionsActive) == 0 &&
			testutil.ToFloat64(h.srv.metrics.RoutesActive) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil, echoQuerier)
	h.addNodes(t, "q1")

	ws := h.dialWS(t)
	sendQuery(t, ws, "t-1", `"q"`)
	readMsg(t, ws)
	readMsg(t, ws)

	resp, err := http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body strings.Builder
	buf := make([]byte, 64*1024)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, body.String(), "queryroute_sessions_active")
	assert.Contains(t, body.String(), "queryroute_frames_forwarded_total")
}
