package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mulgadc/queryroute/metrics"
	"github.com/mulgadc/queryroute/session"
	"github.com/mulgadc/queryroute/wire"
)

// Credential headers presented on the WebSocket upgrade request.
const (
	HeaderAccessKey = "X-Qr-Access-Key"
	HeaderDate      = "X-Qr-Date"
	HeaderSignature = "X-Qr-Signature"
)

const (
	clientPingInterval = 30 * time.Second

	// clientWriteTimeout bounds every write to the client socket so a
	// peer that stopped reading cannot park the writer goroutine.
	clientWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// Origin filtering belongs to the deployment's proxy tier.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS terminates one client connection: authenticate, open a
// session, then pump messages until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authn.Validate(
		r.Header.Get(HeaderAccessKey),
		r.Header.Get(HeaderDate),
		r.Header.Get(HeaderSignature),
	)
	if err != nil {
		slog.Warn("ws: authentication failed", "remote", r.RemoteAddr)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	// Capacity check before committing any session state; existing
	// sessions are unaffected.
	if s.sessions.ActiveSessions() >= s.config.MaxSessions {
		slog.Warn("ws: session limit reached", "limit", s.config.MaxSessions)
		http.Error(w, "router is at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Cap inbound messages at the frame payload limit plus envelope
	// overhead; anything larger fails this connection's read, not the
	// shared querier link.
	conn.SetReadLimit(int64(wire.MaxPayloadLen) + 4096)

	out := make(chan wire.ServerMessage, s.config.SessionBuffer)
	sess := s.sessions.CreateSession(identity, out)
	s.syncGauges()

	slog.Info("ws: session opened",
		"session", sess.ID, "identity", identity.AccessKeyID, "remote", r.RemoteAddr)

	go s.writeClient(conn, sess)
	s.readClient(conn, sess)
	s.teardown(conn, sess)
}

// writeClient drains the session's outbound channel onto the socket,
// preserving channel order, and keeps the connection alive with pings.
func (s *Server) writeClient(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sess.Out:
			_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				// Reader notices the dead socket and tears down.
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-sess.Done():
			return
		}
	}
}

// readClient parses client envelopes and forwards them until the
// connection drops.
func (s *Server) readClient(conn *websocket.Conn, sess *session.Session) {
	for {
		var msg wire.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws: read failed", "session", sess.ID, "error", err)
			}
			return
		}

		if msg.TraceID == "" || uint32(len(msg.TraceID)) > wire.MaxTraceIDLen {
			s.sendError(sess, msg.TraceID, wire.ErrProtocolViolation)
			continue
		}

		s.forward(sess, msg)
	}
}

// forward routes one client request: resolve the trace's node (creating
// the route on first use), get the node's connection and enqueue the
// payload. Failures become error frames; the connection stays open.
func (s *Server) forward(sess *session.Session, msg wire.ClientMessage) {
	node, err := s.sessions.AssignRoute(sess.ID, msg.TraceID)
	if err != nil {
		s.sendError(sess, msg.TraceID, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.resolveTimeout())
	qc, err := s.pool.ConnFor(ctx, node)
	cancel()
	if err != nil {
		s.sendError(sess, msg.TraceID, err)
		return
	}

	if err := qc.Send(msg.TraceID, msg.Payload); err != nil {
		s.sendError(sess, msg.TraceID, err)
		return
	}

	s.metrics.FramesForwarded.WithLabelValues(metrics.DirectionToQuerier).Inc()
}

func (s *Server) resolveTimeout() time.Duration {
	if s.config.Querier.DialTimeoutSecs > 0 {
		return time.Duration(s.config.Querier.DialTimeoutSecs) * time.Second
	}
	return 5 * time.Second
}

// sendError delivers an error frame, subject to the same stall bound as
// response dispatch.
func (s *Server) sendError(sess *session.Session, traceID string, err error) {
	msg := wire.ErrorMessage(traceID, err)
	s.metrics.RoutingErrors.WithLabelValues(msg.ErrorKind).Inc()
	s.deliver(sess, msg)
}

// teardown releases everything the session owned. Safe to call after a
// session has already been released elsewhere.
func (s *Server) teardown(conn *websocket.Conn, sess *session.Session) {
	// Tell queriers to stop work for traces this client still owned.
	for _, traceID := range sess.Traces() {
		if node, ok := s.sessions.RouteFor(traceID); ok {
			if qc, found := s.pool.Existing(node); found {
				qc.CancelTrace(traceID)
			}
		}
	}

	s.sessions.ReleaseSession(sess.ID)
	s.syncGauges()
	_ = conn.Close()

	slog.Info("ws: session closed", "session", sess.ID)
}
