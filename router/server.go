// Package router is the client-facing tier: it terminates WebSocket
// sessions, authenticates them, and moves request/response frames
// between clients and the querier fleet by trace id.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mulgadc/queryroute/auth"
	"github.com/mulgadc/queryroute/membership"
	"github.com/mulgadc/queryroute/metrics"
	"github.com/mulgadc/queryroute/querier"
	"github.com/mulgadc/queryroute/session"
	"github.com/mulgadc/queryroute/wire"
)

// Options overrides collaborators, mainly for tests and embedders.
type Options struct {
	Authenticator auth.Authenticator
	Watcher       membership.Watcher
	Registry      *prometheus.Registry
	Dial          querier.Dialer
}

// Server wires the session manager, the querier pool and the HTTP
// surface together.
type Server struct {
	config   *Config
	authn    auth.Authenticator
	sessions *session.Manager
	pool     *querier.Pool
	watcher  membership.Watcher
	metrics  *metrics.RouterMetrics

	// stallTimeout bounds how long response dispatch waits on a
	// session's outbound channel before evicting the session.
	stallTimeout time.Duration

	router     chi.Router
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router server from config with default collaborators:
// static auth from the config credential table and static membership
// from the config node list.
func New(config *Config) *Server {
	return NewWithOptions(config, Options{})
}

// NewWithOptions creates a router server with explicit collaborators.
func NewWithOptions(config *Config, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:       config,
		router:       chi.NewRouter(),
		ctx:          ctx,
		cancel:       cancel,
		stallTimeout: 5 * time.Second,
	}

	s.authn = opts.Authenticator
	if s.authn == nil {
		s.authn = auth.NewStatic(config.Auth)
	}

	s.watcher = opts.Watcher
	if s.watcher == nil {
		nodes := make([]membership.Node, 0, len(config.Nodes))
		for _, n := range config.Nodes {
			nodes = append(nodes, membership.Node{ID: n.ID, Addr: n.Addr(), Weight: n.Weight})
		}
		s.watcher = membership.NewStatic(nodes)
	}

	if opts.Registry != nil {
		s.metrics = metrics.New(opts.Registry)
	} else {
		s.metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	q := config.Querier
	s.pool = querier.NewPool(querier.PoolConfig{
		Conn: querier.ConnConfig{
			SendQueueSize:     q.SendQueueSize,
			DialTimeout:       time.Duration(q.DialTimeoutSecs) * time.Second,
			MaxDialRetries:    q.MaxDialRetries,
			HeartbeatInterval: time.Duration(q.HeartbeatIntervalSecs) * time.Second,
			HeartbeatMisses:   q.HeartbeatMisses,
		},
		PartitionCount:    config.Ring.PartitionCount,
		ReplicationFactor: config.Ring.ReplicationFactor,
		DrainTimeout:      time.Duration(q.DrainTimeoutSecs) * time.Second,
		Dial:              opts.Dial,
		OnResponse:        s.dispatch,
		OnNodeDown:        s.handleNodeDown,
		OnHealthChange:    s.healthChanged,
	})

	s.sessions = session.NewManager(session.Config{
		RouteTTL:          config.RouteTTL(),
		RerouteOnNodeDown: config.RerouteOnNodeDown,
	}, s.pool.Ring())

	s.setupRoutes(opts.Registry)
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	r := s.router

	// Configure logging
	var logLevel slog.Level
	if s.config.Debug {
		logLevel = slog.LevelDebug
	} else if s.config.DisableLogging {
		logLevel = slog.LevelError
	} else {
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	// Middleware
	if !s.config.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Routes
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
}

// Handler exposes the HTTP surface for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions exposes the session manager (tests, admin tooling).
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Pool exposes the querier pool (tests, admin tooling).
func (s *Server) Pool() *querier.Pool {
	return s.pool
}

// Start runs the membership consumer, the route janitor and the HTTP
// listener. It blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.consumeMembership()
	}()
	go func() {
		defer s.wg.Done()
		s.sessions.RunJanitor(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runGauges()
	}()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("router listening", "addr", addr)

	var err error
	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		err = s.httpServer.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, the pool and the background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.pool.Close()
	_ = s.watcher.Close()
	s.wg.Wait()
	return err
}

// consumeMembership folds discovery events into the pool.
func (s *Server) consumeMembership() {
	for {
		select {
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			s.pool.Apply(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"ring_size": s.pool.HealthyCount(),
		"sessions":  s.sessions.ActiveSessions(),
		"routes":    s.sessions.ActiveRoutes(),
	}

	w.Header().Set("Content-Type", "application/json")
	if s.pool.HealthyCount() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// dispatch is the pool's response callback. It runs on the reading
// connection's goroutine, so delivery order into a session channel is
// the order the querier emitted frames for that trace.
func (s *Server) dispatch(nodeID querier.NodeID, f wire.Frame) {
	sessionID, ok := s.sessions.ResolveSession(f.TraceID)
	if !ok {
		// Trace already released; late response, drop it.
		return
	}

	sess, ok := s.sessions.Lookup(sessionID)
	if !ok {
		// Owning session closed while the response was in flight.
		s.sessions.ReleaseRoute(f.TraceID)
		return
	}

	var msg wire.ServerMessage
	switch f.Type {
	case wire.FrameData:
		s.sessions.Touch(f.TraceID)
		msg = wire.ServerMessage{TraceID: f.TraceID, Payload: f.Payload}
		s.metrics.FramesForwarded.WithLabelValues(metrics.DirectionToClient).Inc()

	case wire.FrameEnd:
		s.sessions.ReleaseRoute(f.TraceID)
		msg = wire.ServerMessage{TraceID: f.TraceID, Done: true}

	case wire.FrameError:
		s.sessions.ReleaseRoute(f.TraceID)
		if f.Flags&wire.FlagConnLost != 0 {
			msg = wire.ErrorMessage(f.TraceID, wire.ErrConnectionUnavailable)
		} else {
			msg = wire.ServerMessage{
				TraceID:   f.TraceID,
				Done:      true,
				ErrorKind: string(wire.KindQueryFailed),
				Message:   string(f.Payload),
				Retryable: false,
			}
		}
		s.metrics.RoutingErrors.WithLabelValues(msg.ErrorKind).Inc()

	default:
		return
	}

	s.deliver(sess, msg)
}

// deliver pushes one message to a session's writer. It runs on shared
// goroutines (querier read loops, the membership consumer), so a client
// that stopped draining its channel is evicted rather than allowed to
// stall frame delivery for every other session on the node.
func (s *Server) deliver(sess *session.Session, msg wire.ServerMessage) {
	t := time.NewTimer(s.stallTimeout)
	defer t.Stop()

	select {
	case sess.Out <- msg:
	case <-sess.Done():
	case <-t.C:
		slog.Warn("ws: client not draining, evicting session", "session", sess.ID)
		s.sessions.ReleaseSession(sess.ID)
		s.syncGauges()
	}
}

// handleNodeDown repairs the route table and tells affected clients.
// In-flight requests are failed separately by the connection layer.
func (s *Server) handleNodeDown(nodeID querier.NodeID) {
	displaced := s.sessions.OnNodeDown(nodeID)

	s.syncGauges()

	for _, d := range displaced {
		if d.Rerouted {
			continue
		}

		sess, ok := s.sessions.Lookup(d.Session)
		if !ok {
			continue
		}
		msg := wire.ErrorMessage(d.TraceID, wire.ErrRoutingUnavailable)
		s.metrics.RoutingErrors.WithLabelValues(msg.ErrorKind).Inc()
		s.deliver(sess, msg)
	}
}

// syncGauges refreshes the session and route gauges from the tables.
// Called on session lifecycle events and from the periodic loop, never
// per frame: counting walks every shard lock.
func (s *Server) syncGauges() {
	s.metrics.SessionsActive.Set(float64(s.sessions.ActiveSessions()))
	s.metrics.RoutesActive.Set(float64(s.sessions.ActiveRoutes()))
}

// runGauges keeps the gauges fresh between lifecycle events, covering
// the per-frame route churn that no longer updates them inline.
func (s *Server) runGauges() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			s.syncGauges()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) healthChanged(nodeID querier.NodeID, h querier.Health) {
	if h == querier.HealthSuspected {
		s.metrics.QuerierReconnects.Inc()
	}
	s.metrics.QuerierConns.Set(float64(s.pool.ConnCount()))
}
