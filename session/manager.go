// Package session is the authoritative registry of client sessions and
// trace routing. State is sharded by key so operations on unrelated
// sessions or traces never contend on one lock.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/mulgadc/queryroute/auth"
	"github.com/mulgadc/queryroute/querier"
	"github.com/mulgadc/queryroute/wire"
)

const shardCount = 32

// ID identifies one client session, unique for the process lifetime.
type ID string

// Session is the live state of one client connection. The Out channel
// is drained by the connection's writer goroutine; the manager only
// stores it for response dispatch.
type Session struct {
	ID        ID
	Identity  auth.Identity
	CreatedAt time.Time
	Out       chan wire.ServerMessage

	mu     sync.Mutex
	traces map[string]struct{}
	closed chan struct{}
}

// Done is closed when the session is released; dispatchers select on it
// so a stuck client writer cannot wedge a querier reader.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Traces snapshots the session's active trace ids.
func (s *Session) Traces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.traces))
	for t := range s.traces {
		out = append(out, t)
	}
	return out
}

func (s *Session) addTrace(traceID string) {
	s.mu.Lock()
	s.traces[traceID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeTrace(traceID string) {
	s.mu.Lock()
	delete(s.traces, traceID)
	s.mu.Unlock()
}

// Route is the trace-id to querier-node binding, with its owning
// session. A trace maps to at most one node at a time.
type Route struct {
	TraceID    string
	Node       querier.NodeID
	Session    ID
	LastActive time.Time
}

// Displaced describes a route whose node went down: either rerouted to
// a new node or released, per policy.
type Displaced struct {
	Session  ID
	TraceID  string
	NewNode  querier.NodeID
	Rerouted bool
}

// RingOwner resolves the ring owner for a trace id. Implemented by
// querier.Ring.
type RingOwner interface {
	Owner(key string) (querier.NodeID, error)
}

// Config tunes the manager.
type Config struct {
	// RouteTTL expires routes with no activity; zero means 15 minutes.
	RouteTTL time.Duration

	// RerouteOnNodeDown keeps displaced routes alive by re-resolving
	// them on the updated ring. Off by default: the safer policy is to
	// fail the trace and let the client retry.
	RerouteOnNodeDown bool
}

type sessionShard struct {
	mu sync.RWMutex
	m  map[ID]*Session
}

type routeShard struct {
	mu sync.RWMutex
	m  map[string]*Route
}

// Manager holds the session and route tables.
type Manager struct {
	cfg  Config
	ring RingOwner

	sessions [shardCount]sessionShard
	routes   [shardCount]routeShard
}

func NewManager(cfg Config, ring RingOwner) *Manager {
	if cfg.RouteTTL == 0 {
		cfg.RouteTTL = 15 * time.Minute
	}

	m := &Manager{cfg: cfg, ring: ring}
	for i := range m.sessions {
		m.sessions[i].m = make(map[ID]*Session)
	}
	for i := range m.routes {
		m.routes[i].m = make(map[string]*Route)
	}
	return m
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

func (m *Manager) sessionShardFor(id ID) *sessionShard {
	return &m.sessions[shardIndex(string(id))]
}

func (m *Manager) routeShardFor(traceID string) *routeShard {
	return &m.routes[shardIndex(traceID)]
}

// CreateSession registers a new session for an authenticated identity.
func (m *Manager) CreateSession(identity auth.Identity, out chan wire.ServerMessage) *Session {
	s := &Session{
		ID:        ID(uuid.NewString()),
		Identity:  identity,
		CreatedAt: time.Now(),
		Out:       out,
		traces:    make(map[string]struct{}),
		closed:    make(chan struct{}),
	}

	sh := m.sessionShardFor(s.ID)
	sh.mu.Lock()
	sh.m[s.ID] = s
	sh.mu.Unlock()

	return s
}

// Lookup returns the session for id.
func (m *Manager) Lookup(id ID) (*Session, bool) {
	sh := m.sessionShardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.m[id]
	return s, ok
}

// AssignRoute resolves the querier node for traceID, creating the route
// via consistent hashing on first use. Affinity holds across ring
// changes for the route's lifetime. A trace id already owned by another
// session is rejected.
func (m *Manager) AssignRoute(sessionID ID, traceID string) (querier.NodeID, error) {
	rs := m.routeShardFor(traceID)

	rs.mu.Lock()
	if r, ok := rs.m[traceID]; ok {
		if r.Session != sessionID {
			rs.mu.Unlock()
			return "", wire.NewRouteError(wire.KindRoutingUnavailable,
				"trace id is owned by another session", false)
		}
		r.LastActive = time.Now()
		node := r.Node
		rs.mu.Unlock()
		return node, nil
	}

	node, err := m.ring.Owner(traceID)
	if err != nil {
		rs.mu.Unlock()
		return "", err
	}

	rs.m[traceID] = &Route{
		TraceID:    traceID,
		Node:       node,
		Session:    sessionID,
		LastActive: time.Now(),
	}
	rs.mu.Unlock()

	s, ok := m.Lookup(sessionID)
	if !ok {
		// Session vanished while we were assigning; roll back.
		rs.mu.Lock()
		delete(rs.m, traceID)
		rs.mu.Unlock()
		return "", wire.ErrRoutingUnavailable
	}
	s.addTrace(traceID)

	return node, nil
}

// RouteFor is the read-only lookup used on the response path.
func (m *Manager) RouteFor(traceID string) (querier.NodeID, bool) {
	rs := m.routeShardFor(traceID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.m[traceID]
	if !ok {
		return "", false
	}
	return r.Node, true
}

// ResolveSession returns the session owning traceID.
func (m *Manager) ResolveSession(traceID string) (ID, bool) {
	rs := m.routeShardFor(traceID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.m[traceID]
	if !ok {
		return "", false
	}
	return r.Session, true
}

// Touch refreshes a route's activity timestamp.
func (m *Manager) Touch(traceID string) {
	rs := m.routeShardFor(traceID)
	rs.mu.Lock()
	if r, ok := rs.m[traceID]; ok {
		r.LastActive = time.Now()
	}
	rs.mu.Unlock()
}

// ReleaseRoute removes a single trace route.
func (m *Manager) ReleaseRoute(traceID string) {
	rs := m.routeShardFor(traceID)
	rs.mu.Lock()
	r, ok := rs.m[traceID]
	if ok {
		delete(rs.m, traceID)
	}
	rs.mu.Unlock()

	if ok {
		if s, found := m.Lookup(r.Session); found {
			s.removeTrace(traceID)
		}
	}
}

// ReleaseSession removes the session and all its routes. Idempotent:
// releasing an unknown or already-released session is a no-op.
func (m *Manager) ReleaseSession(sessionID ID) {
	sh := m.sessionShardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.m[sessionID]
	if ok {
		delete(sh.m, sessionID)
	}
	sh.mu.Unlock()

	if !ok {
		return
	}

	close(s.closed)

	for _, traceID := range s.Traces() {
		rs := m.routeShardFor(traceID)
		rs.mu.Lock()
		if r, found := rs.m[traceID]; found && r.Session == sessionID {
			delete(rs.m, traceID)
		}
		rs.mu.Unlock()
	}
}

// OnNodeDown re-resolves or releases every route pointing at nodeID and
// reports what was displaced so the caller can notify the owning
// clients. In-flight requests are failed back by the connection layer;
// this only repairs the routing table.
func (m *Manager) OnNodeDown(nodeID querier.NodeID) []Displaced {
	var displaced []Displaced

	for i := range m.routes {
		rs := &m.routes[i]
		rs.mu.Lock()
		for traceID, r := range rs.m {
			if r.Node != nodeID {
				continue
			}

			d := Displaced{Session: r.Session, TraceID: traceID}
			if m.cfg.RerouteOnNodeDown {
				if next, err := m.ring.Owner(traceID); err == nil && next != nodeID {
					r.Node = next
					r.LastActive = time.Now()
					d.NewNode = next
					d.Rerouted = true
					displaced = append(displaced, d)
					continue
				}
			}

			delete(rs.m, traceID)
			displaced = append(displaced, d)
		}
		rs.mu.Unlock()
	}

	// Trim released traces from their sessions outside the route locks.
	for _, d := range displaced {
		if d.Rerouted {
			continue
		}
		if s, ok := m.Lookup(d.Session); ok {
			s.removeTrace(d.TraceID)
		}
	}

	if len(displaced) > 0 {
		slog.Info("session manager: node down, routes displaced",
			"node", nodeID, "count", len(displaced), "rerouted", m.cfg.RerouteOnNodeDown)
	}
	return displaced
}

// ActiveSessions returns the current session count.
func (m *Manager) ActiveSessions() int {
	n := 0
	for i := range m.sessions {
		m.sessions[i].mu.RLock()
		n += len(m.sessions[i].m)
		m.sessions[i].mu.RUnlock()
	}
	return n
}

// ActiveRoutes returns the current route count.
func (m *Manager) ActiveRoutes() int {
	n := 0
	for i := range m.routes {
		m.routes[i].mu.RLock()
		n += len(m.routes[i].m)
		m.routes[i].mu.RUnlock()
	}
	return n
}

// RunJanitor sweeps expired routes until ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep removes routes idle past the TTL.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.RouteTTL)
	var expired []*Route

	for i := range m.routes {
		rs := &m.routes[i]
		rs.mu.Lock()
		for traceID, r := range rs.m {
			if r.LastActive.Before(cutoff) {
				delete(rs.m, traceID)
				expired = append(expired, r)
			}
		}
		rs.mu.Unlock()
	}

	for _, r := range expired {
		if s, ok := m.Lookup(r.Session); ok {
			s.removeTrace(r.TraceID)
		}
	}

	if len(expired) > 0 {
		slog.Debug("session manager: expired idle routes", "count", len(expired))
	}
}
