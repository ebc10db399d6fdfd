package querier

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/mulgadc/queryroute/membership"
	"github.com/mulgadc/queryroute/wire"
	"github.com/quic-go/quic-go"
)

const alpn = "queryroute-v1"

// PoolConfig configures the connection pool.
type PoolConfig struct {
	Conn ConnConfig

	// Hash ring tuning (see Ring).
	PartitionCount    int
	ReplicationFactor int

	// DrainTimeout bounds how long a removed node's connection lingers
	// waiting for its in-flight traces.
	DrainTimeout time.Duration

	// TLSConfig overrides the outbound QUIC TLS setup.
	TLSConfig *tls.Config

	// Dial overrides the transport; defaults to DialQUIC. Tests inject
	// in-memory pipes here.
	Dial Dialer

	// OnResponse receives every frame arriving from any node.
	OnResponse ResponseFunc

	// OnNodeDown fires when a node leaves membership or is declared
	// dead, after the ring has been updated.
	OnNodeDown func(NodeID)

	// OnHealthChange observes health transitions (metrics hook).
	OnHealthChange HealthFunc
}

type nodeState struct {
	node   Node
	health Health
}

// Pool owns the physical querier connections and the hash ring.
// Connections are created lazily, at most one per node; concurrent
// callers for the same node coalesce onto the same dial attempt.
type Pool struct {
	cfg  PoolConfig
	ring *Ring

	mu     sync.RWMutex
	conns  map[NodeID]*Conn
	nodes  map[NodeID]*nodeState
	closed bool
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = DialQUIC(cfg.TLSConfig)
	}

	return &Pool{
		cfg:   cfg,
		ring:  NewRing(cfg.PartitionCount, cfg.ReplicationFactor),
		conns: make(map[NodeID]*Conn),
		nodes: make(map[NodeID]*nodeState),
	}
}

// Ring exposes the hash ring for route assignment.
func (p *Pool) Ring() *Ring {
	return p.ring
}

// Owner returns the ring owner for a trace id.
func (p *Pool) Owner(traceID string) (NodeID, error) {
	return p.ring.Owner(traceID)
}

// ConnFor returns the established connection for nodeID, dialing lazily.
// It blocks until the connection is established or ctx expires.
func (p *Pool) ConnFor(ctx context.Context, nodeID NodeID) (*Conn, error) {
	p.mu.RLock()
	st, known := p.nodes[nodeID]
	c := p.conns[nodeID]
	closed := p.closed
	// health is mutated under the write lock; read it before unlocking.
	dead := known && st.health == HealthDead
	p.mu.RUnlock()

	if closed || !known || dead {
		return nil, wire.ErrConnectionUnavailable
	}

	if c == nil {
		c = p.createConn(nodeID)
		if c == nil {
			return nil, wire.ErrConnectionUnavailable
		}
	}

	if err := c.WaitEstablished(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Existing returns the connection for nodeID without dialing.
func (p *Pool) Existing(nodeID NodeID) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[nodeID]
	return c, ok
}

// createConn creates the per-node connection under the write lock.
func (p *Pool) createConn(nodeID NodeID) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock: a concurrent caller may
	// have started the dial; both then wait on the same connection.
	if c, ok := p.conns[nodeID]; ok {
		return c
	}

	st, ok := p.nodes[nodeID]
	if !ok || p.closed || st.health == HealthDead {
		return nil
	}

	c := newConn(st.node, p.cfg.Conn, p.cfg.Dial, p.cfg.OnResponse, p.healthChanged)
	p.conns[nodeID] = c
	return c
}

// Apply folds one membership event into the pool: added nodes join the
// ring immediately; removed nodes leave the ring, drain their
// connections gracefully and trigger the node-down callback.
func (p *Pool) Apply(ev membership.Event) {
	var drains []*Conn
	var downs []NodeID

	p.mu.Lock()
	for _, n := range ev.Added {
		id := NodeID(n.ID)
		p.nodes[id] = &nodeState{
			node:   Node{ID: id, Addr: n.Addr, Weight: n.Weight},
			health: HealthHealthy,
		}
		p.ring.Add(id)
		slog.Info("querier pool: node added", "node", id, "addr", n.Addr)
	}
	for _, raw := range ev.Removed {
		id := NodeID(raw)
		if _, ok := p.nodes[id]; !ok {
			continue
		}
		p.ring.Remove(id)
		delete(p.nodes, id)
		if c, ok := p.conns[id]; ok {
			drains = append(drains, c)
		}
		downs = append(downs, id)
		slog.Info("querier pool: node removed", "node", id)
	}
	p.mu.Unlock()

	// No hard cut: the connection keeps serving responses for routed
	// traces until they drain or the timeout elapses.
	for _, c := range drains {
		c.Drain(p.cfg.DrainTimeout)
		go p.reapWhenDone(c)
	}

	if p.cfg.OnNodeDown != nil {
		for _, id := range downs {
			p.cfg.OnNodeDown(id)
		}
	}
}

func (p *Pool) reapWhenDone(c *Conn) {
	<-c.Done()
	p.mu.Lock()
	if p.conns[c.Node().ID] == c {
		delete(p.conns, c.Node().ID)
	}
	p.mu.Unlock()
}

// healthChanged is the Conn health callback. Ring membership tracks
// health: suspected and dead nodes come off the ring, a recovered node
// goes back on.
func (p *Pool) healthChanged(nodeID NodeID, h Health) {
	notifyDown := false

	p.mu.Lock()
	if st, ok := p.nodes[nodeID]; ok {
		st.health = h
		switch h {
		case HealthHealthy:
			p.ring.Add(nodeID)
		case HealthSuspected:
			p.ring.Remove(nodeID)
		case HealthDead:
			p.ring.Remove(nodeID)
			delete(p.conns, nodeID)
			notifyDown = true
		}
	}
	p.mu.Unlock()

	slog.Info("querier pool: node health", "node", nodeID, "health", h.String())

	if p.cfg.OnHealthChange != nil {
		p.cfg.OnHealthChange(nodeID, h)
	}
	if notifyDown && p.cfg.OnNodeDown != nil {
		p.cfg.OnNodeDown(nodeID)
	}
}

// HealthyCount returns the number of nodes currently on the ring.
func (p *Pool) HealthyCount() int {
	return p.ring.Size()
}

// ConnCount returns the number of live connections.
func (p *Pool) ConnCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close shuts down every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for id, c := range p.conns {
		conns = append(conns, c)
		delete(p.conns, id)
	}
	p.closed = true
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// quicStream ties the single long-lived stream to its parent QUIC
// connection so closing the link tears down both.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "bye")
}

// DialQUIC returns the production dialer: one QUIC connection per node
// carrying one bidirectional stream for all traces.
func DialQUIC(tlsConf *tls.Config) Dialer {
	return func(ctx context.Context, addr string) (Stream, error) {
		tc := tlsConf
		if tc == nil {
			tc = &tls.Config{
				InsecureSkipVerify: true, // demo only. Use mTLS with your CA in prod.
				NextProtos:         []string{alpn},
			}
		}

		conn, err := quic.DialAddr(ctx, addr, tc, &quic.Config{
			HandshakeIdleTimeout: 5 * time.Second,
			KeepAlivePeriod:      15 * time.Second,
			MaxIdleTimeout:       120 * time.Second,
		})
		if err != nil {
			return nil, err
		}

		st, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open stream")
			return nil, err
		}

		return &quicStream{Stream: st, conn: conn}, nil
	}
}
