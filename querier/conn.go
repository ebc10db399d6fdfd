package querier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mulgadc/queryroute/wire"
)

// ConnState is the lifecycle state of one querier connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateEstablished
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is the transport under one querier connection. *quic.Stream
// satisfies it; tests substitute net.Pipe.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer opens the transport to one node address.
type Dialer func(ctx context.Context, addr string) (Stream, error)

// ResponseFunc receives frames arriving from a node. The pool invokes it
// sequentially per connection, so per-trace ordering is the stream order.
// It also receives synthetic error frames (FlagConnLost set) for traces
// that were in flight when the connection was lost.
type ResponseFunc func(node NodeID, f wire.Frame)

// HealthFunc receives connection-driven health transitions.
type HealthFunc func(node NodeID, h Health)

// ConnConfig tunes one querier connection. Zero values select defaults.
type ConnConfig struct {
	SendQueueSize     int
	DialTimeout       time.Duration
	MaxDialRetries    int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxDialRetries == 0 {
		c.MaxDialRetries = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMisses == 0 {
		c.HeartbeatMisses = 3
	}
	return c
}

// Conn is one persistent connection to a querier node, multiplexing all
// traces routed to that node. It reconnects on transient failure with
// bounded exponential backoff and reports dead after MaxDialRetries
// consecutive dial failures.
type Conn struct {
	node Node
	cfg  ConnConfig
	dial Dialer

	onResponse ResponseFunc
	onHealth   HealthFunc

	state atomic.Int32
	seq   atomic.Uint64

	// lastHeard is the unix-nano timestamp of the last inbound frame;
	// any traffic counts as liveness, not just PONGs.
	lastHeard atomic.Int64

	mu       sync.Mutex
	estCh    chan struct{} // closed on establish, replaced on loss
	inflight map[string]struct{}

	sendq chan wire.Frame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(node Node, cfg ConnConfig, dial Dialer, onResponse ResponseFunc, onHealth HealthFunc) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		node:       node,
		cfg:        cfg.withDefaults(),
		dial:       dial,
		onResponse: onResponse,
		onHealth:   onHealth,
		estCh:      make(chan struct{}),
		inflight:   make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.sendq = make(chan wire.Frame, c.cfg.SendQueueSize)
	c.state.Store(int32(StateConnecting))

	go c.run()
	return c
}

// Node returns the node this connection serves.
func (c *Conn) Node() Node {
	return c.node
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Done is closed once the connection has shut down for good.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send enqueues one payload frame for traceID. It fails fast with
// ConnectionUnavailable when the link is not established and with
// Backpressure when the outbound queue is full; it never blocks.
func (c *Conn) Send(traceID string, payload []byte) error {
	if c.State() != StateEstablished {
		return wire.ErrConnectionUnavailable
	}

	// Reject oversized frames here, before they reach the shared link:
	// a WriteFrame failure inside writeLoop would tear down the
	// connection for every trace on this node.
	if len(traceID) > int(wire.MaxTraceIDLen) || len(payload) > int(wire.MaxPayloadLen) {
		return wire.NewRouteError(wire.KindProtocolViolation,
			"frame exceeds protocol limits", false)
	}

	f := wire.Frame{
		Type:    wire.FrameData,
		Seq:     c.seq.Add(1),
		TraceID: traceID,
		Payload: payload,
	}

	// Track before enqueuing: the response can arrive and clear the
	// entry before Send returns.
	c.trackTrace(traceID)
	select {
	case c.sendq <- f:
	default:
		c.forgetTrace(traceID)
		return wire.ErrBackpressure
	}
	return nil
}

// CancelTrace tells the querier to stop work for traceID and drops it
// from the in-flight table. Best effort: if the queue is full the END
// frame is skipped, the querier will notice via its own idle handling.
func (c *Conn) CancelTrace(traceID string) {
	c.forgetTrace(traceID)
	if c.State() != StateEstablished {
		return
	}
	select {
	case c.sendq <- wire.Frame{Type: wire.FrameEnd, Seq: c.seq.Add(1), TraceID: traceID}:
	default:
	}
}

// WaitEstablished blocks until the connection is established, the
// context expires, or the connection gives up.
func (c *Conn) WaitEstablished(ctx context.Context) error {
	for {
		switch c.State() {
		case StateEstablished:
			return nil
		case StateDraining, StateClosed:
			return wire.ErrConnectionUnavailable
		}

		c.mu.Lock()
		ch := c.estCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-c.done:
			return wire.ErrConnectionUnavailable
		case <-ctx.Done():
			return wire.NewRouteError(wire.KindRoutingUnavailable,
				"timed out waiting for querier connection", true)
		}
	}
}

// Drain stops accepting new sends and closes the connection once the
// in-flight table empties or the timeout elapses.
func (c *Conn) Drain(timeout time.Duration) {
	if !c.state.CompareAndSwap(int32(StateEstablished), int32(StateDraining)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateDraining)) {
		return
	}

	go func() {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()

		for {
			select {
			case <-deadline.C:
				c.Close()
				return
			case <-tick.C:
				if c.inflightCount() == 0 {
					c.Close()
					return
				}
			case <-c.done:
				return
			}
		}
	}()
}

// Close shuts the connection down and waits for its goroutines to exit.
// Idempotent.
func (c *Conn) Close() {
	c.cancel()
	<-c.done
}

// run owns the reconnect loop: dial with bounded exponential backoff,
// serve until the link fails, repeat. MaxDialRetries consecutive dial
// failures declare the node dead.
func (c *Conn) run() {
	defer close(c.done)

	retries := 0
	backoff := c.cfg.BackoffBase

	for {
		if c.ctx.Err() != nil {
			c.state.Store(int32(StateClosed))
			c.failInflight()
			return
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		st, err := c.dial(dialCtx, c.node.Addr)
		cancel()

		if err != nil {
			retries++
			if retries >= c.cfg.MaxDialRetries {
				slog.Warn("querier conn: giving up",
					"node", c.node.ID, "addr", c.node.Addr, "attempts", retries, "error", err)
				c.state.Store(int32(StateClosed))
				c.failInflight()
				c.report(HealthDead)
				return
			}

			slog.Debug("querier conn: dial failed, backing off",
				"node", c.node.ID, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-c.ctx.Done():
				c.state.Store(int32(StateClosed))
				return
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			continue
		}

		retries = 0
		backoff = c.cfg.BackoffBase

		if !c.establish() {
			// Drain or close requested while the dial was in flight.
			_ = st.Close()
			c.state.Store(int32(StateClosed))
			c.failInflight()
			return
		}
		c.report(HealthHealthy)

		err = c.serve(st)
		_ = st.Close()

		if c.ctx.Err() != nil || c.State() == StateDraining || c.State() == StateClosed {
			c.state.Store(int32(StateClosed))
			c.failInflight()
			return
		}

		slog.Warn("querier conn: lost, reconnecting",
			"node", c.node.ID, "addr", c.node.Addr, "error", err)
		c.lose()
	}
}

// serve runs the reader, writer and heartbeat loops for one transport
// epoch and returns the first failure.
func (c *Conn) serve(st Stream) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- c.readLoop(st) }()
	go func() { errCh <- c.writeLoop(ctx, st) }()
	go func() { errCh <- c.heartbeatLoop(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-c.ctx.Done():
		err = c.ctx.Err()
	}

	cancel()
	// Unblock the reader; the remaining goroutines park their errors in
	// the buffered channel and exit.
	_ = st.Close()
	return err
}

func (c *Conn) readLoop(st Stream) error {
	br := bufio.NewReaderSize(st, 64*1024)

	for {
		f, err := wire.ReadFrame(br)
		if err != nil {
			if errors.Is(err, wire.ErrBadVersion) || errors.Is(err, wire.ErrBadFrameType) || errors.Is(err, wire.ErrFieldTooLarge) {
				// Protocol integrity: a malformed frame fails the whole
				// connection rather than being skipped.
				slog.Error("querier conn: protocol violation",
					"node", c.node.ID, "error", err)
				return fmt.Errorf("%w: %v", wire.ErrProtocolViolation, err)
			}
			return err
		}

		c.lastHeard.Store(time.Now().UnixNano())

		switch f.Type {
		case wire.FramePong:
			// liveness only
		case wire.FramePing:
			c.tryEnqueue(wire.Frame{Type: wire.FramePong, Seq: f.Seq})
		case wire.FrameData:
			c.onResponse(c.node.ID, f)
		case wire.FrameError, wire.FrameEnd:
			c.forgetTrace(f.TraceID)
			c.onResponse(c.node.ID, f)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, st Stream) error {
	bw := bufio.NewWriterSize(st, 64*1024)

	for {
		select {
		case f := <-c.sendq:
			if err := wire.WriteFrame(bw, f); err != nil {
				return err
			}
			// Batch whatever else is queued before flushing.
		drain:
			for {
				select {
				case f := <-c.sendq:
					if err := wire.WriteFrame(bw, f); err != nil {
						return err
					}
				default:
					break drain
				}
			}
			if err := bw.Flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	c.lastHeard.Store(time.Now().UnixNano())

	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			idle := time.Since(time.Unix(0, c.lastHeard.Load()))
			if idle > c.cfg.HeartbeatInterval*time.Duration(c.cfg.HeartbeatMisses) {
				return fmt.Errorf("heartbeat: no traffic for %s", idle.Round(time.Millisecond))
			}
			c.tryEnqueue(wire.Frame{Type: wire.FramePing, Seq: c.seq.Add(1)})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryEnqueue is for control frames: best effort, never blocks. A full
// queue already signals the condition heartbeats exist to detect.
func (c *Conn) tryEnqueue(f wire.Frame) {
	select {
	case c.sendq <- f:
	default:
	}
}

// establish flips connecting -> established and wakes waiters.
func (c *Conn) establish() bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateEstablished)) {
		return false
	}
	c.lastHeard.Store(time.Now().UnixNano())

	c.mu.Lock()
	close(c.estCh)
	c.mu.Unlock()
	return true
}

// lose flips established -> connecting after a transport failure,
// fails in-flight traces back to their owners and reports suspect.
func (c *Conn) lose() {
	c.state.Store(int32(StateConnecting))

	c.mu.Lock()
	c.estCh = make(chan struct{})
	c.mu.Unlock()

	c.failInflight()
	c.report(HealthSuspected)
}

func (c *Conn) report(h Health) {
	if c.onHealth != nil {
		c.onHealth(c.node.ID, h)
	}
}

func (c *Conn) trackTrace(traceID string) {
	c.mu.Lock()
	c.inflight[traceID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) forgetTrace(traceID string) {
	c.mu.Lock()
	delete(c.inflight, traceID)
	c.mu.Unlock()
}

func (c *Conn) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// failInflight emits a synthetic, retryable error frame for every trace
// that was awaiting a response on this link. The frames carry
// FlagConnLost so the dispatcher can tell them from querier-reported
// query failures.
func (c *Conn) failInflight() {
	c.mu.Lock()
	pending := make([]string, 0, len(c.inflight))
	for traceID := range c.inflight {
		pending = append(pending, traceID)
	}
	c.inflight = make(map[string]struct{})
	c.mu.Unlock()

	if c.onResponse == nil {
		return
	}
	for _, traceID := range pending {
		c.onResponse(c.node.ID, wire.Frame{
			Type:    wire.FrameError,
			Flags:   wire.FlagConnLost,
			TraceID: traceID,
			Payload: []byte("querier connection lost"),
		})
	}
}
