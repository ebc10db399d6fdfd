// Package querier owns the router's querier-facing plumbing: the node
// registry and consistent-hash ring, the per-node connection state
// machine, the connection pool, and the querier-side stream server.
package querier

// NodeID identifies one querier node for the lifetime of its membership.
type NodeID string

// Health is the pool's view of a node. Only healthy nodes sit on the
// hash ring; suspected nodes keep their existing routes until they are
// either re-established or declared dead.
type Health int32

const (
	HealthHealthy Health = iota
	HealthSuspected
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthSuspected:
		return "suspected"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Node is one querier's identity and address.
type Node struct {
	ID     NodeID
	Addr   string
	Weight int
}
