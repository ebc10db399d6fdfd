package querier

import (
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash"
	"github.com/mulgadc/queryroute/wire"
)

// hasher implements consistent.Hasher using xxhash
type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// ringMember implements consistent.Member
type ringMember string

func (m ringMember) String() string {
	return string(m)
}

// Ring wraps the consistent-hash ring over currently healthy nodes.
// Membership changes relocate only the partitions the changed node
// owned, which bounds reassignment to roughly 1/N of live traces.
type Ring struct {
	mu      sync.RWMutex
	ring    *consistent.Consistent
	members map[NodeID]struct{}
}

// NewRing creates an empty ring. Zero values select the defaults.
func NewRing(partitionCount, replicationFactor int) *Ring {
	if partitionCount == 0 {
		partitionCount = 271
	}
	if replicationFactor == 0 {
		replicationFactor = 20
	}

	cfg := consistent.Config{
		PartitionCount:    partitionCount,
		ReplicationFactor: replicationFactor,
		Load:              1.25,
		Hasher:            hasher{},
	}

	return &Ring{
		ring:    consistent.New(nil, cfg),
		members: make(map[NodeID]struct{}),
	}
}

// Add places a node on the ring. Adding a present node is a no-op.
func (r *Ring) Add(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; ok {
		return
	}
	r.members[id] = struct{}{}
	r.ring.Add(ringMember(id))
}

// Remove takes a node off the ring. Removing an absent node is a no-op.
func (r *Ring) Remove(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	r.ring.Remove(string(id))
}

// Owner returns the node owning hash(key), or NoHealthyNode if the ring
// is empty.
func (r *Ring) Owner(key string) (NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) == 0 {
		return "", wire.ErrNoHealthyNode
	}
	return NodeID(r.ring.LocateKey([]byte(key)).String()), nil
}

// Fallbacks returns up to n nodes for key in preference order, the
// owner first. Used for next-node-in-ring rerouting.
func (r *Ring) Fallbacks(key string, n int) ([]NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) == 0 {
		return nil, wire.ErrNoHealthyNode
	}
	if n > len(r.members) {
		n = len(r.members)
	}

	members, err := r.ring.GetClosestN([]byte(key), n)
	if err != nil {
		return nil, err
	}

	ids := make([]NodeID, 0, len(members))
	for _, m := range members {
		ids = append(ids, NodeID(m.String()))
	}
	return ids, nil
}

// Size returns the number of nodes on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Contains reports whether id is on the ring.
func (r *Ring) Contains(id NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}
