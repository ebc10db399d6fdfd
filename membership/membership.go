// Package membership models querier fleet discovery as an event stream.
// The router consumes events; where they come from (static config, DNS,
// an orchestrator watch) is the concern of the Watcher implementation.
package membership

import "sync"

// Node describes one querier as reported by discovery.
type Node struct {
	ID     string
	Addr   string
	Weight int
}

// Event is one membership delta. Added and Removed are disjoint within
// a single event.
type Event struct {
	Added   []Node
	Removed []string
}

// Watcher delivers membership events. The channel is closed when the
// watcher is closed.
type Watcher interface {
	Events() <-chan Event
	Close() error
}

// StaticWatcher emits the configured node set as a single event and
// then stays silent. Used when the fleet is fixed in the config file.
type StaticWatcher struct {
	ch chan Event
}

func NewStatic(nodes []Node) *StaticWatcher {
	w := &StaticWatcher{ch: make(chan Event, 1)}
	if len(nodes) > 0 {
		w.ch <- Event{Added: nodes}
	}
	return w
}

func (w *StaticWatcher) Events() <-chan Event {
	return w.ch
}

func (w *StaticWatcher) Close() error {
	close(w.ch)
	return nil
}

// ManualWatcher is fed programmatically. Tests and embedders bridging an
// external discovery system publish deltas into it.
type ManualWatcher struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewManual() *ManualWatcher {
	return &ManualWatcher{ch: make(chan Event, 16)}
}

func (w *ManualWatcher) Events() <-chan Event {
	return w.ch
}

// Publish queues an event. Publishing to a closed watcher is a no-op.
func (w *ManualWatcher) Publish(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.ch <- ev
}

func (w *ManualWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	return nil
}
