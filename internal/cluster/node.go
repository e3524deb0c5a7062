// Package cluster implements the worker-node fleet: discovery, health
// tracking, cache-affinity tracking, cache-aware routing, and the
// manager that composes them, per spec.md §4.7 and §9 (no ambient
// singleton — callers construct and hold an explicit Manager).
package cluster

import (
	"sync"
	"time"
)

// Status is a Node's current lifecycle/health state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusHealthy       Status = "healthy"
	StatusDegraded      Status = "degraded"
	StatusUnhealthy     Status = "unhealthy"
	StatusOffline        Status = "offline"
)

// HealthSample is a Node's latest observed health snapshot.
type HealthSample struct {
	LastCheck           time.Time
	ConsecutiveFailures int
	MovingAvgLatencyMs  float64
	ErrorRate           float64
}

// CacheState is a Node's latest known prompt-prefix cache snapshot.
type CacheState struct {
	SystemPromptHash   string
	CachedTokens       int
	LastUpdated        time.Time
}

// NodeMetrics carries load/throughput counters for a Node.
type NodeMetrics struct {
	RequestsInFlight int
	TotalRequests    int64
	CacheHitRate     float64
	AvgLatencyMs     float64
}

// Node is one member of the inference worker fleet. Node itself is a
// plain snapshot value; all mutation happens through Table, Health, and
// CacheTracker so that a Node value handed to a caller is never mutated
// out from under it.
type Node struct {
	ID      string
	BaseURL string
	Status  Status
	Health  HealthSample
	Cache   CacheState
	Metrics NodeMetrics
}

// Table owns the authoritative node set. Membership changes only through
// Discovery snapshots; per-node status, health, cache and metrics are
// written through the mutating methods below. One lock per spec.md §5's
// "per-structure lock; reads use snapshot semantics" rule.
type Table struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewTable constructs an empty node table.
func NewTable() *Table {
	return &Table{nodes: make(map[string]*Node)}
}

// Snapshot applies a discovery pass: nodes present in next are added or
// updated (preserving existing health/cache/metrics state for ids that
// survive), nodes absent from next are removed, releasing their cache
// state. It returns the ids removed so the manager can also release
// their provider clients.
func (t *Table) Snapshot(next []Node) (removedIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(next))
	for _, n := range next {
		seen[n.ID] = true
		if existing, ok := t.nodes[n.ID]; ok {
			existing.BaseURL = n.BaseURL
			if existing.Status == "" {
				existing.Status = StatusInitializing
			}
			continue
		}
		nn := n
		if nn.Status == "" {
			nn.Status = StatusInitializing
		}
		t.nodes[n.ID] = &nn
	}

	for id := range t.nodes {
		if !seen[id] {
			removedIDs = append(removedIDs, id)
			delete(t.nodes, id)
		}
	}
	return removedIDs
}

// All returns a point-in-time copy of every node.
func (t *Table) All() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	return out
}

// Get returns a copy of the node with id, if present.
func (t *Table) Get(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// mutate runs fn against the live node for id under the write lock. It
// is the single mutation seam behind every per-node write; it applies
// writes as given and does not itself enforce the "monotone status
// transition" invariant (see SetStatus).
func (t *Table) mutate(id string, fn func(*Node)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	fn(n)
}

// SetStatus transitions id to status, enforcing at most one transition
// per check interval via lastTransition bookkeeping handled by the
// caller (Health); Table itself just applies the write.
func (t *Table) SetStatus(id string, status Status) {
	t.mutate(id, func(n *Node) {
		n.Status = status
	})
}

// UpdateHealth overwrites id's HealthSample.
func (t *Table) UpdateHealth(id string, h HealthSample) {
	t.mutate(id, func(n *Node) {
		n.Health = h
	})
}

// UpdateCache overwrites id's CacheState.
func (t *Table) UpdateCache(id string, c CacheState) {
	t.mutate(id, func(n *Node) {
		n.Cache = c
	})
}

// IncrementInFlight adjusts id's in-flight counter by delta (positive on
// request start, negative on completion) and bumps the total-requests
// counter when delta > 0.
func (t *Table) IncrementInFlight(id string, delta int) {
	t.mutate(id, func(n *Node) {
		n.Metrics.RequestsInFlight += delta
		if delta > 0 {
			n.Metrics.TotalRequests++
		}
		if n.Metrics.RequestsInFlight < 0 {
			n.Metrics.RequestsInFlight = 0
		}
	})
}

// UpdateLatency folds a new latency sample into id's moving average
// using an exponential moving average with the given smoothing factor.
func (t *Table) UpdateLatency(id string, latencyMs float64, alpha float64) {
	t.mutate(id, func(n *Node) {
		if n.Metrics.AvgLatencyMs == 0 {
			n.Metrics.AvgLatencyMs = latencyMs
			return
		}
		n.Metrics.AvgLatencyMs = alpha*latencyMs + (1-alpha)*n.Metrics.AvgLatencyMs
	})
}
