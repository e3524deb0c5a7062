package cluster

import (
	"context"
	"sync"
	"time"
)

// HealthPolicy configures Health.
type HealthPolicy struct {
	CheckInterval            time.Duration
	CheckTimeout             time.Duration
	UnhealthyThreshold       float64 // error rate in [0,1]
	MaxConsecutiveFailures   int
	HealthyAfterSuccesses    int
}

// DefaultHealthPolicy mirrors typical production defaults.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		CheckInterval:          10 * time.Second,
		CheckTimeout:           2 * time.Second,
		UnhealthyThreshold:     0.5,
		MaxConsecutiveFailures: 3,
		HealthyAfterSuccesses:  2,
	}
}

// Prober executes a single health check against a node and reports
// success/latency or an error. The concrete prober is the manager's
// clientProber, which calls ListModels on the node's internal/backend
// client; Health itself is transport-agnostic.
type Prober interface {
	Probe(ctx context.Context, node Node, timeout time.Duration) (latencyMs float64, err error)
}

type nodeHealthBookkeeping struct {
	requestCount        int
	failureCount        int
	consecutiveFailures int
	consecutiveSuccesses int
	lastTransition      time.Time
}

// Health tracks per-node error rate and consecutive failures/successes,
// and declares nodes healthy/unhealthy, enforcing at most one status
// transition per check interval (spec.md §3 invariant). The error rate
// is computed over every call recorded for a node since it was first
// seen; it does not decay over time.
type Health struct {
	mu       sync.Mutex
	table    *Table
	policy   HealthPolicy
	book     map[string]*nodeHealthBookkeeping
	prober   Prober
	cancel   context.CancelFunc
}

// NewHealth constructs a Health tracker writing into table.
func NewHealth(table *Table, policy HealthPolicy, prober Prober) *Health {
	return &Health{
		table:  table,
		policy: policy,
		book:   make(map[string]*nodeHealthBookkeeping),
		prober: prober,
	}
}

func (h *Health) bookFor(id string) *nodeHealthBookkeeping {
	b, ok := h.book[id]
	if !ok {
		b = &nodeHealthBookkeeping{}
		h.book[id] = b
	}
	return b
}

// RecordSuccess folds a successful call's latency into id's rolling
// stats and re-evaluates its status.
func (h *Health) RecordSuccess(id string, latencyMs float64) {
	h.mu.Lock()
	b := h.bookFor(id)
	b.requestCount++
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	h.mu.Unlock()

	h.table.UpdateLatency(id, latencyMs, 0.2)
	h.evaluate(id)
}

// RecordFailure folds a failed call into id's rolling stats and
// re-evaluates its status. err is accepted for interface symmetry with
// spec.md §4.7; it is not inspected.
func (h *Health) RecordFailure(id string, err error) {
	h.mu.Lock()
	b := h.bookFor(id)
	b.requestCount++
	b.failureCount++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	h.mu.Unlock()

	h.evaluate(id)
}

func (h *Health) errorRate(id string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.book[id]
	if b == nil || b.requestCount == 0 {
		return 0
	}
	return float64(b.failureCount) / float64(b.requestCount)
}

// evaluate refreshes id's HealthSample on every call, then recomputes
// its status and writes it to the table, honoring the "at most one
// transition per check interval" invariant.
func (h *Health) evaluate(id string) {
	h.mu.Lock()
	b := h.bookFor(id)
	now := time.Now()
	throttled := !b.lastTransition.IsZero() && now.Sub(b.lastTransition) < h.policy.CheckInterval
	errorRate := h.errorRateLocked(b)
	consecutiveFailures := b.consecutiveFailures
	unhealthy := errorRate >= h.policy.UnhealthyThreshold || b.consecutiveFailures >= h.policy.MaxConsecutiveFailures
	recoverable := b.consecutiveSuccesses >= h.policy.HealthyAfterSuccesses
	h.mu.Unlock()

	node, ok := h.table.Get(id)
	if !ok {
		return
	}

	h.table.UpdateHealth(id, HealthSample{
		LastCheck:           now,
		ConsecutiveFailures: consecutiveFailures,
		MovingAvgLatencyMs:  node.Metrics.AvgLatencyMs,
		ErrorRate:           errorRate,
	})
	if throttled {
		return
	}

	var newStatus Status
	switch {
	case unhealthy:
		newStatus = StatusUnhealthy
	case node.Status == StatusUnhealthy && recoverable:
		newStatus = StatusHealthy
	case node.Status == StatusInitializing:
		newStatus = StatusHealthy
	default:
		return
	}

	if newStatus == node.Status {
		return
	}

	h.mu.Lock()
	b.lastTransition = now
	h.mu.Unlock()

	h.table.SetStatus(id, newStatus)
}

func (h *Health) errorRateLocked(b *nodeHealthBookkeeping) float64 {
	if b.requestCount == 0 {
		return 0
	}
	return float64(b.failureCount) / float64(b.requestCount)
}

// IsHealthy is a read-only query over the table's current status.
func (h *Health) IsHealthy(id string) bool {
	n, ok := h.table.Get(id)
	if !ok {
		return false
	}
	return n.Status == StatusHealthy
}

// GetNodeHealth returns id's current HealthSample.
func (h *Health) GetNodeHealth(id string) (HealthSample, bool) {
	n, ok := h.table.Get(id)
	if !ok {
		return HealthSample{}, false
	}
	return n.Health, true
}

// Start begins periodic probing of every node in the table, using
// prober. It is a no-op if no Prober was supplied or CheckInterval is
// not positive; health status is then driven entirely by
// RecordSuccess/RecordFailure from the request path. Manager always
// supplies a Prober, so its nodes are probed whenever CheckInterval > 0.
func (h *Health) Start(ctx context.Context) {
	if h.prober == nil || h.policy.CheckInterval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	go func() {
		ticker := time.NewTicker(h.policy.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				for _, n := range h.table.All() {
					n := n
					go func() {
						pctx, cancel := context.WithTimeout(loopCtx, h.policy.CheckTimeout)
						defer cancel()
						latency, err := h.prober.Probe(pctx, n, h.policy.CheckTimeout)
						if err != nil {
							h.RecordFailure(n.ID, err)
							return
						}
						h.RecordSuccess(n.ID, latency)
					}()
				}
			}
		}
	}()
}

// Stop halts periodic probing.
func (h *Health) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}
