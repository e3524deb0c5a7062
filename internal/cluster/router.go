package cluster

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy is the load-balancing strategy used once sticky-session and
// cache-affinity routing don't apply.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round-robin"
	StrategyLeastLoaded  Strategy = "least-loaded"
	StrategyCacheAware   Strategy = "cache-aware"
	StrategyLatencyBased Strategy = "latency-based"
)

// RoutingPolicy configures Router.
type RoutingPolicy struct {
	Strategy     Strategy
	MaxRetries   int
	RetryDelay   time.Duration
	StickyTTL    time.Duration
}

// DefaultRoutingPolicy mirrors typical production defaults.
func DefaultRoutingPolicy() RoutingPolicy {
	return RoutingPolicy{
		Strategy:   StrategyCacheAware,
		MaxRetries: 2,
		RetryDelay: 100 * time.Millisecond,
		StickyTTL:  10 * time.Minute,
	}
}

// RoutingContext is the per-request snapshot the router reasons over.
type RoutingContext struct {
	SystemPromptHash string
	ToolsHash        string
	SessionID        string
}

// RoutingDecision is the router's answer.
type RoutingDecision struct {
	NodeID     string
	Reason     string
	Confidence float64
}

type stickyEntry struct {
	nodeID string
	at     time.Time
}

// Router implements spec.md §4.7's selectNodeWithSticky: sticky session
// > cache affinity > configured load-balancing strategy.
type Router struct {
	table  *Table
	cache  *CacheTracker
	health *Health
	policy RoutingPolicy

	mu      sync.Mutex
	sticky  map[string]stickyEntry
	rrIndex uint64

	// allowed is an optional extra admission check (wired by the
	// manager to a circuit breaker lookup) consulted alongside node
	// health; a nil allowed means every healthy node is eligible.
	allowed func(nodeID string) bool
}

// NewRouter constructs a Router.
func NewRouter(table *Table, cache *CacheTracker, health *Health, policy RoutingPolicy) *Router {
	return &Router{
		table:  table,
		cache:  cache,
		health: health,
		policy: policy,
		sticky: make(map[string]stickyEntry),
	}
}

// SetAdmissionCheck installs an additional per-node eligibility check
// consulted by stickyLookup and healthyNodes, e.g. a circuit breaker's
// ShouldAllowRequest.
func (r *Router) SetAdmissionCheck(allowed func(nodeID string) bool) {
	r.mu.Lock()
	r.allowed = allowed
	r.mu.Unlock()
}

func (r *Router) isAdmitted(nodeID string) bool {
	r.mu.Lock()
	fn := r.allowed
	r.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn(nodeID)
}

// SelectNodeWithSticky implements the full five-step algorithm from
// spec.md §4.7. It returns nil when no healthy node is available.
func (r *Router) SelectNodeWithSticky(ctx RoutingContext) *RoutingDecision {
	if ctx.SessionID != "" {
		if d := r.stickyLookup(ctx.SessionID); d != nil {
			return d
		}
	}

	healthy := r.healthyNodes()
	if len(healthy) == 0 {
		return nil
	}

	var decision RoutingDecision

	if r.policy.Strategy == StrategyCacheAware {
		candidates := r.cache.Candidates(healthy, ctx.SystemPromptHash, 0)
		if len(candidates) > 0 {
			chosen := leastLoaded(candidates)
			decision = RoutingDecision{NodeID: chosen.ID, Reason: "cache-affinity", Confidence: 0.9}
			r.recordSticky(ctx.SessionID, chosen.ID)
			return &decision
		}
	}

	chosen := r.applyStrategy(healthy)
	if chosen == nil {
		return nil
	}

	decision = RoutingDecision{NodeID: chosen.ID, Reason: string(r.policy.Strategy), Confidence: 0.6}
	r.recordSticky(ctx.SessionID, chosen.ID)
	return &decision
}

func (r *Router) stickyLookup(sessionID string) *RoutingDecision {
	r.mu.Lock()
	entry, ok := r.sticky[sessionID]
	if ok && r.policy.StickyTTL > 0 && time.Since(entry.at) > r.policy.StickyTTL {
		delete(r.sticky, sessionID)
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if !r.health.IsHealthy(entry.nodeID) || !r.isAdmitted(entry.nodeID) {
		return nil
	}
	return &RoutingDecision{NodeID: entry.nodeID, Reason: "sticky-session", Confidence: 1.0}
}

func (r *Router) recordSticky(sessionID, nodeID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	r.sticky[sessionID] = stickyEntry{nodeID: nodeID, at: time.Now()}
	r.mu.Unlock()
}

func (r *Router) healthyNodes() []Node {
	var out []Node
	for _, n := range r.table.All() {
		if n.Status == StatusHealthy && r.isAdmitted(n.ID) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Router) applyStrategy(healthy []Node) *Node {
	switch r.policy.Strategy {
	case StrategyLeastLoaded, StrategyCacheAware:
		n := leastLoaded(healthy)
		return &n
	case StrategyLatencyBased:
		n := lowestLatency(healthy)
		return &n
	case StrategyRoundRobin:
		idx := atomic.AddUint64(&r.rrIndex, 1) - 1
		n := healthy[int(idx)%len(healthy)]
		return &n
	default:
		n := healthy[0]
		return &n
	}
}

func leastLoaded(nodes []Node) Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Metrics.RequestsInFlight < best.Metrics.RequestsInFlight {
			best = n
		} else if n.Metrics.RequestsInFlight == best.Metrics.RequestsInFlight && n.Metrics.AvgLatencyMs < best.Metrics.AvgLatencyMs {
			best = n
		}
	}
	return best
}

func lowestLatency(nodes []Node) Node {
	var best *Node
	var bestUnsampled *Node
	for i := range nodes {
		n := &nodes[i]
		if n.Metrics.AvgLatencyMs <= 0 {
			if bestUnsampled == nil {
				bestUnsampled = n
			}
			continue
		}
		if best == nil || n.Metrics.AvgLatencyMs < best.Metrics.AvgLatencyMs {
			best = n
		}
	}
	if best != nil {
		return *best
	}
	return *bestUnsampled
}

// ForgetSession drops any sticky-session mapping for sessionID,
// e.g. when a session explicitly ends.
func (r *Router) ForgetSession(sessionID string) {
	r.mu.Lock()
	delete(r.sticky, sessionID)
	r.mu.Unlock()
}
