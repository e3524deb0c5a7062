package cluster

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sparkmesh/clusterproxy/internal/backend"
	"github.com/sparkmesh/clusterproxy/internal/breaker"
)

// Config is the immutable, merged-with-defaults, validated record
// loaded once and held read-only by a Manager (spec.md §3 ClusterConfig).
type Config struct {
	Discovery DiscoveryConfig
	Health    HealthPolicy
	Cache     CachePolicy
	Routing   RoutingPolicy

	// NodeAPIKeys optionally maps a node id to the bearer token used to
	// authenticate against that node's OpenAI-compatible endpoint.
	NodeAPIKeys map[string]string
	NodeTimeout time.Duration

	// Breaker configures the per-node circuit breaker every discovered
	// node gets (spec.md §4.6/§4.7: the manager "owns per-node provider
	// clients", generalized here to one breaker per client).
	Breaker breaker.Config
}

// clientProber adapts a node's backend.Client into the Health
// component's transport-agnostic Prober interface by issuing a cheap
// ListModels call.
type clientProber struct {
	mu      sync.RWMutex
	clients map[string]backend.Client
}

func (p *clientProber) Probe(ctx context.Context, node Node, timeout time.Duration) (float64, error) {
	p.mu.RLock()
	client, ok := p.clients[node.ID]
	p.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no provider client for node %s", node.ID)
	}

	start := time.Now()
	_, err := client.ListModels(ctx)
	if err != nil {
		return 0, err
	}
	return float64(time.Since(start).Milliseconds()), nil
}

func (p *clientProber) set(id string, c backend.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients == nil {
		p.clients = make(map[string]backend.Client)
	}
	p.clients[id] = c
}

func (p *clientProber) delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, id)
}

func (p *clientProber) get(id string) (backend.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[id]
	return c, ok
}

// Manager is the explicit owner object spec.md §9 calls for in place of
// a process-wide singleton: callers construct one at startup, pass it
// through the request context, and tear it down with Shutdown. There is
// no package-level instance anywhere in this package.
type Manager struct {
	mu          sync.Mutex
	initialized bool

	cfg Config

	table     *Table
	discovery *Discovery
	health    *Health
	cache     *CacheTracker
	router    *Router
	prober    *clientProber

	breakersMu sync.RWMutex
	breakers   map[string]*breaker.Breaker
}

// NewManager allocates an uninitialized Manager. Call Initialize before
// use.
func NewManager() *Manager {
	return &Manager{}
}

// Initialize validates cfg, builds discovery/health/cache/router, starts
// discovery and health checking, and constructs one provider client per
// discovered node. A failing per-node client construction excludes that
// node and is logged rather than aborting the whole initialization.
// Concurrent Initialize calls: only the first succeeds; the rest get
// ErrAlreadyInitialized.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.initialized = true
	m.mu.Unlock()

	if err := validateConfig(cfg); err != nil {
		m.mu.Lock()
		m.initialized = false
		m.mu.Unlock()
		return err
	}

	m.cfg = cfg
	m.table = NewTable()
	m.prober = &clientProber{}
	m.breakers = make(map[string]*breaker.Breaker)
	m.cache = NewCacheTracker(m.table, cfg.Cache)
	m.health = NewHealth(m.table, cfg.Health, m.prober)
	m.router = NewRouter(m.table, m.cache, m.health, cfg.Routing)
	m.router.SetAdmissionCheck(func(nodeID string) bool {
		b := m.getBreaker(nodeID)
		return b == nil || b.ShouldAllowRequest()
	})

	source := NewSource(cfg.Discovery, nil)
	m.discovery = NewDiscovery(source, m.table, cfg.Discovery.PollInterval, m.onNodesRemoved)

	if err := m.discovery.Start(ctx); err != nil {
		m.mu.Lock()
		m.initialized = false
		m.mu.Unlock()
		return fmt.Errorf("cluster discovery start failed: %w", err)
	}

	m.health.Start(ctx)

	for _, n := range m.table.All() {
		client, err := m.buildClient(n)
		if err != nil {
			log.Printf("cluster: excluding node %s (%s): %v", n.ID, n.BaseURL, err)
			continue
		}
		m.prober.set(n.ID, client)
		m.setBreaker(n.ID, breaker.New(m.cfg.Breaker))
		m.table.SetStatus(n.ID, StatusHealthy)
	}

	return nil
}

func (m *Manager) setBreaker(id string, b *breaker.Breaker) {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	m.breakers[id] = b
}

func (m *Manager) getBreaker(id string) *breaker.Breaker {
	m.breakersMu.RLock()
	defer m.breakersMu.RUnlock()
	return m.breakers[id]
}

// BreakerMetrics returns a snapshot of every node's circuit breaker
// metrics, keyed by node id, for the supplemented per-node
// GET /v1/circuit-breaker/metrics shape (SPEC_FULL.md §C).
func (m *Manager) BreakerMetrics() map[string]breaker.Metrics {
	m.breakersMu.RLock()
	defer m.breakersMu.RUnlock()
	out := make(map[string]breaker.Metrics, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.GetMetrics()
	}
	return out
}

func (m *Manager) buildClient(n Node) (backend.Client, error) {
	if n.BaseURL == "" {
		return nil, fmt.Errorf("empty base URL")
	}
	return backend.New(backend.Config{
		BaseURL: n.BaseURL,
		APIKey:  m.cfg.NodeAPIKeys[n.ID],
		Timeout: m.cfg.NodeTimeout,
	}), nil
}

func (m *Manager) onNodesRemoved(ids []string) {
	for _, id := range ids {
		m.prober.delete(id)
	}
	m.breakersMu.Lock()
	for _, id := range ids {
		delete(m.breakers, id)
	}
	m.breakersMu.Unlock()
}

// SelectNode picks a node for a request, recording the sticky mapping
// as a side effect. Returns nil if no healthy node is available.
func (m *Manager) SelectNode(systemPromptHash, toolsHash, sessionID string) *RoutingDecision {
	if !m.isInitialized() {
		return nil
	}
	return m.router.SelectNodeWithSticky(RoutingContext{
		SystemPromptHash: systemPromptHash,
		ToolsHash:        toolsHash,
		SessionID:        sessionID,
	})
}

// GetNodeProvider returns the backend.Client for nodeID, or nil if the
// manager is not initialized or the node has no client (excluded at
// init, or never discovered).
func (m *Manager) GetNodeProvider(nodeID string) backend.Client {
	if !m.isInitialized() {
		return nil
	}
	c, ok := m.prober.get(nodeID)
	if !ok {
		return nil
	}
	return c
}

// RecordNodeSuccess folds a successful upstream call into health,
// in-flight and circuit-breaker bookkeeping.
func (m *Manager) RecordNodeSuccess(nodeID string, latencyMs float64) {
	if !m.isInitialized() {
		return
	}
	m.health.RecordSuccess(nodeID, latencyMs)
	m.table.IncrementInFlight(nodeID, -1)
	if b := m.getBreaker(nodeID); b != nil {
		b.RecordSuccess()
		b.RecordLatency(latencyMs)
		b.CheckLatencyThreshold()
	}
}

// RecordNodeFailure folds a failed upstream call into health
// bookkeeping.
func (m *Manager) RecordNodeFailure(nodeID string, err error) {
	if !m.isInitialized() {
		return
	}
	m.health.RecordFailure(nodeID, err)
	m.table.IncrementInFlight(nodeID, -1)
	if b := m.getBreaker(nodeID); b != nil {
		b.RecordFailure(err)
	}
}

// RecordNodeStart increments nodeID's in-flight counter when a request
// begins; paired with RecordNodeSuccess/RecordNodeFailure.
func (m *Manager) RecordNodeStart(nodeID string) {
	if !m.isInitialized() {
		return
	}
	m.table.IncrementInFlight(nodeID, 1)
}

// RecordCacheHit notes that nodeID now has promptHash warm with
// approximately tokenCount tokens cached.
func (m *Manager) RecordCacheHit(nodeID, promptHash string, tokenCount int) {
	if !m.isInitialized() {
		return
	}
	m.cache.Record(nodeID, promptHash, tokenCount)
}

// Nodes returns a snapshot of every node in the fleet, for the
// supplemented GET /v1/cluster/status endpoint.
func (m *Manager) Nodes() []Node {
	if !m.isInitialized() {
		return nil
	}
	return m.table.All()
}

func (m *Manager) isInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Shutdown tears the manager down. It is idempotent and tolerant of
// per-component failures: each component's teardown is attempted in
// turn and a panicking or failing component does not stop the rest
// (spec.md §4.7, §7). After Shutdown, GetNodeProvider returns nil and
// SelectNode returns nil.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	wasInitialized := m.initialized
	m.initialized = false
	m.mu.Unlock()

	if !wasInitialized {
		return
	}

	safely(func() {
		if m.discovery != nil {
			m.discovery.Stop()
		}
	})
	safely(func() {
		if m.health != nil {
			m.health.Stop()
		}
	})
}

func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// ErrAlreadyInitialized is returned by Initialize when called on a
// Manager that is already running.
var ErrAlreadyInitialized = fmt.Errorf("cluster: manager already initialized")

// validateConfig enforces spec.md §3/§9's config validation rules:
// static discovery must name at least one node, and every static node
// needs a non-empty base URL.
func validateConfig(cfg Config) error {
	switch cfg.Discovery.Mode {
	case DiscoveryStatic, "":
		if len(cfg.Discovery.StaticNodes) == 0 {
			return fmt.Errorf("cluster: static discovery requires at least one node")
		}
		for _, n := range cfg.Discovery.StaticNodes {
			if n.ID == "" {
				return fmt.Errorf("cluster: static node missing id")
			}
			if n.BaseURL == "" {
				return fmt.Errorf("cluster: static node %s missing base URL", n.ID)
			}
		}
	case DiscoveryExternal:
		if cfg.Discovery.Namespace == "" {
			return fmt.Errorf("cluster: external discovery requires a namespace")
		}
	default:
		return fmt.Errorf("cluster: unknown discovery mode %q", cfg.Discovery.Mode)
	}
	return nil
}
