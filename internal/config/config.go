// Package config loads, merges, and validates the cluster's immutable
// ClusterConfig record (spec.md §3, §6): a JSON config file overridden
// by environment variables, both overriding built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sparkmesh/clusterproxy/internal/apierror"
	"github.com/sparkmesh/clusterproxy/internal/breaker"
	"github.com/sparkmesh/clusterproxy/internal/cluster"
)

// fileConfig is the on-disk JSON shape read from the config file path.
// Unknown fields are ignored (spec.md §6).
type fileConfig struct {
	Discovery *discoveryFile `json:"discovery"`
	Health    *healthFile    `json:"health"`
	Cache     *cacheFile     `json:"cache"`
	Routing   *routingFile   `json:"routing"`
}

type discoveryFile struct {
	Mode         string            `json:"mode"`
	StaticNodes  []staticNodeFile  `json:"staticNodes"`
	Namespace    string            `json:"namespace"`
	Selector     string            `json:"selector"`
	PollInterval *int              `json:"pollIntervalSec"`
}

type staticNodeFile struct {
	ID      string `json:"id"`
	BaseURL string `json:"baseUrl"`
}

type healthFile struct {
	CheckIntervalSec       *int     `json:"checkIntervalSec"`
	CheckTimeoutSec        *int     `json:"checkTimeoutSec"`
	UnhealthyThreshold     *float64 `json:"unhealthyThreshold"`
	MaxConsecutiveFailures *int     `json:"maxConsecutiveFailures"`
	HealthyAfterSuccesses  *int     `json:"healthyAfterSuccesses"`
}

type cacheFile struct {
	MaxAgeSec          *int     `json:"maxAgeSec"`
	MinHitRateToPrefer *float64 `json:"minHitRateToPrefer"`
	MaxCacheSizeTokens *int     `json:"maxCacheSizeTokens"`
}

type routingFile struct {
	Strategy   string `json:"strategy"`
	MaxRetries *int   `json:"maxRetries"`
	RetryDelayMs *int `json:"retryDelayMs"`
	StickyTTLSec *int `json:"stickyTtlSec"`
}

// deprecatedKeyRenames maps an old top-level env var name to its
// replacement, per spec.md §9's deprecated-key migration note.
var deprecatedKeyRenames = map[string]string{
	"CLUSTER_NODE_LIST":    "CLUSTER_NODES",
	"CLUSTER_HEALTH_CHECK": "CLUSTER_HEALTH_INTERVAL_SEC",
}

var (
	warnOnceMu   sync.Mutex
	warnedKeys   = map[string]bool{}
)

// Migrate warns once per deprecated env var actually set in the
// process environment, naming the replacement key in the warning. It
// returns nothing and never mutates os.Environ.
func Migrate() {
	warnOnceMu.Lock()
	defer warnOnceMu.Unlock()
	for old, replacement := range deprecatedKeyRenames {
		if _, set := os.LookupEnv(old); set && !warnedKeys[old] {
			warnedKeys[old] = true
			fmt.Fprintf(os.Stderr, "config: %s is deprecated, use %s instead\n", old, replacement)
		}
	}
}

// Load reads configFilePath (if non-empty), overrides with environment
// variables, merges in defaults for anything still unset, and
// validates the result. Env overrides file; file overrides defaults.
func Load(configFilePath string) (cluster.Config, error) {
	Migrate()

	fc := fileConfig{}
	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return cluster.Config{}, apierror.NewConfigError(apierror.CodeFileNotFound, configFilePath, "config file not found")
			}
			return cluster.Config{}, apierror.NewConfigError(apierror.CodeParseError, configFilePath, err.Error())
		}
		if err := json.Unmarshal(data, &fc); err != nil {
			return cluster.Config{}, apierror.NewConfigError(apierror.CodeParseError, configFilePath, "config file is not valid JSON")
		}
	}

	cfg := defaultConfig()
	applyFile(&cfg, fc)
	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cluster.Config{}, err
	}
	return cfg, nil
}

func defaultConfig() cluster.Config {
	return cluster.Config{
		Discovery: cluster.DiscoveryConfig{Mode: cluster.DiscoveryStatic},
		Health:    cluster.DefaultHealthPolicy(),
		Cache:     cluster.DefaultCachePolicy(),
		Routing:   cluster.DefaultRoutingPolicy(),
		Breaker:   breaker.DefaultConfig(),
	}
}

func applyFile(cfg *cluster.Config, fc fileConfig) {
	if fc.Discovery != nil {
		d := fc.Discovery
		if d.Mode != "" {
			cfg.Discovery.Mode = cluster.DiscoveryMode(d.Mode)
		}
		if len(d.StaticNodes) > 0 {
			cfg.Discovery.StaticNodes = nil
			for _, n := range d.StaticNodes {
				cfg.Discovery.StaticNodes = append(cfg.Discovery.StaticNodes, cluster.StaticNode{ID: n.ID, BaseURL: n.BaseURL})
			}
		}
		if d.Namespace != "" {
			cfg.Discovery.Namespace = d.Namespace
		}
		if d.Selector != "" {
			cfg.Discovery.Selector = d.Selector
		}
		if d.PollInterval != nil {
			cfg.Discovery.PollInterval = time.Duration(*d.PollInterval) * time.Second
		}
	}

	if fc.Health != nil {
		h := fc.Health
		if h.CheckIntervalSec != nil {
			cfg.Health.CheckInterval = time.Duration(*h.CheckIntervalSec) * time.Second
		}
		if h.CheckTimeoutSec != nil {
			cfg.Health.CheckTimeout = time.Duration(*h.CheckTimeoutSec) * time.Second
		}
		if h.UnhealthyThreshold != nil {
			cfg.Health.UnhealthyThreshold = *h.UnhealthyThreshold
		}
		if h.MaxConsecutiveFailures != nil {
			cfg.Health.MaxConsecutiveFailures = *h.MaxConsecutiveFailures
		}
		if h.HealthyAfterSuccesses != nil {
			cfg.Health.HealthyAfterSuccesses = *h.HealthyAfterSuccesses
		}
	}

	if fc.Cache != nil {
		c := fc.Cache
		if c.MaxAgeSec != nil {
			cfg.Cache.MaxAge = time.Duration(*c.MaxAgeSec) * time.Second
		}
		if c.MinHitRateToPrefer != nil {
			cfg.Cache.MinHitRateToPrefer = *c.MinHitRateToPrefer
		}
		if c.MaxCacheSizeTokens != nil {
			cfg.Cache.MaxCacheSizeTokens = *c.MaxCacheSizeTokens
		}
	}

	if fc.Routing != nil {
		r := fc.Routing
		if r.Strategy != "" {
			cfg.Routing.Strategy = cluster.Strategy(r.Strategy)
		}
		if r.MaxRetries != nil {
			cfg.Routing.MaxRetries = *r.MaxRetries
		}
		if r.RetryDelayMs != nil {
			cfg.Routing.RetryDelay = time.Duration(*r.RetryDelayMs) * time.Millisecond
		}
		if r.StickyTTLSec != nil {
			cfg.Routing.StickyTTL = time.Duration(*r.StickyTTLSec) * time.Second
		}
	}
}

// applyEnv overlays environment variables, taking precedence over file
// and defaults (spec.md §6).
func applyEnv(cfg *cluster.Config) {
	if v, ok := os.LookupEnv("CLUSTER_NODES"); ok {
		cfg.Discovery.Mode = cluster.DiscoveryStatic
		cfg.Discovery.StaticNodes = parseStaticNodesEnv(v)
	} else if v, ok := os.LookupEnv("CLUSTER_NODE_LIST"); ok { // deprecated alias
		cfg.Discovery.Mode = cluster.DiscoveryStatic
		cfg.Discovery.StaticNodes = parseStaticNodesEnv(v)
	}

	if v, ok := os.LookupEnv("CLUSTER_DISCOVERY_MODE"); ok {
		cfg.Discovery.Mode = cluster.DiscoveryMode(v)
	}
	if v, ok := os.LookupEnv("CLUSTER_ROUTING_STRATEGY"); ok {
		cfg.Routing.Strategy = cluster.Strategy(v)
	}
	if v, ok := envInt("CLUSTER_HEALTH_INTERVAL_SEC"); ok {
		cfg.Health.CheckInterval = time.Duration(v) * time.Second
	} else if v, ok := envInt("CLUSTER_HEALTH_CHECK"); ok { // deprecated alias
		cfg.Health.CheckInterval = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("CLUSTER_NODE_API_KEYS"); ok {
		cfg.NodeAPIKeys = parseAPIKeysEnv(v)
	}
}

func parseStaticNodesEnv(raw string) []cluster.StaticNode {
	var entries []staticNodeFile
	if err := json.Unmarshal([]byte(raw), &entries); err == nil {
		nodes := make([]cluster.StaticNode, 0, len(entries))
		for _, e := range entries {
			nodes = append(nodes, cluster.StaticNode{ID: e.ID, BaseURL: e.BaseURL})
		}
		return nodes
	}
	// Fall back to a comma-separated id=url list.
	var nodes []cluster.StaticNode
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		nodes = append(nodes, cluster.StaticNode{ID: kv[0], BaseURL: kv[1]})
	}
	return nodes
}

func parseAPIKeysEnv(raw string) map[string]string {
	keys := map[string]string{}
	var asMap map[string]string
	if err := json.Unmarshal([]byte(raw), &asMap); err == nil {
		return asMap
	}
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 {
			keys[kv[0]] = kv[1]
		}
	}
	return keys
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks cfg against the structural rules spec.md §3/§7 names,
// returning a *apierror.ConfigError with a field path on failure.
func Validate(cfg cluster.Config) error {
	switch cfg.Discovery.Mode {
	case cluster.DiscoveryStatic, "":
		if len(cfg.Discovery.StaticNodes) == 0 {
			return apierror.NewConfigError(apierror.CodeMissingNodes, "discovery.staticNodes", "static discovery requires at least one node")
		}
		for _, n := range cfg.Discovery.StaticNodes {
			if n.BaseURL == "" || !strings.HasPrefix(n.BaseURL, "http") {
				return apierror.NewConfigError(apierror.CodeInvalidURL, "discovery.staticNodes["+n.ID+"].baseUrl", "node base URL must be an http(s) URL")
			}
		}
	case cluster.DiscoveryExternal:
		if cfg.Discovery.Namespace == "" {
			return apierror.NewConfigError(apierror.CodeInvalidConfig, "discovery.namespace", "external discovery requires a namespace")
		}
	default:
		return apierror.NewConfigError(apierror.CodeInvalidConfig, "discovery.mode", fmt.Sprintf("unknown discovery mode %q", cfg.Discovery.Mode))
	}

	switch cfg.Routing.Strategy {
	case cluster.StrategyRoundRobin, cluster.StrategyLeastLoaded, cluster.StrategyCacheAware, cluster.StrategyLatencyBased:
	default:
		return apierror.NewConfigError(apierror.CodeInvalidStrategy, "routing.strategy", fmt.Sprintf("unknown routing strategy %q", cfg.Routing.Strategy))
	}

	if cfg.Health.UnhealthyThreshold < 0 || cfg.Health.UnhealthyThreshold > 1 {
		return apierror.NewConfigError(apierror.CodeInvalidConfig, "health.unhealthyThreshold", "must be in [0,1]")
	}
	if cfg.Cache.MinHitRateToPrefer < 0 || cfg.Cache.MinHitRateToPrefer > 1 {
		return apierror.NewConfigError(apierror.CodeInvalidConfig, "cache.minHitRateToPrefer", "must be in [0,1]")
	}

	return nil
}
