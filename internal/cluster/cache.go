package cluster

import "time"

// CachePolicy configures CacheTracker.
type CachePolicy struct {
	MaxAge              time.Duration
	MinHitRateToPrefer  float64
	MaxCacheSizeTokens  int
}

// DefaultCachePolicy mirrors typical production defaults.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		MaxAge:             5 * time.Minute,
		MinHitRateToPrefer: 0.3,
		MaxCacheSizeTokens: 32000,
	}
}

// CacheTracker records which node last served which system-prompt
// fingerprint, and whether that node is still a good cache-affinity
// candidate for a new request with the same fingerprint.
type CacheTracker struct {
	table  *Table
	policy CachePolicy
}

// NewCacheTracker constructs a tracker writing into table.
func NewCacheTracker(table *Table, policy CachePolicy) *CacheTracker {
	return &CacheTracker{table: table, policy: policy}
}

// Record notes that nodeID now has promptHash cached with the given
// approximate token count.
func (c *CacheTracker) Record(nodeID, promptHash string, tokenCount int) {
	c.table.UpdateCache(nodeID, CacheState{
		SystemPromptHash: promptHash,
		CachedTokens:     tokenCount,
		LastUpdated:      time.Now(),
	})
}

// IsCacheAffinityCandidate reports whether node is a fresh, matching
// cache-affinity candidate for promptHash covering at least
// minCoverageTokens of the request prefix.
func (c *CacheTracker) IsCacheAffinityCandidate(node Node, promptHash string, minCoverageTokens int) bool {
	if node.Cache.SystemPromptHash == "" || node.Cache.SystemPromptHash != promptHash {
		return false
	}
	if c.policy.MaxAge > 0 && time.Since(node.Cache.LastUpdated) > c.policy.MaxAge {
		return false
	}
	return node.Cache.CachedTokens >= minCoverageTokens
}

// Candidates filters nodes down to those that are fresh cache-affinity
// matches for promptHash.
func (c *CacheTracker) Candidates(nodes []Node, promptHash string, minCoverageTokens int) []Node {
	var out []Node
	for _, n := range nodes {
		if c.IsCacheAffinityCandidate(n, promptHash, minCoverageTokens) {
			out = append(out, n)
		}
	}
	return out
}
