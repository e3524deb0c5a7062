package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheTracker_RecordThenIsAffinityCandidate(t *testing.T) {
	tb := NewTable()
	tb.Snapshot([]Node{{ID: "a", BaseURL: "http://a"}})
	tracker := NewCacheTracker(tb, DefaultCachePolicy())

	tracker.Record("a", "hash1", 500)
	n, _ := tb.Get("a")
	assert.True(t, tracker.IsCacheAffinityCandidate(n, "hash1", 100))
}

func TestCacheTracker_MismatchedHashIsNotCandidate(t *testing.T) {
	tb := NewTable()
	tb.Snapshot([]Node{{ID: "a", BaseURL: "http://a"}})
	tracker := NewCacheTracker(tb, DefaultCachePolicy())
	tracker.Record("a", "hash1", 500)

	n, _ := tb.Get("a")
	assert.False(t, tracker.IsCacheAffinityCandidate(n, "hash2", 100))
}

func TestCacheTracker_InsufficientCoverageIsNotCandidate(t *testing.T) {
	tb := NewTable()
	tb.Snapshot([]Node{{ID: "a", BaseURL: "http://a"}})
	tracker := NewCacheTracker(tb, DefaultCachePolicy())
	tracker.Record("a", "hash1", 50)

	n, _ := tb.Get("a")
	assert.False(t, tracker.IsCacheAffinityCandidate(n, "hash1", 100))
}

func TestCacheTracker_StaleCacheIsNotCandidate(t *testing.T) {
	tb := NewTable()
	tb.Snapshot([]Node{{ID: "a", BaseURL: "http://a"}})
	policy := DefaultCachePolicy()
	policy.MaxAge = 10 * time.Millisecond
	tracker := NewCacheTracker(tb, policy)
	tracker.Record("a", "hash1", 500)

	time.Sleep(20 * time.Millisecond)
	n, _ := tb.Get("a")
	assert.False(t, tracker.IsCacheAffinityCandidate(n, "hash1", 100))
}

func TestCacheTracker_EmptyCacheStateIsNeverACandidate(t *testing.T) {
	tb := NewTable()
	tb.Snapshot([]Node{{ID: "a", BaseURL: "http://a"}})
	tracker := NewCacheTracker(tb, DefaultCachePolicy())
	n, _ := tb.Get("a")
	assert.False(t, tracker.IsCacheAffinityCandidate(n, "hash1", 0))
}

func TestCacheTracker_CandidatesFiltersMixedNodes(t *testing.T) {
	tb := NewTable()
	tb.Snapshot([]Node{{ID: "a", BaseURL: "http://a"}, {ID: "b", BaseURL: "http://b"}})
	tracker := NewCacheTracker(tb, DefaultCachePolicy())
	tracker.Record("a", "hash1", 500)
	tracker.Record("b", "hash2", 500)

	out := tracker.Candidates(tb.All(), "hash1", 0)
	assertSingleNodeID(t, out, "a")
}

func assertSingleNodeID(t *testing.T, nodes []Node, id string) {
	t.Helper()
	if len(nodes) != 1 || nodes[0].ID != id {
		t.Fatalf("expected exactly node %q, got %+v", id, nodes)
	}
}
