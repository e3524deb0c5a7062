package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSource_StaticModeBuildsFixedList(t *testing.T) {
	cfg := DiscoveryConfig{
		Mode: DiscoveryStatic,
		StaticNodes: []StaticNode{
			{ID: "a", BaseURL: "http://a"},
			{ID: "b", BaseURL: "http://b"},
		},
	}
	src := NewSource(cfg, nil)
	nodes, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, StatusInitializing, nodes[0].Status)
}

func TestNewSource_ExternalModeUsesSuppliedSource(t *testing.T) {
	external := &fakeSource{nodes: []Node{{ID: "ext", BaseURL: "http://ext"}}}
	cfg := DiscoveryConfig{Mode: DiscoveryExternal}
	src := NewSource(cfg, external)
	assert.Same(t, external, src)
}

func TestNewSource_ExternalModeWithNilFallsBackToStatic(t *testing.T) {
	cfg := DiscoveryConfig{Mode: DiscoveryExternal}
	src := NewSource(cfg, nil)
	nodes, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

type fakeSource struct {
	nodes []Node
	err   error
	calls int
}

func (f *fakeSource) List(ctx context.Context) ([]Node, error) {
	f.calls++
	return f.nodes, f.err
}

func TestDiscovery_StartPerformsInitialSyncRefresh(t *testing.T) {
	tb := NewTable()
	src := &fakeSource{nodes: []Node{{ID: "a", BaseURL: "http://a"}}}
	d := NewDiscovery(src, tb, 0, nil)

	err := d.Start(context.Background())
	require.NoError(t, err)
	assert.Len(t, tb.All(), 1)
	assert.Equal(t, 1, src.calls)
}

func TestDiscovery_StartPropagatesSourceError(t *testing.T) {
	tb := NewTable()
	src := &fakeSource{err: errors.New("discovery backend unavailable")}
	d := NewDiscovery(src, tb, 0, nil)

	err := d.Start(context.Background())
	assert.Error(t, err)
}

func TestDiscovery_OnRemovedCalledWithDroppedIDs(t *testing.T) {
	tb := NewTable()
	tb.Snapshot([]Node{{ID: "stale", BaseURL: "http://stale"}})

	src := &fakeSource{nodes: []Node{{ID: "a", BaseURL: "http://a"}}}
	var removedIDs []string
	d := NewDiscovery(src, tb, 0, func(ids []string) { removedIDs = ids })

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, []string{"stale"}, removedIDs)
}

func TestDiscovery_PollsOnIntervalUntilStopped(t *testing.T) {
	tb := NewTable()
	src := &fakeSource{nodes: []Node{{ID: "a", BaseURL: "http://a"}}}
	d := NewDiscovery(src, tb, 5*time.Millisecond, nil)

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	d.Stop()

	callsAtStop := src.calls
	assert.GreaterOrEqual(t, callsAtStop, 2, "expected at least one poll beyond the initial refresh")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, callsAtStop, src.calls, "no further polling after Stop")
}

func TestDiscovery_StopWithoutStartIsSafe(t *testing.T) {
	d := NewDiscovery(&fakeSource{}, NewTable(), 0, nil)
	assert.NotPanics(t, func() { d.Stop() })
}
