package cluster

import (
	"context"
	"time"
)

// DiscoveryMode selects how the node set is produced.
type DiscoveryMode string

const (
	DiscoveryStatic   DiscoveryMode = "static"
	DiscoveryExternal DiscoveryMode = "external"
)

// StaticNode is one entry of a static discovery list.
type StaticNode struct {
	ID      string
	BaseURL string
}

// DiscoveryConfig configures a Discovery source.
type DiscoveryConfig struct {
	Mode          DiscoveryMode
	StaticNodes   []StaticNode
	Namespace     string // external mode
	Selector      string // external mode
	PollInterval  time.Duration
}

// Source produces node snapshots. An external-discovery integration
// (e.g. a k8s informer or a service mesh) implements this; it is an
// external collaborator in the static-mode default build.
type Source interface {
	List(ctx context.Context) ([]Node, error)
}

// staticSource always returns the same fixed list.
type staticSource struct {
	nodes []Node
}

func (s *staticSource) List(ctx context.Context) ([]Node, error) {
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out, nil
}

// NewSource builds the Source named by cfg.Mode. External mode requires
// an externally-supplied Source (passed via external) since the actual
// service-discovery integration is an out-of-scope collaborator.
func NewSource(cfg DiscoveryConfig, external Source) Source {
	if cfg.Mode == DiscoveryExternal && external != nil {
		return external
	}
	nodes := make([]Node, 0, len(cfg.StaticNodes))
	for _, sn := range cfg.StaticNodes {
		nodes = append(nodes, Node{ID: sn.ID, BaseURL: sn.BaseURL, Status: StatusInitializing})
	}
	return &staticSource{nodes: nodes}
}

// Discovery polls a Source on PollInterval (or once, for static mode)
// and writes each snapshot into a Table.
type Discovery struct {
	source   Source
	table    *Table
	interval time.Duration

	onRemoved func(ids []string)

	cancel context.CancelFunc
}

// NewDiscovery wires source into table. onRemoved is called with the
// ids of any nodes dropped by a snapshot, letting the manager release
// their provider clients and cache state.
func NewDiscovery(source Source, table *Table, interval time.Duration, onRemoved func(ids []string)) *Discovery {
	return &Discovery{source: source, table: table, interval: interval, onRemoved: onRemoved}
}

// Start performs an initial synchronous List and, if interval > 0,
// begins polling in a background goroutine until ctx is canceled or
// Stop is called.
func (d *Discovery) Start(ctx context.Context) error {
	if err := d.refresh(ctx); err != nil {
		return err
	}

	if d.interval <= 0 {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = d.refresh(loopCtx)
			}
		}
	}()

	return nil
}

func (d *Discovery) refresh(ctx context.Context) error {
	nodes, err := d.source.List(ctx)
	if err != nil {
		return err
	}
	removed := d.table.Snapshot(nodes)
	if len(removed) > 0 && d.onRemoved != nil {
		d.onRemoved(removed)
	}
	return nil
}

// Stop halts background polling. It is safe to call even if Start was
// never called or already stopped.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}
