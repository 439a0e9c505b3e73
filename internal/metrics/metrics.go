// Package metrics holds process-wide collaboration counters and renders
// them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

type Metrics struct {
	ActiveConnections  atomic.Int64
	OpsTotal           atomic.Int64
	BatchesTotal       atomic.Int64
	UndoTotal          atomic.Int64
	RedoTotal          atomic.Int64
	BridgeFallbacks    atomic.Int64
	PresenceEvictions  atomic.Int64
	HeartbeatTimeouts  atomic.Int64
	lastSnapshotUnixNs atomic.Int64
}

func New() *Metrics {
	return &Metrics{}
}

// MarkSnapshot records the time of the latest successful layout or version write.
func (m *Metrics) MarkSnapshot(t time.Time) {
	m.lastSnapshotUnixNs.Store(t.UnixNano())
}

func (m *Metrics) LastSnapshot() time.Time {
	ns := m.lastSnapshotUnixNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Snapshot returns the current values keyed by metric name without prefix.
func (m *Metrics) Snapshot() map[string]int64 {
	var last int64
	if t := m.LastSnapshot(); !t.IsZero() {
		last = t.Unix()
	}
	return map[string]int64{
		"active_connections":       m.ActiveConnections.Load(),
		"ops_total":                m.OpsTotal.Load(),
		"batches_total":            m.BatchesTotal.Load(),
		"undo_total":               m.UndoTotal.Load(),
		"redo_total":               m.RedoTotal.Load(),
		"bridge_fallbacks_total":   m.BridgeFallbacks.Load(),
		"presence_evictions_total": m.PresenceEvictions.Load(),
		"heartbeat_timeouts_total": m.HeartbeatTimeouts.Load(),
		"last_snapshot_ts":         last,
	}
}

var families = []struct {
	name, kind, help string
}{
	{"active_connections", "gauge", "Number of currently open WebSocket connections."},
	{"ops_total", "counter", "Total number of operations accepted."},
	{"batches_total", "counter", "Total number of operation batches broadcast."},
	{"undo_total", "counter", "Total number of undo steps applied."},
	{"redo_total", "counter", "Total number of redo steps applied."},
	{"bridge_fallbacks_total", "counter", "Publishes delivered locally because the remote bridge failed."},
	{"presence_evictions_total", "counter", "Presence entries evicted by the sweeper."},
	{"heartbeat_timeouts_total", "counter", "Connections closed for missing pongs."},
	{"last_snapshot_ts", "gauge", "Unix time of the last layout snapshot or version save."},
}

// WriteText renders every metric with the given name prefix.
func (m *Metrics) WriteText(w io.Writer, prefix string) error {
	values := m.Snapshot()
	for _, f := range families {
		name := prefix + f.name
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, f.help, name, f.kind, name, values[f.name]); err != nil {
			return err
		}
	}
	return nil
}
