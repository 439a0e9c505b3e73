package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteText(t *testing.T) {
	m := New()
	m.ActiveConnections.Add(2)
	m.OpsTotal.Add(5)
	m.BatchesTotal.Add(1)
	m.MarkSnapshot(time.Unix(1700000000, 0))

	var sb strings.Builder
	require.NoError(t, m.WriteText(&sb, "planroom_"))
	out := sb.String()

	assert.Contains(t, out, "# TYPE planroom_active_connections gauge\nplanroom_active_connections 2\n")
	assert.Contains(t, out, "planroom_ops_total 5\n")
	assert.Contains(t, out, "planroom_batches_total 1\n")
	assert.Contains(t, out, "planroom_last_snapshot_ts 1700000000\n")
	assert.Contains(t, out, "planroom_heartbeat_timeouts_total 0\n")
}

func TestLastSnapshotZeroUntilMarked(t *testing.T) {
	m := New()
	assert.True(t, m.LastSnapshot().IsZero())
	assert.Equal(t, int64(0), m.Snapshot()["last_snapshot_ts"])
}
