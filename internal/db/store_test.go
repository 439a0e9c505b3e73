package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

// runStoreSuite checks the behaviour every Store backend must share. Each
// subtest uses its own project id so one store can serve the whole suite.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("missing layout", func(t *testing.T) {
		l, found, err := store.LoadLayout(ctx, "suite-missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, l.Rooms)
	})

	t.Run("persist and load", func(t *testing.T) {
		l := layout.New()
		l.Meta["title"] = "Cabin"
		l.Apply(layout.AddRoom{Room: layout.Entry{"name": "Kitchen", "x": 1.5}})
		require.NoError(t, store.PersistLayout(ctx, "suite-layout", l))

		got, found, err := store.LoadLayout(ctx, "suite-layout")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, l, got)
	})

	t.Run("journal replay", func(t *testing.T) {
		const pid = "suite-journal"
		a, b := addRecord("a", "A"), addRecord("b", "B")
		for _, e := range []oplog.Entry{
			oplog.Apply(pid, a),
			oplog.Apply(pid, b),
			oplog.Undo(pid, b),
			oplog.Redo(pid, b),
			oplog.Undo(pid, b),
		} {
			_, err := store.Append(ctx, e)
			require.NoError(t, err)
		}

		stacks, err := Replay(ctx, store, pid)
		require.NoError(t, err)
		require.Len(t, stacks.Undo, 1)
		require.Len(t, stacks.Redo, 1)
		assert.Equal(t, "b", stacks.Redo[0].OpID)
		assert.Equal(t, a.Op, stacks.Undo[0].Op)

		recent, err := store.Recent(ctx, pid, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, oplog.ActionUndo, recent[2].Action)
	})

	t.Run("rewrite journal", func(t *testing.T) {
		const pid = "suite-rewrite"
		_, err := store.Append(ctx, oplog.Apply(pid, addRecord("x", "X")))
		require.NoError(t, err)
		_, err = store.Append(ctx, oplog.Reset(pid))
		require.NoError(t, err)

		entries, err := store.Journal(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, store.RewriteJournal(ctx, pid, oplog.Compact(pid, entries)))

		n, err := store.JournalLength(ctx, pid)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("versions", func(t *testing.T) {
		const pid = "suite-versions"
		l := layout.New()
		l.Apply(layout.AddRoom{Room: layout.Entry{"name": "Den"}})

		v1, created, err := SnapshotVersion(ctx, store, pid, "first", "u1", l, false, 0)
		require.NoError(t, err)
		assert.True(t, created)

		l.Apply(layout.AddRoom{Room: layout.Entry{"name": "Loft"}})
		v2, _, err := SnapshotVersion(ctx, store, pid, "second", "u1", l, false, 0)
		require.NoError(t, err)

		list, err := store.ListVersions(ctx, pid, 10, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, v2.ID, list[0].ID)
		assert.Equal(t, v1.ID, list[1].ID)

		latest, err := store.LatestVersion(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, latest.ID)
		assert.Len(t, latest.Layout.Rooms, 2)
	})

	t.Run("project owner", func(t *testing.T) {
		require.NoError(t, store.CreateProject(ctx, "suite-owned", "Owned", "owner-9"))
		p, err := store.GetProject(ctx, "suite-owned")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "owner-9", p.OwnerID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	runStoreSuite(t, db)
}
