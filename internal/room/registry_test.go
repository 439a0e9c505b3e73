package room

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/planroom/internal/bridge"
	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/metrics"
	"github.com/manpreetbhatti/planroom/internal/protocol"
)

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	env, cleanup := setupTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	var wg sync.WaitGroup
	rooms := make([]*Room, 16)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := env.registry.GetOrCreate(ctx, "p1")
			assert.NoError(t, err)
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, 1, env.registry.Len())
}

func TestReleaseEvictsEmptyRoom(t *testing.T) {
	env, cleanup := setupTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	r, err := env.registry.Acquire(ctx, "p1")
	require.NoError(t, err)
	p := newFakePeer("a")
	r.Join(ctx, p)

	_, err = r.Apply(ctx, "a", "", addOp("Porch"))
	require.NoError(t, err)

	assert.False(t, env.registry.EvictIfEmpty(ctx, "p1"), "held room must stay")

	r.Leave(ctx, p)
	env.registry.Release(ctx, "p1")

	_, ok := env.registry.Get("p1")
	assert.False(t, ok)

	stored, found, err := env.store.LoadLayout(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, countNamed(stored, "Porch"))
}

func TestColdStartReplaysJournal(t *testing.T) {
	env, cleanup := setupTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	r, err := env.registry.Acquire(ctx, "p1")
	require.NoError(t, err)
	for _, name := range []string{"A", "B", "C"} {
		_, err := r.Apply(ctx, "a", "op-"+name, addOp(name))
		require.NoError(t, err)
	}
	_, _, err = r.Undo(ctx, "a")
	require.NoError(t, err)
	env.registry.Release(ctx, "p1")
	require.Equal(t, 0, env.registry.Len())

	r, err = env.registry.Acquire(ctx, "p1")
	require.NoError(t, err)
	defer env.registry.Release(ctx, "p1")

	undo, redo := r.Depth()
	assert.Equal(t, 2, undo)
	assert.Equal(t, 1, redo)
	assert.Len(t, r.Layout().Rooms, 2)

	rec, l, err := r.Redo(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "op-C", rec.OpID)
	assert.Equal(t, 1, countNamed(l, "C"))
}

func TestSweeperEvictsStalePresence(t *testing.T) {
	env, cleanup := setupTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	r, err := env.registry.Acquire(ctx, "p1")
	require.NoError(t, err)
	a, b := newFakePeer("a"), newFakePeer("b")
	r.Join(ctx, a)
	r.Join(ctx, b)

	sweeper := NewSweeper(env.registry, 30*time.Second, 5*time.Second, env.metrics, env.registry.deps.Logger)

	assert.Equal(t, 0, sweeper.Sweep(ctx, time.Now()))

	// Only b stays active.
	later := time.Now().Add(31 * time.Second)
	r.mu.Lock()
	r.presence["b"].LastSeen = later
	r.mu.Unlock()

	assert.Equal(t, 1, sweeper.Sweep(ctx, later))
	left := b.next(t, protocol.TypeLeft)
	assert.Equal(t, "a", left["userId"])
	assert.Equal(t, int64(1), env.metrics.PresenceEvictions.Load())

	// The socket is still registered; activity brings presence back.
	assert.Equal(t, 2, r.PeerCount())
	r.Touch("a")
	assert.Len(t, r.Presence(), 2)
}

func TestUpdatePresenceMergesMeta(t *testing.T) {
	env, cleanup := setupTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	r, err := env.registry.Acquire(ctx, "p1")
	require.NoError(t, err)
	r.Join(ctx, newFakePeer("a"))

	r.UpdatePresence("a", map[string]any{"color": "red"})
	r.UpdatePresence("a", map[string]any{"tool": "wall"})
	r.UpdatePresence("ghost", map[string]any{"x": 1})

	presence := r.Presence()
	require.Len(t, presence, 1)
	assert.Equal(t, map[string]any{"color": "red", "tool": "wall"}, presence[0].Meta)
}

// stallingStore blocks snapshot writes for one project until released.
type stallingStore struct {
	*db.Memory
	project string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingStore) PersistLayout(ctx context.Context, projectID string, l layout.Layout) error {
	if projectID == s.project {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Memory.PersistLayout(ctx, projectID, l)
}

func TestEvictionDoesNotBlockOtherRooms(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &stallingStore{
		Memory:  db.NewMemory(),
		project: "slow",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	bus := bridge.NewFallback(nil, logger, nil)
	defer bus.Close()
	reg := NewRegistry(Config{
		ChannelPrefix:    "project:",
		BatchInterval:    10 * time.Millisecond,
		AutosaveInterval: time.Hour,
	}, Deps{Store: store, Bridge: bus, Metrics: metrics.New(), Logger: logger})
	defer reg.Close(context.Background())
	ctx := context.Background()

	first, err := reg.Acquire(ctx, "slow")
	require.NoError(t, err)
	_, err = first.Apply(ctx, "a", "", addOp("Cellar"))
	require.NoError(t, err)

	evicted := make(chan bool)
	go func() {
		reg.Release(ctx, "slow")
		evicted <- true
	}()
	<-store.entered

	// Another project opens while "slow" is still writing its snapshot.
	octx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	other, err := reg.Acquire(octx, "other")
	require.NoError(t, err)
	assert.Equal(t, "other", other.ID)
	reg.Release(ctx, "other")

	reopened := make(chan *Room, 1)
	go func() {
		r, err := reg.Acquire(ctx, "slow")
		assert.NoError(t, err)
		reopened <- r
	}()

	select {
	case <-reopened:
		t.Fatal("room reopened before its previous instance was stopped")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	<-evicted

	var second *Room
	select {
	case second = <-reopened:
	case <-time.After(2 * time.Second):
		t.Fatal("reopen did not complete")
	}
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, countNamed(second.Layout(), "Cellar"))
	reg.Release(ctx, "slow")
}
