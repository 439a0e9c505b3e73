package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

type slot struct {
	room *Room
	refs int
	// closing is set while the room is being stopped and closed once it is
	// gone from the registry.
	closing chan struct{}
}

// Registry owns every active room in this process. Rooms are created on
// first use and torn down once nobody holds them and no peer is connected.
type Registry struct {
	cfg  Config
	deps Deps
	base context.Context
	halt context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*slot
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	base, halt := context.WithCancel(context.Background())
	return &Registry{
		cfg:   cfg,
		deps:  deps,
		base:  base,
		halt:  halt,
		rooms: make(map[string]*slot),
	}
}

// GetOrCreate returns the room for id, loading its layout and replaying its
// journal when it is not active yet. Construction happens under the
// registry lock, so two rooms for one id can never coexist.
func (g *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.slotLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.room, nil
}

// Acquire is GetOrCreate plus a hold that keeps the room alive until the
// matching Release.
func (g *Registry) Acquire(ctx context.Context, id string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.slotLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refs++
	return s.room, nil
}

// Release drops a hold taken by Acquire and evicts the room if it is empty.
func (g *Registry) Release(ctx context.Context, id string) {
	g.mu.Lock()
	if s, ok := g.rooms[id]; ok && s.refs > 0 {
		s.refs--
	}
	g.mu.Unlock()
	g.EvictIfEmpty(ctx, id)
}

// slotLocked returns the live slot for id, creating it if needed. A room
// that is still stopping is waited for with the lock released.
func (g *Registry) slotLocked(ctx context.Context, id string) (*slot, error) {
	for {
		s, ok := g.rooms[id]
		if !ok {
			break
		}
		if s.closing == nil {
			return s, nil
		}
		done := s.closing
		g.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			g.mu.Lock()
			return nil, ctx.Err()
		}
		g.mu.Lock()
	}

	l, found, err := g.deps.Store.LoadLayout(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load layout %s: %w", id, err)
	}

	stacks, err := db.Replay(ctx, g.deps.Store, id)
	if err != nil {
		// History is lost but the layout is intact; keep serving.
		g.deps.Logger.Error("journal replay failed", "project_id", id, "error", err)
		stacks = oplog.Stacks{}
	}

	r := newRoom(id, l, stacks, g.cfg, g.deps)
	if err := r.start(g.base); err != nil {
		return nil, fmt.Errorf("start room %s: %w", id, err)
	}

	s := &slot{room: r}
	g.rooms[id] = s
	g.deps.Logger.Info("room opened",
		"project_id", id, "persisted", found, "undo_depth", len(stacks.Undo), "redo_depth", len(stacks.Redo))
	return s, nil
}

// EvictIfEmpty stops and removes the room when it is unheld and has no
// peers. It reports whether the room was evicted. The room is stopped
// without the registry lock; opening the same id waits until it is gone.
func (g *Registry) EvictIfEmpty(ctx context.Context, id string) bool {
	g.mu.Lock()
	s, ok := g.rooms[id]
	if !ok || s.closing != nil || s.refs > 0 || s.room.PeerCount() > 0 {
		g.mu.Unlock()
		return false
	}
	s.closing = make(chan struct{})
	g.mu.Unlock()

	s.room.stop(ctx)
	g.remove(id, s)
	g.deps.Logger.Info("room closed (empty)", "project_id", id)
	return true
}

func (g *Registry) remove(id string, s *slot) {
	g.mu.Lock()
	if g.rooms[id] == s {
		delete(g.rooms, id)
	}
	g.mu.Unlock()
	close(s.closing)
}

// Get returns the room for id only if it is active.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.rooms[id]
	if !ok {
		return nil, false
	}
	return s.room, true
}

// Active lists the active rooms ordered by id.
func (g *Registry) Active() []*Room {
	g.mu.Lock()
	out := make([]*Room, 0, len(g.rooms))
	for _, s := range g.rooms {
		out = append(out, s.room)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close stops every room, flushing pending batches and final snapshots.
// Rooms already being evicted are waited for.
func (g *Registry) Close(ctx context.Context) {
	g.mu.Lock()
	owned := make(map[string]*slot)
	var pending []chan struct{}
	for id, s := range g.rooms {
		if s.closing != nil {
			pending = append(pending, s.closing)
			continue
		}
		s.closing = make(chan struct{})
		owned[id] = s
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for id, s := range owned {
		id, s := id, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.room.stop(ctx)
			g.remove(id, s)
		}()
	}
	wg.Wait()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	g.halt()
}

// IfInactive runs fn while holding the registry lock, but only when no room
// is active for id. No room for id can open until fn returns.
func (g *Registry) IfInactive(id string, fn func() error) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[id]; ok {
		return false, nil
	}
	return true, fn()
}
