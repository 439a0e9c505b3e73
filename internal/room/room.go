// Package room holds the in-memory collaborative session for each project:
// the authoritative layout, the shared undo/redo history, the connected
// peers and their presence, and the background tasks that batch, fan out
// and autosave.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/planroom/internal/apperr"
	"github.com/manpreetbhatti/planroom/internal/bridge"
	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/metrics"
	"github.com/manpreetbhatti/planroom/internal/oplog"
	"github.com/manpreetbhatti/planroom/internal/protocol"
)

// storeTimeout bounds every storage call made on behalf of a room. Storage
// calls run on a context detached from the caller so a disconnect never
// interrupts a snapshot write.
const storeTimeout = 5 * time.Second

// Peer is one locally held connection. Send must not block; it reports
// false when the peer cannot keep up.
type Peer interface {
	ID() string
	DisplayName() string
	Send(msg []byte) bool
	Close()
}

type Config struct {
	ChannelPrefix    string
	BatchInterval    time.Duration
	AutosaveInterval time.Duration
	KeepAutoVersions int
}

type Deps struct {
	Store   db.Store
	Bridge  bridge.Bridge
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Room struct {
	ID      string
	channel string
	cfg     Config
	deps    Deps
	logger  *slog.Logger

	// pubMu orders room-wide publishes. It is always taken before mu.
	pubMu sync.Mutex

	mu          sync.Mutex
	layout      layout.Layout
	undo        []layout.OperationRecord
	redo        []layout.OperationRecord
	peers       map[string]Peer
	presence    map[string]*presenceEntry
	queue       []layout.OperationRecord
	lastSavedAt time.Time

	tasks tasks
}

func newRoom(id string, l layout.Layout, stacks oplog.Stacks, cfg Config, deps Deps) *Room {
	return &Room{
		ID:          id,
		channel:     cfg.ChannelPrefix + id,
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger.With("project_id", id),
		layout:      l,
		undo:        stacks.Undo,
		redo:        stacks.Redo,
		peers:       make(map[string]Peer),
		presence:    make(map[string]*presenceEntry),
		lastSavedAt: time.Now(),
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// Join registers p, sends it a full snapshot and announces it to everyone
// else. A peer already registered under the same user id is replaced and
// closed. Send is called with the room locked and must not block.
func (r *Room) Join(ctx context.Context, p Peer) {
	now := time.Now().UTC()

	r.mu.Lock()
	old := r.peers[p.ID()]
	r.peers[p.ID()] = p
	if e, ok := r.presence[p.ID()]; ok {
		e.DisplayName = p.DisplayName()
		e.LastSeen = now
	} else {
		r.presence[p.ID()] = &presenceEntry{
			UserID:      p.ID(),
			DisplayName: p.DisplayName(),
			JoinedAt:    now,
			LastSeen:    now,
		}
	}
	// The snapshot goes out before any batch deliver can reach p.
	p.Send(protocol.Encode(protocol.NewSnapshot(r.layout.Clone(), r.presenceLocked())))
	r.mu.Unlock()

	if old != nil && old != p {
		r.logger.Info("replacing existing connection", "user_id", p.ID())
		old.Close()
	}

	r.emit(ctx, p.ID(), protocol.NewJoined(p.ID(), p.DisplayName()))
	r.logger.Info("peer joined", "user_id", p.ID(), "peers", r.PeerCount())
}

// Leave deregisters p and announces its departure. It reports false when p
// had already been replaced or removed.
func (r *Room) Leave(ctx context.Context, p Peer) bool {
	r.mu.Lock()
	if r.peers[p.ID()] != p {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, p.ID())
	_, hadPresence := r.presence[p.ID()]
	delete(r.presence, p.ID())
	remaining := len(r.peers)
	r.mu.Unlock()

	// The sweeper already announced an expired presence entry.
	if hadPresence {
		r.emit(ctx, "", protocol.NewLeft(p.ID(), p.DisplayName()))
	}
	r.logger.Info("peer left", "user_id", p.ID(), "peers", remaining)
	return true
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Layout returns a copy of the current layout.
func (r *Room) Layout() layout.Layout {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layout.Clone()
}

// Depth reports the sizes of the undo and redo stacks.
func (r *Room) Depth() (undo, redo int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.undo), len(r.redo)
}

// Pending reports how many records wait for the next batch.
func (r *Room) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Apply records op, applies it to the layout and queues it for the next
// batch. Journal and snapshot failures are logged; the in-memory layout
// stays authoritative.
func (r *Room) Apply(ctx context.Context, actor, opID string, op layout.Operation) (layout.OperationRecord, error) {
	if op == nil {
		return layout.OperationRecord{}, apperr.ErrInvalidOp
	}
	if err := op.Validate(); err != nil {
		return layout.OperationRecord{}, apperr.Wrap(err, apperr.CodeInvalidInput, "invalid op")
	}
	if opID == "" {
		opID = uuid.NewString()
	}
	rec := layout.OperationRecord{
		OpID:      opID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Op:        op,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.journal(ctx, oplog.Apply(r.ID, rec))
	r.layout.Apply(op)
	r.undo = append(r.undo, rec)
	r.redo = nil
	r.persistLocked(ctx)
	r.queue = append(r.queue, rec)

	r.deps.Metrics.OpsTotal.Add(1)
	return rec, nil
}

// Undo pops the newest record and rebuilds the layout from the remaining
// history. from names who asked, for the broadcast event.
func (r *Room) Undo(ctx context.Context, from string) (layout.OperationRecord, layout.Layout, error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	n := len(r.undo)
	if n == 0 {
		r.mu.Unlock()
		return layout.OperationRecord{}, layout.Layout{}, apperr.ErrNothingToUndo
	}
	rec := r.undo[n-1]
	r.undo = r.undo[:n-1]
	r.layout = layout.Rebuild(r.layout.Meta, r.undo)
	r.redo = append(r.redo, rec)
	r.persistLocked(ctx)
	r.journal(ctx, oplog.Undo(r.ID, rec))
	result := r.layout.Clone()
	pending := r.drainLocked()
	r.mu.Unlock()

	r.deps.Metrics.UndoTotal.Add(1)
	r.publishBatch(ctx, pending)
	r.publish(ctx, "", protocol.NewUndo(rec.OpID, from, result))
	return rec, result, nil
}

// Redo reapplies the newest undone record.
func (r *Room) Redo(ctx context.Context, from string) (layout.OperationRecord, layout.Layout, error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	n := len(r.redo)
	if n == 0 {
		r.mu.Unlock()
		return layout.OperationRecord{}, layout.Layout{}, apperr.ErrNothingToRedo
	}
	rec := r.redo[n-1]
	r.redo = r.redo[:n-1]
	r.layout.Apply(rec.Op)
	r.undo = append(r.undo, rec)
	r.persistLocked(ctx)
	r.journal(ctx, oplog.Redo(r.ID, rec))
	result := r.layout.Clone()
	pending := r.drainLocked()
	r.mu.Unlock()

	r.deps.Metrics.RedoTotal.Add(1)
	r.publishBatch(ctx, pending)
	r.publish(ctx, "", protocol.NewRedo(rec.OpID, from, result))
	return rec, result, nil
}

// Rollback overwrites the layout with a stored version and clears both
// stacks. Everyone receives a fresh snapshot.
func (r *Room) Rollback(ctx context.Context, versionID string) (layout.Layout, error) {
	sctx, cancel := detached(ctx)
	v, err := r.deps.Store.GetVersion(sctx, versionID)
	cancel()
	if err != nil {
		return layout.Layout{}, fmt.Errorf("load version %s: %w", versionID, err)
	}
	if v == nil || v.ProjectID != r.ID {
		return layout.Layout{}, apperr.ErrVersionNotFound
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	r.layout = v.Layout.Clone()
	r.undo = nil
	r.redo = nil
	r.persistLocked(ctx)
	r.journal(ctx, oplog.Reset(r.ID))
	result := r.layout.Clone()
	snap := protocol.NewSnapshot(result, r.presenceLocked())
	pending := r.drainLocked()
	r.mu.Unlock()

	r.logger.Info("rolled back", "version_id", versionID)
	r.publishBatch(ctx, pending)
	r.publish(ctx, "", snap)
	return result, nil
}

// Save persists the current layout immediately and reports the outcome.
func (r *Room) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persist(ctx); err != nil {
		return apperr.Wrap(err, apperr.CodePersistence, "save failed")
	}
	r.lastSavedAt = time.Now()
	return nil
}

// journal appends e to the operation log. Callers hold mu so the journal
// order matches the order mutations were applied.
func (r *Room) journal(ctx context.Context, e oplog.Entry) {
	sctx, cancel := detached(ctx)
	defer cancel()
	if _, err := r.deps.Store.Append(sctx, e); err != nil {
		r.logger.Error("journal append failed", "action", e.Action, "op_id", e.Record.OpID, "error", err)
	}
}

func (r *Room) persist(ctx context.Context) error {
	sctx, cancel := detached(ctx)
	defer cancel()
	if err := r.deps.Store.PersistLayout(sctx, r.ID, r.layout); err != nil {
		return err
	}
	r.deps.Metrics.MarkSnapshot(time.Now())
	return nil
}

func (r *Room) persistLocked(ctx context.Context) {
	if err := r.persist(ctx); err != nil {
		r.logger.Error("snapshot write failed", "error", err)
	}
}
