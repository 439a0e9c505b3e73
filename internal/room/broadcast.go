package room

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/planroom/internal/bridge"
	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/protocol"
)

// envelope is what travels on the bridge. Exclude names a user id that
// must not receive Msg, used for cursor relays and join announcements.
type envelope struct {
	Exclude string          `json:"exclude,omitempty"`
	Msg     json.RawMessage `json:"msg"`
}

type tasks struct {
	cancel context.CancelFunc
	group  *errgroup.Group
	sub    bridge.Subscription
}

// start subscribes to the room channel and launches the broadcaster, the
// subscriber and the autosave loop.
func (r *Room) start(ctx context.Context) error {
	sub, err := r.deps.Bridge.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runSubscriber(ctx, sub) })
	g.Go(func() error { return r.runBroadcaster(ctx) })
	g.Go(func() error { return r.runAutosave(ctx) })

	r.tasks = tasks{cancel: cancel, group: g, sub: sub}
	return nil
}

// stop cancels the background tasks, flushes what is still queued and
// writes a final snapshot.
func (r *Room) stop(ctx context.Context) {
	if r.tasks.cancel == nil {
		return
	}
	r.tasks.cancel()
	if err := r.tasks.group.Wait(); err != nil {
		r.logger.Error("room task failed", "error", err)
	}
	r.tasks.sub.Close()
	r.Flush(ctx)

	r.mu.Lock()
	r.persistLocked(ctx)
	r.mu.Unlock()
	r.tasks = tasks{}
}

// drainLocked swaps the queue out, preserving arrival order.
func (r *Room) drainLocked() []layout.OperationRecord {
	if len(r.queue) == 0 {
		return nil
	}
	batch := r.queue
	r.queue = nil
	return batch
}

// Flush publishes everything queued as one ops_batch and returns how many
// records went out. An empty queue publishes nothing.
func (r *Room) Flush(ctx context.Context) int {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	batch := r.drainLocked()
	r.mu.Unlock()

	r.publishBatch(ctx, batch)
	return len(batch)
}

func (r *Room) publishBatch(ctx context.Context, batch []layout.OperationRecord) {
	if len(batch) == 0 {
		return
	}
	r.publish(ctx, "", protocol.NewOpsBatch(batch))
	r.deps.Metrics.BatchesTotal.Add(1)
}

// emit publishes a room-wide event in order with every other publish.
func (r *Room) emit(ctx context.Context, exclude string, msg any) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.publish(ctx, exclude, msg)
}

// publish sends msg through the bridge. Callers hold pubMu.
func (r *Room) publish(ctx context.Context, exclude string, msg any) {
	data, err := json.Marshal(envelope{Exclude: exclude, Msg: protocol.Encode(msg)})
	if err != nil {
		r.logger.Error("encode envelope failed", "error", err)
		return
	}

	pctx, cancel := detached(ctx)
	defer cancel()
	if err := r.deps.Bridge.Publish(pctx, r.channel, data); err != nil {
		r.logger.Warn("publish failed", "channel", r.channel, "error", err)
	}
}

// deliver hands one bridge message to every local peer. A peer that cannot
// keep up is closed.
func (r *Room) deliver(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || len(env.Msg) == 0 {
		r.logger.Debug("dropping malformed bridge message", "error", err)
		return
	}

	r.mu.Lock()
	targets := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != env.Exclude {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		if !p.Send(env.Msg) {
			r.logger.Warn("peer send buffer full, closing", "user_id", p.ID())
			p.Close()
		}
	}
}

func (r *Room) runSubscriber(ctx context.Context, sub bridge.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			r.deliver(data)
		}
	}
}

func (r *Room) runBroadcaster(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

func (r *Room) runAutosave(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := r.Autosave(ctx, now); err != nil {
				r.logger.Error("autosave failed", "error", err)
			}
		}
	}
}

// Autosave persists the layout and records an auto version when peers are
// connected and a full interval has passed since the last save. It reports
// whether a save was attempted.
func (r *Room) Autosave(ctx context.Context, now time.Time) (bool, error) {
	r.mu.Lock()
	if len(r.peers) == 0 || now.Sub(r.lastSavedAt) < r.cfg.AutosaveInterval {
		r.mu.Unlock()
		return false, nil
	}
	err := r.persist(ctx)
	if err == nil {
		r.lastSavedAt = now
	}
	snapshot := r.layout.Clone()
	r.mu.Unlock()

	if err != nil {
		return true, err
	}

	sctx, cancel := detached(ctx)
	v, created, err := db.SnapshotVersion(sctx, r.deps.Store, r.ID, "", "", snapshot, true, r.cfg.KeepAutoVersions)
	cancel()
	if err != nil {
		return true, err
	}
	if created {
		r.logger.Info("autosaved", "version_id", v.ID)
	}
	r.emit(ctx, "", protocol.NewAutosaveConfirm())
	return true, nil
}
