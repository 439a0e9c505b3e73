package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/manpreetbhatti/planroom/internal/metrics"
	"github.com/manpreetbhatti/planroom/internal/protocol"
)

type presenceEntry struct {
	UserID      string
	DisplayName string
	JoinedAt    time.Time
	LastSeen    time.Time
	Cursor      json.RawMessage
	Meta        map[string]any
}

func (e *presenceEntry) view() protocol.Presence {
	p := protocol.Presence{
		UserID:      e.UserID,
		DisplayName: e.DisplayName,
		JoinedAt:    e.JoinedAt,
		LastSeen:    e.LastSeen,
		Cursor:      e.Cursor,
	}
	if len(e.Meta) > 0 {
		p.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			p.Meta[k] = v
		}
	}
	return p
}

// presenceLocked lists participants in join order.
func (r *Room) presenceLocked() []protocol.Presence {
	out := make([]protocol.Presence, 0, len(r.presence))
	for _, e := range r.presence {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *Room) Presence() []protocol.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

// touchLocked refreshes lastSeen. A connected peer whose entry was swept
// gets a new one.
func (r *Room) touchLocked(userID string) *presenceEntry {
	now := time.Now().UTC()
	e, ok := r.presence[userID]
	if !ok {
		p, connected := r.peers[userID]
		if !connected {
			return nil
		}
		e = &presenceEntry{UserID: userID, DisplayName: p.DisplayName(), JoinedAt: now}
		r.presence[userID] = e
	}
	e.LastSeen = now
	return e
}

// Touch records activity from userID.
func (r *Room) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(userID)
}

// UpdatePresence merges meta into the participant's presence entry.
func (r *Room) UpdatePresence(userID string, meta map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.touchLocked(userID)
	if e == nil {
		return
	}
	if e.Meta == nil {
		e.Meta = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		e.Meta[k] = v
	}
}

// UpdateCursor stores the cursor and relays it to every other participant.
// Cursors are never journalled or persisted.
func (r *Room) UpdateCursor(ctx context.Context, userID string, cursor json.RawMessage) {
	r.mu.Lock()
	e := r.touchLocked(userID)
	if e != nil {
		e.Cursor = append(json.RawMessage(nil), cursor...)
	}
	r.mu.Unlock()
	if e == nil {
		return
	}
	r.emit(ctx, userID, protocol.NewCursorBroadcast(userID, cursor))
}

// SweepPresence evicts entries not seen within ttl and announces each one
// as having left. The peer itself stays connected until the heartbeat
// monitor or the transport closes it.
func (r *Room) SweepPresence(ctx context.Context, now time.Time, ttl time.Duration) []string {
	r.mu.Lock()
	var expired []*presenceEntry
	for id, e := range r.presence {
		if now.Sub(e.LastSeen) > ttl {
			expired = append(expired, e)
			delete(r.presence, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		r.emit(ctx, "", protocol.NewLeft(e.UserID, e.DisplayName))
		ids = append(ids, e.UserID)
	}
	return ids
}

// Sweeper is the single process-wide task that expires stale presence in
// every active room.
type Sweeper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewSweeper(registry *Registry, ttl, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep runs one pass and returns the number of evicted entries.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	total := 0
	for _, r := range s.registry.Active() {
		evicted := r.SweepPresence(ctx, now, s.ttl)
		for _, id := range evicted {
			s.logger.Info("presence expired", "project_id", r.ID, "user_id", id)
		}
		total += len(evicted)
	}
	if total > 0 {
		s.metrics.PresenceEvictions.Add(int64(total))
	}
	return total
}
