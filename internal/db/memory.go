package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

// Memory keeps everything in process. It backs tests and throwaway
// deployments; nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]*Project
	layouts  map[string]layout.Layout
	journal  map[string][]oplog.Entry
	versions []Version
	seq      int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]*Project),
		layouts:  make(map[string]layout.Layout),
		journal:  make(map[string][]oplog.Entry),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) ensureProject(id string) *Project {
	p, ok := m.projects[id]
	if !ok {
		now := time.Now().UTC()
		p = &Project{ID: id, CreatedAt: now, UpdatedAt: now}
		m.projects[id] = p
	}
	return p
}

func (m *Memory) CreateProject(ctx context.Context, id, name, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; ok {
		return nil
	}
	p := m.ensureProject(id)
	p.Name = name
	p.OwnerID = ownerID
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, nil
	}
	out := *p
	return &out, nil
}

func (m *Memory) ListProjects(ctx context.Context, limit, offset int) ([]Project, error) {
	m.mu.RLock()
	out := make([]Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, offset), nil
}

func (m *Memory) LoadLayout(ctx context.Context, projectID string) (layout.Layout, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.layouts[projectID]
	if !ok {
		return layout.New(), false, nil
	}
	return l.Clone(), true, nil
}

func (m *Memory) PersistLayout(ctx context.Context, projectID string, l layout.Layout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureProject(projectID).UpdatedAt = time.Now().UTC()
	m.layouts[projectID] = l.Clone()
	return nil
}

func (m *Memory) Append(ctx context.Context, e oplog.Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureProject(e.ProjectID)
	m.seq++
	e.Seq = m.seq
	m.journal[e.ProjectID] = append(m.journal[e.ProjectID], e)
	return e.Seq, nil
}

func (m *Memory) Journal(ctx context.Context, projectID string) ([]oplog.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]oplog.Entry(nil), m.journal[projectID]...), nil
}

func (m *Memory) Recent(ctx context.Context, projectID string, n int) ([]oplog.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.journal[projectID]
	if n < 0 {
		n = 0
	}
	if n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	return append([]oplog.Entry(nil), entries...), nil
}

func (m *Memory) JournalLength(ctx context.Context, projectID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.journal[projectID]), nil
}

func (m *Memory) RewriteJournal(ctx context.Context, projectID string, entries []oplog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]oplog.Entry, 0, len(entries))
	for _, e := range entries {
		m.seq++
		e.Seq = m.seq
		e.ProjectID = projectID
		out = append(out, e)
	}
	m.journal[projectID] = out
	return nil
}

func (m *Memory) CreateVersion(ctx context.Context, v Version) (*Version, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.Layout = v.Layout.Clone()
	v.CreatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureProject(v.ProjectID)
	m.versions = append(m.versions, v)
	out := v
	return &out, nil
}

func (m *Memory) GetVersion(ctx context.Context, id string) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions {
		if v.ID == id {
			out := v
			out.Layout = v.Layout.Clone()
			return &out, nil
		}
	}
	return nil, nil
}

// projectVersions returns the project's versions newest first. Callers hold mu.
func (m *Memory) projectVersions(projectID string) []Version {
	var out []Version
	for i := len(m.versions) - 1; i >= 0; i-- {
		if m.versions[i].ProjectID == projectID {
			out = append(out, m.versions[i])
		}
	}
	return out
}

func (m *Memory) ListVersions(ctx context.Context, projectID string, limit, offset int) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return page(m.projectVersions(projectID), limit, offset), nil
}

func (m *Memory) VersionCount(ctx context.Context, projectID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.projectVersions(projectID)), nil
}

func (m *Memory) LatestVersion(ctx context.Context, projectID string) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.projectVersions(projectID)
	if len(vs) == 0 {
		return nil, nil
	}
	out := vs[0]
	return &out, nil
}

func (m *Memory) DeleteOldAutoVersions(ctx context.Context, projectID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := 0
	kept := m.versions[:0:0]
	for i := len(m.versions) - 1; i >= 0; i-- {
		v := m.versions[i]
		if v.ProjectID == projectID && v.IsAuto {
			seen++
			if seen > keep {
				continue
			}
		}
		kept = append(kept, v)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	m.versions = kept
	return nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{ProjectCount: len(m.projects), VersionCount: len(m.versions)}
	for _, entries := range m.journal {
		s.JournalEntries += len(entries)
	}
	return s, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
