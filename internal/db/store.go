package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("not found")

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Version struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Layout      layout.Layout `json:"layout"`
	ContentHash string        `json:"content_hash"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
	IsAuto      bool          `json:"is_auto"` // Auto-saved vs manual
}

type Stats struct {
	ProjectCount   int `json:"project_count"`
	JournalEntries int `json:"journal_entries"`
	VersionCount   int `json:"version_count"`
}

// LayoutStore holds the latest snapshot of each project's layout.
type LayoutStore interface {
	// LoadLayout reports false when the project has never been persisted.
	LoadLayout(ctx context.Context, projectID string) (layout.Layout, bool, error)
	// PersistLayout atomically replaces the stored snapshot.
	PersistLayout(ctx context.Context, projectID string, l layout.Layout) error
}

// OperationLog is the append-only journal of accepted operations.
type OperationLog interface {
	Append(ctx context.Context, e oplog.Entry) (int64, error)
	Journal(ctx context.Context, projectID string) ([]oplog.Entry, error)
	Recent(ctx context.Context, projectID string, n int) ([]oplog.Entry, error)
	JournalLength(ctx context.Context, projectID string) (int, error)
	// RewriteJournal replaces the whole journal of a project in one transaction.
	RewriteJournal(ctx context.Context, projectID string, entries []oplog.Entry) error
}

type VersionStore interface {
	CreateVersion(ctx context.Context, v Version) (*Version, error)
	GetVersion(ctx context.Context, id string) (*Version, error)
	ListVersions(ctx context.Context, projectID string, limit, offset int) ([]Version, error)
	VersionCount(ctx context.Context, projectID string) (int, error)
	LatestVersion(ctx context.Context, projectID string) (*Version, error)
	DeleteOldAutoVersions(ctx context.Context, projectID string, keep int) error
}

type ProjectStore interface {
	CreateProject(ctx context.Context, id, name, ownerID string) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, limit, offset int) ([]Project, error)
}

// Store is everything the server needs from persistence.
type Store interface {
	LayoutStore
	OperationLog
	VersionStore
	ProjectStore
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Replay folds the journal of a project into its effective undo and redo stacks.
func Replay(ctx context.Context, log OperationLog, projectID string) (oplog.Stacks, error) {
	entries, err := log.Journal(ctx, projectID)
	if err != nil {
		return oplog.Stacks{}, fmt.Errorf("replay %s: %w", projectID, err)
	}
	return oplog.Fold(entries), nil
}

// HashLayout returns a short content hash used to skip duplicate auto versions.
func HashLayout(l layout.Layout) (string, error) {
	data, err := layout.Encode(l)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8]), nil
}

// SnapshotVersion records l as a new version. An auto version whose content
// matches the latest version is skipped and the latest one is returned with
// created=false. Older auto versions beyond keepAuto are pruned.
func SnapshotVersion(ctx context.Context, vs VersionStore, projectID, name, createdBy string, l layout.Layout, isAuto bool, keepAuto int) (v *Version, created bool, err error) {
	hash, err := HashLayout(l)
	if err != nil {
		return nil, false, fmt.Errorf("hash layout: %w", err)
	}

	if isAuto {
		latest, err := vs.LatestVersion(ctx, projectID)
		if err == nil && latest != nil && latest.ContentHash == hash {
			return latest, false, nil
		}
	}

	if name == "" {
		stamp := time.Now().Format("Jan 2, 3:04 PM")
		if isAuto {
			name = "Auto-save " + stamp
		} else {
			name = "Version " + stamp
		}
	}

	v, err = vs.CreateVersion(ctx, Version{
		ProjectID:   projectID,
		Name:        name,
		Layout:      l,
		ContentHash: hash,
		CreatedBy:   createdBy,
		IsAuto:      isAuto,
	})
	if err != nil {
		return nil, false, err
	}

	if isAuto && keepAuto > 0 {
		if err := vs.DeleteOldAutoVersions(ctx, projectID, keepAuto); err != nil {
			return v, true, fmt.Errorf("prune auto versions: %w", err)
		}
	}
	return v, true, nil
}
