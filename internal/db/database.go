package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

// Database is the SQLite store used by single-node deployments.
type Database struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*Database)(nil)

func New(dbPath string, logger *slog.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite would otherwise report SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database initialized", "driver", "sqlite", "path", dbPath)
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS layouts (
		project_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS op_journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entry TEXT NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_op_journal_project_id ON op_journal(project_id, seq);

	CREATE TABLE IF NOT EXISTS versions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		layout TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_versions_project_id ON versions(project_id, seq DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Project operations

func (d *Database) CreateProject(ctx context.Context, id, name, ownerID string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO projects (id, name, owner_id) VALUES (?, ?, ?)",
		id, name, ownerID,
	)
	return err
}

func (d *Database) GetProject(ctx context.Context, id string) (*Project, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, owner_id, created_at, updated_at FROM projects WHERE id = ?",
		id,
	)

	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) ListProjects(ctx context.Context, limit, offset int) ([]Project, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, owner_id, created_at, updated_at FROM projects ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (d *Database) touchProject(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE projects SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// Layout snapshot operations

func (d *Database) LoadLayout(ctx context.Context, projectID string) (layout.Layout, bool, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx,
		"SELECT data FROM layouts WHERE project_id = ?",
		projectID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return layout.New(), false, nil
	}
	if err != nil {
		return layout.Layout{}, false, err
	}
	l, err := layout.Decode(data)
	if err != nil {
		return layout.Layout{}, false, err
	}
	return l, true, nil
}

func (d *Database) PersistLayout(ctx context.Context, projectID string, l layout.Layout) error {
	data, err := layout.Encode(l)
	if err != nil {
		return err
	}
	if err := d.CreateProject(ctx, projectID, "", ""); err != nil {
		return err
	}
	// Single upsert statement: the snapshot is replaced whole or not at all.
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO layouts (project_id, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, projectID, string(data))
	if err != nil {
		return err
	}
	return d.touchProject(ctx, projectID)
}

// Journal operations

func (d *Database) Append(ctx context.Context, e oplog.Entry) (int64, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	if err := d.CreateProject(ctx, e.ProjectID, "", ""); err != nil {
		return 0, err
	}
	result, err := d.db.ExecContext(ctx,
		"INSERT INTO op_journal (project_id, action, entry) VALUES (?, ?, ?)",
		e.ProjectID, string(e.Action), string(data),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (d *Database) Journal(ctx context.Context, projectID string) ([]oplog.Entry, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT seq, entry FROM op_journal WHERE project_id = ? ORDER BY seq ASC",
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (d *Database) Recent(ctx context.Context, projectID string, n int) ([]oplog.Entry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, entry FROM (
			SELECT seq, entry FROM op_journal
			WHERE project_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, projectID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (d *Database) JournalLength(ctx context.Context, projectID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM op_journal WHERE project_id = ?",
		projectID,
	).Scan(&count)
	return count, err
}

func (d *Database) RewriteJournal(ctx context.Context, projectID string, entries []oplog.Entry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM op_journal WHERE project_id = ?", projectID); err != nil {
		return err
	}
	for _, e := range entries {
		e.ProjectID = projectID
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO op_journal (project_id, action, entry) VALUES (?, ?, ?)",
			projectID, string(e.Action), string(data),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntries(rows rowScanner) ([]oplog.Entry, error) {
	var entries []oplog.Entry
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, err
		}
		var e oplog.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode journal entry %d: %w", seq, err)
		}
		e.Seq = seq
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Version operations

const versionColumns = "id, project_id, name, description, layout, content_hash, created_by, is_auto, created_at"

// CreateVersion saves a new immutable version. An empty ID is filled with a UUID.
func (d *Database) CreateVersion(ctx context.Context, v Version) (*Version, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	data, err := layout.Encode(v.Layout)
	if err != nil {
		return nil, err
	}
	if err := d.CreateProject(ctx, v.ProjectID, "", ""); err != nil {
		return nil, err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO versions (id, project_id, name, description, layout, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.ProjectID, v.Name, v.Description, string(data), v.ContentHash, v.CreatedBy, v.IsAuto)
	if err != nil {
		return nil, err
	}
	return d.GetVersion(ctx, v.ID)
}

// GetVersion retrieves a specific version by ID
func (d *Database) GetVersion(ctx context.Context, id string) (*Version, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM versions WHERE id = ?",
		id,
	)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListVersions returns all versions for a project, newest first
func (d *Database) ListVersions(ctx context.Context, projectID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE project_id = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?
	`, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (d *Database) VersionCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM versions WHERE project_id = ?", projectID).Scan(&count)
	return count, err
}

func (d *Database) LatestVersion(ctx context.Context, projectID string) (*Version, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE project_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, projectID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// DeleteOldAutoVersions removes old auto-saved versions, keeping the most recent N
func (d *Database) DeleteOldAutoVersions(ctx context.Context, projectID string, keep int) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM versions
		WHERE project_id = ? AND is_auto = TRUE AND seq NOT IN (
			SELECT seq FROM versions
			WHERE project_id = ? AND is_auto = TRUE
			ORDER BY seq DESC
			LIMIT ?
		)
	`, projectID, projectID, keep)
	return err
}

func scanVersion(row interface{ Scan(dest ...any) error }) (*Version, error) {
	var v Version
	var data []byte
	err := row.Scan(&v.ID, &v.ProjectID, &v.Name, &v.Description, &data, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.Layout, err = layout.Decode(data)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Stats

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&s.ProjectCount); err != nil {
		return s, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM op_journal").Scan(&s.JournalEntries); err != nil {
		return s, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM versions").Scan(&s.VersionCount); err != nil {
		return s, err
	}
	return s, nil
}
