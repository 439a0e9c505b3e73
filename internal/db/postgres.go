package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

// Postgres is the shared store used when several server instances serve the
// same projects.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// NewPostgres runs migrations and opens a connection pool.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if err := Migrate(cfg.DSN, logger); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("database initialized", "driver", "postgres")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) CreateProject(ctx context.Context, id, name, ownerID string) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO projects (id, name, owner_id) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		id, name, ownerID,
	)
	return err
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*Project, error) {
	var pr Project
	err := p.pool.QueryRow(ctx,
		"SELECT id, name, owner_id, created_at, updated_at FROM projects WHERE id = $1",
		id,
	).Scan(&pr.ID, &pr.Name, &pr.OwnerID, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *Postgres) ListProjects(ctx context.Context, limit, offset int) ([]Project, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, name, owner_id, created_at, updated_at FROM projects ORDER BY updated_at DESC, id LIMIT $1 OFFSET $2",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var pr Project
		if err := rows.Scan(&pr.ID, &pr.Name, &pr.OwnerID, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, pr)
	}
	return projects, rows.Err()
}

func (p *Postgres) LoadLayout(ctx context.Context, projectID string) (layout.Layout, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT data FROM layouts WHERE project_id = $1", projectID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *Postgres) PersistLayout(ctx context.Context, projectID string, l layout.Layout) error {
	data, err := layout.Encode(l)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO projects (id) VALUES ($1) ON CONFLICT (id) DO UPDATE SET updated_at = now()",
			projectID,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO layouts (project_id, data, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (project_id) DO UPDATE SET data = excluded.data, updated_at = now()
		`, projectID, data)
		return err
	})
}

func (p *Postgres) Append(ctx context.Context, e oplog.Entry) (int64, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	if err := p.CreateProject(ctx, e.ProjectID, "", ""); err != nil {
		return 0, err
	}
	var seq int64
	err = p.pool.QueryRow(ctx,
		"INSERT INTO op_journal (project_id, action, entry) VALUES ($1, $2, $3) RETURNING seq",
		e.ProjectID, string(e.Action), data,
	).Scan(&seq)
	return seq, err
}

func (p *Postgres) Journal(ctx context.Context, projectID string) ([]oplog.Entry, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT seq, entry FROM op_journal WHERE project_id = $1 ORDER BY seq ASC",
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *Postgres) Recent(ctx context.Context, projectID string, n int) ([]oplog.Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT seq, entry FROM (
			SELECT seq, entry FROM op_journal WHERE project_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC
	`, projectID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *Postgres) JournalLength(ctx context.Context, projectID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM op_journal WHERE project_id = $1", projectID).Scan(&count)
	return count, err
}

func (p *Postgres) RewriteJournal(ctx context.Context, projectID string, entries []oplog.Entry) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM op_journal WHERE project_id = $1", projectID); err != nil {
			return err
		}
		for _, e := range entries {
			e.ProjectID = projectID
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO op_journal (project_id, action, entry) VALUES ($1, $2, $3)",
				projectID, string(e.Action), data,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) CreateVersion(ctx context.Context, v Version) (*Version, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	data, err := layout.Encode(v.Layout)
	if err != nil {
		return nil, err
	}
	if err := p.CreateProject(ctx, v.ProjectID, "", ""); err != nil {
		return nil, err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO versions (id, project_id, name, description, layout, content_hash, created_by, is_auto)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, v.ID, v.ProjectID, v.Name, v.Description, data, v.ContentHash, v.CreatedBy, v.IsAuto)
	if err != nil {
		return nil, err
	}
	return p.GetVersion(ctx, v.ID)
}

func (p *Postgres) GetVersion(ctx context.Context, id string) (*Version, error) {
	v, err := scanVersion(p.pool.QueryRow(ctx, "SELECT "+versionColumns+" FROM versions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (p *Postgres) ListVersions(ctx context.Context, projectID string, limit, offset int) ([]Version, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT "+versionColumns+" FROM versions WHERE project_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3",
		projectID, limit, offset,
	)
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

func (p *Postgres) VersionCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM versions WHERE project_id = $1", projectID).Scan(&count)
	return count, err
}

func (p *Postgres) LatestVersion(ctx context.Context, projectID string) (*Version, error) {
	v, err := scanVersion(p.pool.QueryRow(ctx,
		"SELECT "+versionColumns+" FROM versions WHERE project_id = $1 ORDER BY seq DESC LIMIT 1",
		projectID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (p *Postgres) DeleteOldAutoVersions(ctx context.Context, projectID string, keep int) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM versions
		WHERE project_id = $1 AND is_auto AND seq NOT IN (
			SELECT seq FROM versions WHERE project_id = $1 AND is_auto ORDER BY seq DESC LIMIT $2
		)
	`, projectID, keep)
	return err
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM projects),
			(SELECT COUNT(*) FROM op_journal),
			(SELECT COUNT(*) FROM versions)
	`).Scan(&s.ProjectCount, &s.JournalEntries, &s.VersionCount)
	return s, err
}
