// Package compaction periodically shrinks the operation journals and the
// auto-version history of projects that are not currently open.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

type Config struct {
	Interval         time.Duration
	JournalThreshold int
	KeepAutoVersions int
}

func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		JournalThreshold: 500,
		KeepAutoVersions: 20,
	}
}

// Gate runs fn only while the project has no active room.
type Gate interface {
	IfInactive(projectID string, fn func() error) (bool, error)
}

type Service struct {
	store  db.Store
	gate   Gate
	config Config
	logger *slog.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(store db.Store, gate Gate, config Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		gate:   gate,
		config: config,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("compaction service started",
		"interval", s.config.Interval, "journal_threshold", s.config.JournalThreshold)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.CompactAll(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CompactAll(ctx)
		}
	}
}

const pageSize = 1000

// CompactAll visits every project and returns how many journals were
// rewritten.
func (s *Service) CompactAll(ctx context.Context) int {
	compacted := 0
	for offset := 0; ; offset += pageSize {
		projects, err := s.store.ListProjects(ctx, pageSize, offset)
		if err != nil {
			s.logger.Error("compaction: list projects failed", "error", err)
			return compacted
		}
		for _, p := range projects {
			if ctx.Err() != nil {
				return compacted
			}
			ok, err := s.CompactNow(ctx, p.ID)
			if err != nil {
				s.logger.Error("compaction failed", "project_id", p.ID, "error", err)
				continue
			}
			if ok {
				compacted++
			}
		}
		if len(projects) < pageSize {
			break
		}
	}

	if compacted > 0 {
		s.logger.Info("compacted journals", "projects", compacted)
	}
	return compacted
}

// CompactNow compacts one project if it is inactive. It reports whether
// the journal was rewritten.
func (s *Service) CompactNow(ctx context.Context, projectID string) (bool, error) {
	rewritten := false
	_, err := s.gate.IfInactive(projectID, func() error {
		var err error
		rewritten, err = s.compactProject(ctx, projectID)
		return err
	})
	return rewritten, err
}

func (s *Service) compactProject(ctx context.Context, projectID string) (bool, error) {
	if s.config.KeepAutoVersions > 0 {
		if err := s.store.DeleteOldAutoVersions(ctx, projectID, s.config.KeepAutoVersions); err != nil {
			return false, fmt.Errorf("prune auto versions: %w", err)
		}
	}

	n, err := s.store.JournalLength(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("journal length: %w", err)
	}
	if n < s.config.JournalThreshold {
		return false, nil
	}

	entries, err := s.store.Journal(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("read journal: %w", err)
	}
	compacted := oplog.Compact(projectID, entries)
	if err := s.store.RewriteJournal(ctx, projectID, compacted); err != nil {
		return false, fmt.Errorf("rewrite journal: %w", err)
	}

	s.logger.Info("compacted journal", "project_id", projectID, "before", len(entries), "after", len(compacted))
	return true, nil
}
