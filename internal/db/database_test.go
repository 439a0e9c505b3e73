package db

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/oplog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "planroom-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath, discardLogger())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func addRecord(id, name string) layout.OperationRecord {
	return layout.OperationRecord{
		OpID:      id,
		Actor:     "tester",
		Timestamp: time.Now().UTC(),
		Op:        layout.AddRoom{Room: layout.Entry{"name": name}},
	}
}

func TestDatabaseCreation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("Database should not be nil")
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestProjectOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := db.CreateProject(ctx, "test-project", "Test Project", "owner-1"); err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}

	project, err := db.GetProject(ctx, "test-project")
	if err != nil {
		t.Fatalf("Failed to get project: %v", err)
	}
	if project == nil {
		t.Fatal("Project should exist")
	}
	if project.Name != "Test Project" {
		t.Errorf("Expected project name 'Test Project', got '%s'", project.Name)
	}
	if project.OwnerID != "owner-1" {
		t.Errorf("Expected owner 'owner-1', got '%s'", project.OwnerID)
	}

	project, err = db.GetProject(ctx, "non-existent")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if project != nil {
		t.Error("Non-existent project should return nil")
	}
}

func TestListProjects(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := db.CreateProject(ctx, "project-"+string(rune('a'+i)), "Project "+string(rune('A'+i)), "")
		if err != nil {
			t.Fatalf("Failed to create project: %v", err)
		}
	}

	projects, err := db.ListProjects(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Failed to list projects: %v", err)
	}
	if len(projects) != 5 {
		t.Errorf("Expected 5 projects, got %d", len(projects))
	}

	projects, err = db.ListProjects(ctx, 2, 3)
	if err != nil {
		t.Fatalf("Failed to list projects: %v", err)
	}
	if len(projects) != 2 {
		t.Errorf("Expected 2 projects with offset, got %d", len(projects))
	}
}

func TestPersistLayoutReplaces(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, found, err := db.LoadLayout(ctx, "p1")
	if err != nil {
		t.Fatalf("Failed to load layout: %v", err)
	}
	if found {
		t.Error("Layout should not exist before first persist")
	}

	first := layout.New()
	first.Apply(layout.AddRoom{Room: layout.Entry{"name": "Kitchen"}})
	if err := db.PersistLayout(ctx, "p1", first); err != nil {
		t.Fatalf("Failed to persist layout: %v", err)
	}

	second := first.Clone()
	second.Apply(layout.AddRoom{Room: layout.Entry{"name": "Hall"}})
	if err := db.PersistLayout(ctx, "p1", second); err != nil {
		t.Fatalf("Failed to persist layout: %v", err)
	}

	loaded, found, err := db.LoadLayout(ctx, "p1")
	if err != nil {
		t.Fatalf("Failed to load layout: %v", err)
	}
	if !found {
		t.Fatal("Layout should exist")
	}
	if len(loaded.Rooms) != 2 {
		t.Errorf("Expected 2 rooms, got %d", len(loaded.Rooms))
	}
}

func TestJournal(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	a, b := addRecord("a", "A"), addRecord("b", "B")
	for _, e := range []oplog.Entry{oplog.Apply("p1", a), oplog.Apply("p1", b), oplog.Undo("p1", b)} {
		if _, err := db.Append(ctx, e); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	count, err := db.JournalLength(ctx, "p1")
	if err != nil {
		t.Fatalf("Failed to count journal: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 entries, got %d", count)
	}

	stacks, err := Replay(ctx, db, "p1")
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if len(stacks.Undo) != 1 || stacks.Undo[0].OpID != "a" {
		t.Errorf("Expected undo stack [a], got %+v", stacks.Undo)
	}
	if len(stacks.Redo) != 1 || stacks.Redo[0].OpID != "b" {
		t.Errorf("Expected redo stack [b], got %+v", stacks.Redo)
	}

	recent, err := db.Recent(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("Failed to get recent: %v", err)
	}
	if len(recent) != 2 || recent[1].Action != oplog.ActionUndo {
		t.Errorf("Expected last two entries ending with undo, got %+v", recent)
	}
	if recent[0].Seq >= recent[1].Seq {
		t.Errorf("Recent entries should be oldest first")
	}
}

func TestRewriteJournal(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		rec := addRecord(string(rune('a'+i)), string(rune('A'+i)))
		if _, err := db.Append(ctx, oplog.Apply("p1", rec)); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	entries, _ := db.Journal(ctx, "p1")
	if err := db.RewriteJournal(ctx, "p1", oplog.Compact("p1", entries[:2])); err != nil {
		t.Fatalf("Failed to rewrite journal: %v", err)
	}

	count, _ := db.JournalLength(ctx, "p1")
	if count != 2 {
		t.Errorf("Expected 2 entries after rewrite, got %d", count)
	}
}

func TestVersions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	l := layout.New()
	l.Apply(layout.AddRoom{Room: layout.Entry{"name": "Office", "x": 1.0}})

	v, created, err := SnapshotVersion(ctx, db, "p1", "", "owner-1", l, false, 0)
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}
	if !created {
		t.Error("Manual version should always be created")
	}
	if v.ID == "" || v.ContentHash == "" {
		t.Errorf("Version should have id and hash, got %+v", v)
	}

	// Same content as latest: auto-save is skipped
	dup, created, err := SnapshotVersion(ctx, db, "p1", "", "", l, true, 20)
	if err != nil {
		t.Fatalf("Failed on duplicate auto version: %v", err)
	}
	if created {
		t.Error("Duplicate auto version should be skipped")
	}
	if dup.ID != v.ID {
		t.Errorf("Expected latest version %s, got %s", v.ID, dup.ID)
	}

	got, err := db.GetVersion(ctx, v.ID)
	if err != nil || got == nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if _, ok := got.Layout.Find("Office"); !ok {
		t.Error("Version layout should contain Office")
	}

	missing, err := db.GetVersion(ctx, "nope")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("Missing version should return nil")
	}
}

func TestDeleteOldAutoVersions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	l := layout.New()
	for i := 0; i < 5; i++ {
		l.Apply(layout.AddRoom{Room: layout.Entry{"name": string(rune('A' + i))}})
		if _, _, err := SnapshotVersion(ctx, db, "p1", "", "", l, true, 3); err != nil {
			t.Fatalf("Failed to create auto version: %v", err)
		}
	}

	count, _ := db.VersionCount(ctx, "p1")
	if count != 3 {
		t.Errorf("Expected 3 auto versions kept, got %d", count)
	}

	latest, _ := db.LatestVersion(ctx, "p1")
	if latest == nil || len(latest.Layout.Rooms) != 5 {
		t.Errorf("Latest version should hold all 5 rooms, got %+v", latest)
	}
}

func TestStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.CreateProject(ctx, "stats-project-"+string(rune('a'+i)), "", ""); err != nil {
			t.Fatalf("Failed to create project: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := db.Append(ctx, oplog.Apply("stats-project-a", addRecord(string(rune('a'+i)), "R"))); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.ProjectCount != 3 {
		t.Errorf("Expected 3 projects, got %d", stats.ProjectCount)
	}
	if stats.JournalEntries != 5 {
		t.Errorf("Expected 5 journal entries, got %d", stats.JournalEntries)
	}
}
