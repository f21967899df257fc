package device

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yanniks/ghome-fhem/internal/attribute"
)

const readingHistoryMigration = "../../migrations/20260301_120000_reading_history.up.sql"

// setupHistoryTestDB creates an in-memory SQLite database with the reading_history table.
func setupHistoryTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	schema, err := os.ReadFile(readingHistoryMigration)
	if err != nil {
		db.Close()
		t.Fatalf("failed to read migration: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestRecordReading(t *testing.T) {
	db := setupHistoryTestDB(t)
	repo := NewSQLiteHistoryRepository(db)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
	if err := repo.RecordReading(ctx, attribute.Entry{ID: "lamp-pct", Value: "75", ChangedAt: at}); err != nil {
		t.Fatalf("RecordReading() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "lamp-pct", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}

	entry := entries[0]
	if entry.Device != "lamp" || entry.Reading != "pct" {
		t.Errorf("Device/Reading = %q/%q, want lamp/pct", entry.Device, entry.Reading)
	}
	if entry.Value != "75" {
		t.Errorf("Value = %q, want 75", entry.Value)
	}
	if !entry.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %s, want %s", entry.CreatedAt, at)
	}
}

func TestRecordReadingInvalidID(t *testing.T) {
	repo := NewSQLiteHistoryRepository(setupHistoryTestDB(t))

	err := repo.RecordReading(context.Background(), attribute.Entry{ID: "nodash", Value: "1"})
	if !errors.Is(err, ErrInvalidHistoryQuery) {
		t.Fatalf("RecordReading() error = %v, want ErrInvalidHistoryQuery", err)
	}
}

func TestGetHistory(t *testing.T) {
	db := setupHistoryTestDB(t)
	repo := NewSQLiteHistoryRepository(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, e := range []attribute.Entry{
		{ID: "lamp-state", Value: "off", ChangedAt: now.Add(-2 * time.Hour)},
		{ID: "lamp-state", Value: "on", ChangedAt: now.Add(-1 * time.Hour)},
		{ID: "lamp-state", Value: "off", ChangedAt: now},
		{ID: "plug-state", Value: "on", ChangedAt: now},
	} {
		if err := repo.RecordReading(ctx, e); err != nil {
			t.Fatalf("RecordReading() error = %v", err)
		}
	}

	entries, err := repo.GetHistory(ctx, "lamp-state", 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}
	if !entries[0].CreatedAt.Equal(now) {
		t.Errorf("entry[0] CreatedAt = %s, want %s", entries[0].CreatedAt, now)
	}
	if entries[1].Value != "on" {
		t.Errorf("entry[1] Value = %q, want on", entries[1].Value)
	}

	if _, err := repo.GetHistory(ctx, "", 10); !errors.Is(err, ErrInvalidHistoryQuery) {
		t.Errorf("GetHistory(\"\") error = %v, want ErrInvalidHistoryQuery", err)
	}
}

func TestPruneHistory(t *testing.T) {
	db := setupHistoryTestDB(t)
	repo := NewSQLiteHistoryRepository(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, e := range []attribute.Entry{
		{ID: "lamp-state", Value: "on", ChangedAt: now.Add(-40 * 24 * time.Hour)},
		{ID: "lamp-state", Value: "off", ChangedAt: now.Add(-12 * time.Hour)},
	} {
		if err := repo.RecordReading(ctx, e); err != nil {
			t.Fatalf("RecordReading() error = %v", err)
		}
	}

	deleted, err := repo.PruneHistory(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	entries, err := repo.GetHistory(ctx, "lamp-state", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Value != "off" {
		t.Fatalf("entries = %+v, want the recent off entry", entries)
	}

	if _, err := repo.PruneHistory(ctx, 0); err == nil {
		t.Error("PruneHistory(0) error = nil, want error")
	}
}

// blockingHistory records entries and blocks writes until release is closed.
type blockingHistory struct {
	mu      sync.Mutex
	entries []attribute.Entry
	release chan struct{}
}

func (b *blockingHistory) RecordReading(_ context.Context, e attribute.Entry) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	return nil
}

func (b *blockingHistory) GetHistory(context.Context, string, int) ([]HistoryEntry, error) {
	return nil, nil
}

func (b *blockingHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func TestHistoryRecorderDropsWhenFull(t *testing.T) {
	repo := &blockingHistory{release: make(chan struct{})}
	rec := NewHistoryRecorder(repo, HistoryConfig{QueueSize: 1})

	hook := rec.Hook()
	// Not started: the first change fills the queue, the second is dropped.
	hook(attribute.Entry{ID: "a-b", Value: "1"})
	hook(attribute.Entry{ID: "a-b", Value: "2"})

	close(repo.release)
	rec.Start(context.Background())
	rec.Stop()

	recorded, dropped, failed := rec.Stats()
	if recorded != 1 || dropped != 1 || failed != 0 {
		t.Fatalf("Stats() = %d/%d/%d, want 1/1/0", recorded, dropped, failed)
	}
	if len(repo.entries) != 1 || repo.entries[0].Value != "1" {
		t.Errorf("entries = %+v, want the first change", repo.entries)
	}
}

func TestHistoryRecorderWithCache(t *testing.T) {
	db := setupHistoryTestDB(t)
	repo := NewSQLiteHistoryRepository(db)
	rec := NewHistoryRecorder(repo, HistoryConfig{})

	cache := attribute.NewCache(nil)
	cache.OnChange(rec.Hook())
	rec.Start(context.Background())

	cache.Update("lamp-state", "on")
	cache.Update("lamp-state", "on")
	cache.Update("lamp-state", "off")
	rec.Stop()

	entries, err := repo.GetHistory(context.Background(), "lamp-state", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2 (unchanged value not stored)", len(entries))
	}
}
