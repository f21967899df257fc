package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yanniks/ghome-fhem/internal/attribute"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// historyTimeFormat has a fixed width so stored timestamps compare
	// correctly as text.
	historyTimeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
//
// It stores raw values in the reading_history table.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a new SQLite reading history repository.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteHistoryRepository: Repository instance ready for use
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// RecordReading inserts a history row for an attribute change.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - e: Cache entry; a zero ChangedAt stores the current time
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteHistoryRepository) RecordReading(ctx context.Context, e attribute.Entry) error {
	dev, reading, ok := attribute.SplitID(e.ID)
	if !ok {
		return fmt.Errorf("%w: attribute id %q", ErrInvalidHistoryQuery, e.ID)
	}
	at := e.ChangedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO reading_history (attribute_id, device, reading, value, created_at) VALUES (?, ?, ?, ?, ?)",
		e.ID,
		dev,
		reading,
		e.Value,
		at.UTC().Format(historyTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting reading history: %w", err)
	}
	return nil
}

// GetHistory returns recent history entries of an attribute, ordered newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - attributeID: "device-reading" id
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []HistoryEntry: History entries ordered by created_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, attributeID string, limit int) ([]HistoryEntry, error) {
	if attributeID == "" {
		return nil, fmt.Errorf("%w: attribute id is required", ErrInvalidHistoryQuery)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, attribute_id, device, reading, value, created_at
		 FROM reading_history
		 WHERE attribute_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		attributeID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reading history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var entry HistoryEntry
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.AttributeID, &entry.Device, &entry.Reading, &entry.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning reading history: %w", err)
		}

		timestamp, err := parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entry.CreatedAt = timestamp

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reading history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes history entries older than the given duration.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Duration to retain (entries older than now-olderThan are deleted)
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(historyTimeFormat)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM reading_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting reading history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}

// parseHistoryTimestamp parses a timestamp stored in SQLite.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}

	timestamp, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02 15:04:05", value)
	if fallbackErr == nil {
		return fallback.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
}
