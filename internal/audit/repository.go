// Package audit records the commands sent to FHEM on behalf of API and MQTT
// clients and answers queries over that trail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sources of a command.
const (
	SourceAPI  = "api"
	SourceMQTT = "mqtt"
)

// Command outcomes.
const (
	StatusAccepted = "accepted"
	StatusQueued   = "queued"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Page size bounds of List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Entry is one audited command.
type Entry struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	Device         string    `json:"device"`
	Characteristic string    `json:"characteristic"`
	Value          any       `json:"value,omitempty"`
	Command        string    `json:"command,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Actor          string    `json:"actor,omitempty"` // token ID or MQTT command ID
	CreatedAt      time.Time `json:"created_at"`
}

// StatusOf maps a dispatch outcome onto an entry status.
func StatusOf(delayed, skipped bool) string {
	switch {
	case skipped:
		return StatusSkipped
	case delayed:
		return StatusQueued
	default:
		return StatusAccepted
	}
}

// Filter controls which entries to return.
type Filter struct {
	Device string // optional
	Source string // optional: api or mqtt
	Status string // optional
	Limit  int    // default 50, max 200
	Offset int
}

// ListResult contains a page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for audit trail operations.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores the audit trail in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var valueJSON *string
	if e.Value != nil {
		b, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("marshalling command value: %w", err)
		}
		s := string(b)
		valueJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit (id, source, device, characteristic, value, command, status, error, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Source, e.Device, e.Characteristic, valueJSON,
		nullableString(e.Command), e.Status, nullableString(e.Error), nullableString(e.Actor),
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so SQLite stores NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Device != "" {
		conditions = append(conditions, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_audit %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, source, device, characteristic, value, command, status, error, actor, created_at
		 FROM command_audit %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var value, command, errText, actor sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Source, &e.Device, &e.Characteristic,
			&value, &command, &e.Status, &errText, &actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if value.Valid && value.String != "" {
			var v any
			if json.Unmarshal([]byte(value.String), &v) == nil {
				e.Value = v
			}
		}
		e.Command = command.String
		e.Error = errText.String
		e.Actor = actor.String

		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
