package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// timestampLayout is fixed-width so created_at sorts lexically.
	timestampLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// SQLiteRepository implements Repository on the update_history table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository using an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts e.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - e: Entry to persist; Kind must be set and Detail defaults to {}
//
// Returns:
//   - error: ErrInvalidEntry for an unknown kind, otherwise the database error
func (r *SQLiteRepository) Record(ctx context.Context, e Entry) error {
	switch e.Kind {
	case KindTransition, KindNotification, KindRequest:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	detail := string(e.Detail)
	if detail == "" {
		detail = "{}"
	} else if !json.Valid(e.Detail) {
		return fmt.Errorf("%w: detail is not valid JSON", ErrInvalidEntry)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO update_history (component_id, kind, from_state, to_state, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		int(e.ComponentID),
		e.Kind,
		nullable(e.From),
		nullable(e.To),
		detail,
		time.Now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting update history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for a component, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - id: Component identifier
//   - q: Filters; q.Limit is the maximum entries to return (default 50, max 500)
//
// Returns:
//   - []Entry: Entries ordered newest first (may be empty)
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteRepository) GetHistory(ctx context.Context, id cfu.ComponentID, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	where := []string{"component_id = ?"}
	args := []any{int(id)}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().Format(timestampLayout))
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, component_id, kind, from_state, to_state, detail, created_at
		 FROM update_history
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying update history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			component int
			from, to  sql.NullString
			detail    string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &component, &e.Kind, &from, &to, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning update history: %w", err)
		}
		e.ComponentID = cfu.ComponentID(component)
		e.From = from.String
		e.To = to.String
		e.Detail = json.RawMessage(detail)

		ts, err := parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = ts

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating update history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes entries older than the given duration.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Retention window (entries older than now-olderThan are deleted)
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM update_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting update history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// parseTimestamp parses a created_at value written by Record or by the
// column default.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return ts, nil
	}
	if fallback, ferr := time.Parse("2006-01-02 15:04:05", value); ferr == nil {
		return fallback.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
}
