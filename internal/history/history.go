package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/kasa-core/internal/kasa"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// timestampLayout sorts lexically, which the created_at index relies on.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Sources describe where a recorded state came from.
const (
	SourcePoll    = "poll"
	SourceCommand = "command"
	SourceScan    = "scan"
)

// ErrAliasRequired is returned when a record or query has no device alias.
var ErrAliasRequired = errors.New("history: alias is required")

// Entry is one recorded device state.
type Entry struct {
	ID        int64      `json:"id"`
	Alias     string     `json:"alias"`
	Source    string     `json:"source"`
	Confirmed bool       `json:"confirmed"`
	State     kasa.State `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// Repository stores and retrieves device state history.
//
// Implementations must be safe for concurrent use.
type Repository interface {
	RecordStateChange(ctx context.Context, st kasa.State, source string) error
	GetHistory(ctx context.Context, alias string, limit int) ([]Entry, error)
	GetHistorySince(ctx context.Context, alias string, since time.Time, limit int) ([]Entry, error)
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteRepository implements Repository on the state_history table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// RecordStateChange inserts a state snapshot for a device.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - st: Snapshot to persist; st.Alias identifies the device
//   - source: Origin of the change (poll, command, scan); empty means poll
//
// Returns:
//   - error: ErrAliasRequired, or the underlying database error
func (r *SQLiteRepository) RecordStateChange(ctx context.Context, st kasa.State, source string) error {
	if st.Alias == "" {
		return ErrAliasRequired
	}
	if source == "" {
		source = SourcePoll
	}

	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO state_history (alias, kind, confirmed, source, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		st.Alias,
		st.Kind.String(),
		boolToInt(st.Confirmed),
		source,
		string(stateJSON),
		r.now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for a device, newest first.
// limit defaults to 50 and is capped at 200.
func (r *SQLiteRepository) GetHistory(ctx context.Context, alias string, limit int) ([]Entry, error) {
	return r.GetHistorySince(ctx, alias, time.Time{}, limit)
}

// GetHistorySince is GetHistory restricted to entries recorded strictly
// after since. A zero since matches everything.
func (r *SQLiteRepository) GetHistorySince(ctx context.Context, alias string, since time.Time, limit int) ([]Entry, error) {
	if alias == "" {
		return nil, ErrAliasRequired
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, alias, confirmed, source, state, created_at
		 FROM state_history
		 WHERE alias = ? AND created_at > ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		alias,
		since.UTC().Format(timestampLayout),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry     Entry
			confirmed int
			stateJSON string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.Alias, &confirmed, &entry.Source, &stateJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		entry.Confirmed = confirmed != 0

		if err := json.Unmarshal([]byte(stateJSON), &entry.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}

		entry.CreatedAt, err = parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes entries older than olderThan and returns how many
// rows were removed.
func (r *SQLiteRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("history: olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	if ts, err := time.Parse(timestampLayout, value); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
