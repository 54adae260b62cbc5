package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLimit is the number of entries kept in the log.
	DefaultLimit = 100

	defaultListLimit = 50
)

// Entry is one row of the history log.
type Entry struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
}

// Repository stores history entries. Implementations must be safe for
// concurrent use.
type Repository interface {
	// Insert adds e unless an entry with the same device, timestamp and
	// event type exists. It reports whether a row was added and kept.
	Insert(ctx context.Context, e Entry) (bool, error)

	// List returns the newest entries across all devices.
	List(ctx context.Context, limit int) ([]Entry, error)

	// ListDevice returns the newest entries for one device.
	ListDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error)
}

// SQLiteRepository keeps the log in the device_events table.
type SQLiteRepository struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// NewSQLiteRepository creates a repository that keeps at most limit rows.
// A limit below one selects DefaultLimit.
func NewSQLiteRepository(db *sql.DB, limit int) *SQLiteRepository {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &SQLiteRepository{db: db, limit: limit, now: time.Now}
}

// Insert adds e and prunes the log in one transaction. A missing ID is
// generated.
func (r *SQLiteRepository) Insert(ctx context.Context, e Entry) (bool, error) {
	if e.DeviceID == "" || e.EventType == "" {
		return false, errors.New("history entry needs a device id and event type")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO device_events (id, device_id, device_name, timestamp, event_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.DeviceName, e.Timestamp.UnixMilli(), e.EventType, r.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting history entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM device_events WHERE id NOT IN (
			SELECT id FROM device_events ORDER BY timestamp DESC, created_at DESC LIMIT ?
		)`,
		r.limit,
	); err != nil {
		return false, fmt.Errorf("pruning history: %w", err)
	}

	// An entry older than the newest limit rows is pruned straight away
	// and does not count as added.
	var kept int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_events WHERE id = ?`, e.ID,
	).Scan(&kept); err != nil {
		return false, fmt.Errorf("checking history entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing history entry: %w", err)
	}
	return kept > 0, nil
}

// List returns up to limit entries, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Entry, error) {
	return r.query(ctx,
		`SELECT id, device_id, device_name, timestamp, event_type
		 FROM device_events
		 ORDER BY timestamp DESC, created_at DESC
		 LIMIT ?`,
		r.clamp(limit),
	)
}

// ListDevice returns up to limit entries for deviceID, newest first.
func (r *SQLiteRepository) ListDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	return r.query(ctx,
		`SELECT id, device_id, device_name, timestamp, event_type
		 FROM device_events
		 WHERE device_id = ?
		 ORDER BY timestamp DESC, created_at DESC
		 LIMIT ?`,
		deviceID, r.clamp(limit),
	)
}

func (r *SQLiteRepository) clamp(limit int) int {
	switch {
	case limit <= 0:
		return min(defaultListLimit, r.limit)
	case limit > r.limit:
		return r.limit
	default:
		return limit
	}
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.DeviceName, &ms, &e.EventType); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.Timestamp = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return entries, nil
}
