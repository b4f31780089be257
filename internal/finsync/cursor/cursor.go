// Package cursor tracks, per device and entity type, the server sync time up
// to which remote changes have been pulled and persisted locally.
//
// A cursor only moves forward. Advancing is a single compare-and-swap upsert
// so concurrent cycles, even from separate processes, can never move it back.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// Tracker reads and advances pull cursors.
type Tracker struct {
	db *db.DB
}

// New creates a tracker on an initialized database.
func New(database *db.DB) *Tracker {
	return &Tracker{db: database}
}

// Checkpoint is one stored cursor.
type Checkpoint struct {
	DeviceID   string            `json:"device_id" yaml:"device_id"`
	EntityType schema.EntityType `json:"entity_type" yaml:"entity_type"`
	Cursor     time.Time         `json:"cursor" yaml:"cursor"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
}

// GetCursor returns the cursor for (deviceID, entityType), or nil if nothing
// has been pulled yet.
func (t *Tracker) GetCursor(ctx context.Context, deviceID string, entityType schema.EntityType) (*time.Time, error) {
	return GetCursorTx(ctx, t.db.RawDB(), deviceID, entityType)
}

// GetCursorTx is GetCursor inside the caller's transaction.
func GetCursorTx(ctx context.Context, q db.Querier, deviceID string, entityType schema.EntityType) (*time.Time, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE device_id = ? AND entity_type = ?`,
		deviceID, string(entityType),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor for %s/%s: %w", deviceID, entityType, err)
	}
	ts := db.FromNanos(n)
	return &ts, nil
}

// AdvanceCursor moves the cursor to ts if ts is strictly later than the stored
// value. It reports whether the cursor moved.
func (t *Tracker) AdvanceCursor(ctx context.Context, deviceID string, entityType schema.EntityType, ts time.Time) (bool, error) {
	return AdvanceCursorTx(ctx, t.db.RawDB(), deviceID, entityType, ts)
}

// AdvanceCursorTx is AdvanceCursor inside the caller's transaction.
func AdvanceCursorTx(ctx context.Context, q db.Querier, deviceID string, entityType schema.EntityType, ts time.Time) (bool, error) {
	if ts.IsZero() {
		return false, nil
	}

	query := `
	INSERT INTO sync_cursors (device_id, entity_type, cursor, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(device_id, entity_type) DO UPDATE SET
		cursor = excluded.cursor,
		updated_at = excluded.updated_at
	WHERE excluded.cursor > sync_cursors.cursor
	`
	res, err := q.ExecContext(ctx, query,
		deviceID,
		string(entityType),
		db.ToNanos(ts),
		db.ToNanos(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor for %s/%s: %w", deviceID, entityType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor for %s/%s: %w", deviceID, entityType, err)
	}
	return n > 0, nil
}

// Reset sets the cursor for (deviceID, entityType) to to, which may be
// earlier than the current value. A zero to removes the cursor so the next
// pull starts from the beginning. An empty entityType resets every type.
func (t *Tracker) Reset(ctx context.Context, deviceID string, entityType schema.EntityType, to time.Time) error {
	types := []schema.EntityType{entityType}
	if entityType == "" {
		types = schema.AllEntityTypes()
	}

	return t.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, typ := range types {
			if to.IsZero() {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM sync_cursors WHERE device_id = ? AND entity_type = ?`,
					deviceID, string(typ)); err != nil {
					return fmt.Errorf("failed to reset cursor for %s/%s: %w", deviceID, typ, err)
				}
				continue
			}
			_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_cursors (device_id, entity_type, cursor, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id, entity_type) DO UPDATE SET
				cursor = excluded.cursor,
				updated_at = excluded.updated_at
			`, deviceID, string(typ), db.ToNanos(to), db.ToNanos(time.Now()))
			if err != nil {
				return fmt.Errorf("failed to reset cursor for %s/%s: %w", deviceID, typ, err)
			}
		}
		return nil
	})
}

// List returns all cursors for deviceID (every device if empty).
func (t *Tracker) List(ctx context.Context, deviceID string) ([]Checkpoint, error) {
	rows, err := t.db.RawDB().QueryContext(ctx, `
	SELECT device_id, entity_type, cursor, updated_at
	FROM sync_cursors
	WHERE (? = '' OR device_id = ?)
	ORDER BY device_id, entity_type
	`, deviceID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp       Checkpoint
			typ      string
			cur, upd int64
		)
		if err := rows.Scan(&cp.DeviceID, &typ, &cur, &upd); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cp.EntityType = schema.EntityType(typ)
		cp.Cursor = db.FromNanos(cur)
		cp.UpdatedAt = db.FromNanos(upd)
		out = append(out, cp)
	}
	return out, rows.Err()
}
