package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// UpsertEntity inserts or replaces the cached snapshot of an entity.
func (db *DB) UpsertEntity(ctx context.Context, snap *schema.Snapshot) error {
	return UpsertEntityTx(ctx, db.conn, snap)
}

// UpsertEntityTx inserts or replaces a cached snapshot using q.
//
// Deleted snapshots are kept as inactive rows; a later live snapshot
// reactivates them.
func UpsertEntityTx(ctx context.Context, q Querier, snap *schema.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	query := `
	INSERT INTO entities (entity_type, entity_id, payload, updated_at, last_synced, is_active)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = COALESCE(excluded.payload, entities.payload),
		updated_at = excluded.updated_at,
		last_synced = COALESCE(excluded.last_synced, entities.last_synced),
		is_active = excluded.is_active
	`

	_, err := q.ExecContext(ctx, query,
		string(snap.EntityType),
		snap.EntityID,
		payloadToNullString(snap.Payload),
		ToNanos(snap.UpdatedAt),
		NullNanos(snap.LastSynced),
		boolToInt(!snap.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", snap.EntityType, snap.EntityID, err)
	}
	return nil
}

// UpsertServerEntityTx stores a snapshot received from the server as both
// the cached copy and the last server-confirmed copy.
func UpsertServerEntityTx(ctx context.Context, q Querier, snap *schema.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	query := `
	INSERT INTO entities (entity_type, entity_id, payload, updated_at, last_synced, is_active,
		server_payload, server_updated_at, server_active)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = COALESCE(excluded.payload, entities.payload),
		updated_at = excluded.updated_at,
		last_synced = COALESCE(excluded.last_synced, entities.last_synced),
		is_active = excluded.is_active,
		server_payload = COALESCE(excluded.server_payload, entities.server_payload),
		server_updated_at = excluded.server_updated_at,
		server_active = excluded.server_active
	`

	payload := payloadToNullString(snap.Payload)
	updatedAt := ToNanos(snap.UpdatedAt)
	active := boolToInt(!snap.Deleted)
	_, err := q.ExecContext(ctx, query,
		string(snap.EntityType), snap.EntityID,
		payload, updatedAt, NullNanos(snap.LastSynced), active,
		payload, updatedAt, active,
	)
	if err != nil {
		return fmt.Errorf("failed to store server copy of %s %s: %w", snap.EntityType, snap.EntityID, err)
	}
	return nil
}

// SaveServerCopyTx records snap as the last server-confirmed copy without
// touching the cached payload, which may hold a newer local edit. An entity
// that is not cached yet is inserted with snap as its cached copy too.
func SaveServerCopyTx(ctx context.Context, q Querier, snap *schema.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	query := `
	INSERT INTO entities (entity_type, entity_id, payload, updated_at, last_synced, is_active,
		server_payload, server_updated_at, server_active)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		server_payload = COALESCE(excluded.server_payload, entities.server_payload),
		server_updated_at = excluded.server_updated_at,
		server_active = excluded.server_active
	`

	payload := payloadToNullString(snap.Payload)
	updatedAt := ToNanos(snap.UpdatedAt)
	active := boolToInt(!snap.Deleted)
	_, err := q.ExecContext(ctx, query,
		string(snap.EntityType), snap.EntityID,
		payload, updatedAt, NullNanos(snap.LastSynced), active,
		payload, updatedAt, active,
	)
	if err != nil {
		return fmt.Errorf("failed to save server copy of %s %s: %w", snap.EntityType, snap.EntityID, err)
	}
	return nil
}

// ConfirmEntityTx marks the cached copy as accepted by the server: it
// becomes the server-confirmed copy, and last_synced is set when syncedAt
// is valid.
func ConfirmEntityTx(ctx context.Context, q Querier, typ schema.EntityType, id string, syncedAt sql.NullInt64) error {
	query := `
	UPDATE entities SET
		last_synced = COALESCE(?, last_synced),
		server_payload = payload,
		server_updated_at = updated_at,
		server_active = is_active
	WHERE entity_type = ? AND entity_id = ?
	`
	if _, err := q.ExecContext(ctx, query, syncedAt, string(typ), id); err != nil {
		return fmt.Errorf("failed to confirm %s %s: %w", typ, id, err)
	}
	return nil
}

// RevertEntityTx discards a local edit the server will never accept. The
// cached copy is restored to the last server-confirmed copy, or removed when
// the server never confirmed the entity. It reports whether the cache
// changed.
func RevertEntityTx(ctx context.Context, q Querier, typ schema.EntityType, id string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND entity_id = ? AND server_updated_at IS NULL`,
		string(typ), id)
	if err != nil {
		return false, fmt.Errorf("failed to revert %s %s: %w", typ, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	query := `
	UPDATE entities SET
		payload = server_payload,
		updated_at = server_updated_at,
		is_active = server_active
	WHERE entity_type = ? AND entity_id = ? AND server_updated_at IS NOT NULL
		AND (payload IS NOT server_payload OR updated_at != server_updated_at OR is_active != server_active)
	`
	res, err = q.ExecContext(ctx, query, string(typ), id)
	if err != nil {
		return false, fmt.Errorf("failed to revert %s %s: %w", typ, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to revert %s %s: %w", typ, id, err)
	}
	return n > 0, nil
}

// GetEntity returns the cached snapshot, or nil if the entity is not cached.
func (db *DB) GetEntity(ctx context.Context, typ schema.EntityType, id string) (*schema.Snapshot, error) {
	return GetEntityTx(ctx, db.conn, typ, id)
}

// GetEntityTx returns the cached snapshot using q, or nil if not cached.
func GetEntityTx(ctx context.Context, q Querier, typ schema.EntityType, id string) (*schema.Snapshot, error) {
	query := `
	SELECT entity_type, entity_id, payload, updated_at, last_synced, is_active
	FROM entities
	WHERE entity_type = ? AND entity_id = ?
	`

	snap, err := scanEntity(q.QueryRowContext(ctx, query, string(typ), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", typ, id, err)
	}
	return snap, nil
}

// EntityFilter specifies criteria for listing cached entities.
type EntityFilter struct {
	Type           schema.EntityType
	IncludeDeleted bool
	Limit          int
}

// ListEntities returns cached entities matching filter, newest first.
func (db *DB) ListEntities(ctx context.Context, filter EntityFilter) ([]*schema.Snapshot, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Type != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.IncludeDeleted {
		conds = append(conds, "is_active = 1")
	}

	query := `SELECT entity_type, entity_id, payload, updated_at, last_synced, is_active FROM entities`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, entity_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var snaps []*schema.Snapshot
	for rows.Next() {
		snap, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return snaps, nil
}

// CountEntities returns the number of active cached entities per type.
func (db *DB) CountEntities(ctx context.Context) (map[schema.EntityType]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM entities WHERE is_active = 1 GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.EntityType]int)
	for rows.Next() {
		var (
			typ   string
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("failed to scan entity count: %w", err)
		}
		counts[schema.EntityType(typ)] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*schema.Snapshot, error) {
	var (
		typ        string
		snap       schema.Snapshot
		payload    sql.NullString
		updatedAt  int64
		lastSynced sql.NullInt64
		active     int
	)
	if err := row.Scan(&typ, &snap.EntityID, &payload, &updatedAt, &lastSynced, &active); err != nil {
		return nil, err
	}
	snap.EntityType = schema.EntityType(typ)
	if payload.Valid {
		snap.Payload = []byte(payload.String)
	}
	snap.UpdatedAt = FromNanos(updatedAt)
	snap.LastSynced = NanosPtr(lastSynced)
	snap.Deleted = active == 0
	return &snap, nil
}

func payloadToNullString(p []byte) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
