// Package queue implements the durable change queue of pending local mutations.
//
// The queue holds at most one pending record per (device, entity). Later
// mutations of the same entity coalesce into the pending record instead of
// queuing behind it, so replay order can never resurrect an older state.
//
// Every method commits to SQLite before returning. Methods with a Tx suffix
// take a db.Querier and run inside the caller's transaction; the sync engine
// uses them to apply a whole cycle atomically.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry ceiling used when none is configured.
const DefaultMaxRetries = 5

// ErrNotPending is returned when a record is no longer in the active queue,
// typically because another worker already acknowledged or discarded it.
var ErrNotPending = errors.New("change is not pending")

// ErrEntityTypeMismatch is returned by Enqueue when the entity id already
// has a pending change of another entity type on the same device.
var ErrEntityTypeMismatch = errors.New("entity id is pending under another entity type")

// Store is the SQLite-backed change queue.
type Store struct {
	db         *db.DB
	maxRetries int
	clock      *Clock
}

// New creates a queue store on an initialized database.
// maxRetries <= 0 selects DefaultMaxRetries.
func New(database *db.DB, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{
		db:         database,
		maxRetries: maxRetries,
		clock:      NewClock(),
	}
}

// MaxRetries returns the configured retry ceiling.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// Clock returns the per-device monotonic clock used to stamp changes.
func (s *Store) Clock() *Clock {
	return s.clock
}

// Enqueue adds a change, coalescing it with any pending change for the same
// entity on the same device.
//
// A missing ID or Timestamp is filled in. The change is validated before
// anything is written.
//
// Example:
//
//	err := store.Enqueue(ctx, &schema.ChangeRecord{
//	    EntityType: schema.EntityAccount,
//	    EntityID:   "acc-1",
//	    Operation:  schema.OpUpdate,
//	    Payload:    payload,
//	    DeviceID:   "dev-1",
//	})
func (s *Store) Enqueue(ctx context.Context, change *schema.ChangeRecord) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.EnqueueTx(ctx, tx, change)
	})
}

// EnqueueTx is Enqueue inside the caller's transaction.
func (s *Store) EnqueueTx(ctx context.Context, q db.Querier, change *schema.ChangeRecord) error {
	if change.ID == "" {
		change.ID = schema.NewID()
	}
	if change.Timestamp.IsZero() && change.DeviceID != "" {
		change.Timestamp = s.clock.Now(change.DeviceID)
	}
	if err := change.Validate(); err != nil {
		return fmt.Errorf("invalid change: %w", err)
	}

	prev, err := s.PendingForTx(ctx, q, change.DeviceID, change.EntityID)
	if err != nil {
		return err
	}

	if prev == nil {
		return insertChange(ctx, q, change)
	}
	if prev.EntityType != change.EntityType {
		return fmt.Errorf("%w: %s is pending as %s, not %s",
			ErrEntityTypeMismatch, change.EntityID, prev.EntityType, change.EntityType)
	}

	merged := coalesce(prev, change)
	query := `
	UPDATE change_queue SET
		id = ?, entity_type = ?, operation = ?, payload = ?, ts = ?,
		retry_count = 0, last_error = NULL
	WHERE id = ?
	`
	_, err = q.ExecContext(ctx, query,
		merged.ID,
		string(merged.EntityType),
		string(merged.Operation),
		payloadToNullString(merged.Payload),
		db.ToNanos(merged.Timestamp),
		prev.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to coalesce change %s into %s: %w", merged.ID, prev.ID, err)
	}

	*change = *merged
	return nil
}

// coalesce folds next into the pending record prev.
//
// A Delete supersedes anything. An Update over a pending Create stays a
// Create because the remote has not seen the entity yet. Otherwise the later
// operation wins. The result always carries next's id and payload and the
// later of the two timestamps.
func coalesce(prev, next *schema.ChangeRecord) *schema.ChangeRecord {
	merged := *next
	merged.RetryCount = 0

	switch {
	case next.Operation == schema.OpDelete:
		merged.Payload = nil
	case prev.Operation == schema.OpCreate && next.Operation == schema.OpUpdate:
		merged.Operation = schema.OpCreate
	}

	if prev.Timestamp.After(next.Timestamp) {
		merged.Timestamp = prev.Timestamp
	}
	return &merged
}

func insertChange(ctx context.Context, q db.Querier, c *schema.ChangeRecord) error {
	query := `
	INSERT INTO change_queue (
		id, device_id, entity_type, entity_id, operation, payload, ts, retry_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		c.ID,
		c.DeviceID,
		string(c.EntityType),
		c.EntityID,
		string(c.Operation),
		payloadToNullString(c.Payload),
		db.ToNanos(c.Timestamp),
		c.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert change %s: %w", c.ID, err)
	}
	return nil
}

// Drain returns all pending changes for deviceID, oldest first.
// Records stay in the queue until acknowledged.
func (s *Store) Drain(ctx context.Context, deviceID string) ([]*schema.ChangeRecord, error) {
	query := `
	SELECT id, device_id, entity_type, entity_id, operation, payload, ts, retry_count
	FROM change_queue
	WHERE device_id = ?
	ORDER BY ts ASC, id ASC
	`
	rows, err := s.db.RawDB().QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var changes []*schema.ChangeRecord
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return changes, nil
}

// Get returns a pending change by id, or nil if it is not pending.
func (s *Store) Get(ctx context.Context, changeID string) (*schema.ChangeRecord, error) {
	query := `
	SELECT id, device_id, entity_type, entity_id, operation, payload, ts, retry_count
	FROM change_queue WHERE id = ?
	`
	c, err := scanChange(s.db.RawDB().QueryRowContext(ctx, query, changeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change %s: %w", changeID, err)
	}
	return c, nil
}

// PendingFor returns the pending change for an entity on a device, or nil.
func (s *Store) PendingFor(ctx context.Context, deviceID, entityID string) (*schema.ChangeRecord, error) {
	return s.PendingForTx(ctx, s.db.RawDB(), deviceID, entityID)
}

// PendingForTx is PendingFor inside the caller's transaction.
func (s *Store) PendingForTx(ctx context.Context, q db.Querier, deviceID, entityID string) (*schema.ChangeRecord, error) {
	query := `
	SELECT id, device_id, entity_type, entity_id, operation, payload, ts, retry_count
	FROM change_queue WHERE device_id = ? AND entity_id = ?
	`
	c, err := scanChange(q.QueryRowContext(ctx, query, deviceID, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending change for %s: %w", entityID, err)
	}
	return c, nil
}

// Acknowledge removes a change after the remote applied it.
// Returns ErrNotPending if the change is no longer queued.
func (s *Store) Acknowledge(ctx context.Context, changeID string) error {
	return s.AcknowledgeTx(ctx, s.db.RawDB(), changeID)
}

// AcknowledgeTx is Acknowledge inside the caller's transaction.
func (s *Store) AcknowledgeTx(ctx context.Context, q db.Querier, changeID string) error {
	return deletePending(ctx, q, changeID, "acknowledge")
}

// Discard removes a pending change that lost a conflict and is now stale.
// Returns ErrNotPending if the change is no longer queued.
func (s *Store) Discard(ctx context.Context, changeID string) error {
	return s.DiscardTx(ctx, s.db.RawDB(), changeID)
}

// DiscardTx is Discard inside the caller's transaction.
func (s *Store) DiscardTx(ctx context.Context, q db.Querier, changeID string) error {
	return deletePending(ctx, q, changeID, "discard")
}

func deletePending(ctx context.Context, q db.Querier, changeID, verb string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM change_queue WHERE id = ?`, changeID)
	if err != nil {
		return fmt.Errorf("failed to %s change %s: %w", verb, changeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s change %s: %w", verb, changeID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", verb, changeID, ErrNotPending)
	}
	return nil
}

// MarkFailed records a transient failure for a change.
//
// The retry count is incremented; once it reaches the retry ceiling the change
// moves to the dead-letter set and deadLettered is true. With a ceiling of 5,
// the fifth failure dead-letters the change and it is never sent a sixth time.
func (s *Store) MarkFailed(ctx context.Context, changeID string, cause error) (deadLettered bool, err error) {
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		deadLettered, txErr = s.MarkFailedTx(ctx, tx, changeID, cause)
		return txErr
	})
	return deadLettered, err
}

// MarkFailedTx is MarkFailed inside the caller's transaction.
func (s *Store) MarkFailedTx(ctx context.Context, q db.Querier, changeID string, cause error) (bool, error) {
	var retries int
	err := q.QueryRowContext(ctx,
		`UPDATE change_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ? RETURNING retry_count`,
		errString(cause), changeID,
	).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("mark failed %s: %w", changeID, ErrNotPending)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark change %s failed: %w", changeID, err)
	}

	if retries < s.maxRetries {
		return false, nil
	}

	if err := moveToDeadLetter(ctx, q, changeID, schema.ReasonExhausted, cause); err != nil {
		return false, err
	}
	return true, nil
}

// Reject removes a change the remote refused permanently and keeps it in the
// dead-letter set for diagnostics.
func (s *Store) Reject(ctx context.Context, changeID string, cause error) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.RejectTx(ctx, tx, changeID, cause)
	})
}

// RejectTx is Reject inside the caller's transaction.
func (s *Store) RejectTx(ctx context.Context, q db.Querier, changeID string, cause error) error {
	return moveToDeadLetter(ctx, q, changeID, schema.ReasonPermanent, cause)
}

func moveToDeadLetter(ctx context.Context, q db.Querier, changeID string, reason schema.DeadLetterReason, cause error) error {
	query := `
	INSERT INTO dead_letters (
		id, change_id, device_id, entity_type, entity_id, operation, payload,
		ts, retry_count, reason, last_error, failed_at
	)
	SELECT ?, id, device_id, entity_type, entity_id, operation, payload,
		ts, retry_count, ?, ?, ?
	FROM change_queue WHERE id = ?
	`
	res, err := q.ExecContext(ctx, query,
		uuid.NewString(),
		string(reason),
		errString(cause),
		db.ToNanos(time.Now()),
		changeID,
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter change %s: %w", changeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter %s: %w", changeID, ErrNotPending)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM change_queue WHERE id = ?`, changeID); err != nil {
		return fmt.Errorf("failed to remove dead-lettered change %s: %w", changeID, err)
	}
	return nil
}

// Count returns the number of pending changes for deviceID.
// An empty deviceID counts every device.
func (s *Store) Count(ctx context.Context, deviceID string) (int, error) {
	query := `SELECT COUNT(*) FROM change_queue`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}

	var count int
	if err := s.db.RawDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// Clock hands out per-device timestamps that never go backwards, even when
// the wall clock does.
type Clock struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Now returns a UTC timestamp strictly after the previous one for deviceID.
func (c *Clock) Now(deviceID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if prev, ok := c.last[deviceID]; ok && !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	c.last[deviceID] = t
	return t
}

func scanChange(row interface{ Scan(...any) error }) (*schema.ChangeRecord, error) {
	var (
		c          schema.ChangeRecord
		entityType string
		operation  string
		payload    sql.NullString
		ts         int64
	)
	if err := row.Scan(&c.ID, &c.DeviceID, &entityType, &c.EntityID, &operation, &payload, &ts, &c.RetryCount); err != nil {
		return nil, err
	}
	c.EntityType = schema.EntityType(entityType)
	c.Operation = schema.Operation(operation)
	if payload.Valid {
		c.Payload = []byte(payload.String)
	}
	c.Timestamp = db.FromNanos(ts)
	return &c, nil
}

func payloadToNullString(p []byte) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func errString(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}
