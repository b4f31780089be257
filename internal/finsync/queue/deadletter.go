package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// ErrDeadLetterNotFound is returned when a dead letter id is unknown.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetterFilter narrows DeadLetters results.
type DeadLetterFilter struct {
	DeviceID string
	Reason   schema.DeadLetterReason
	Since    time.Time
}

// DeadLetters returns dead-lettered changes, most recent failure first.
func (s *Store) DeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*schema.DeadLetter, error) {
	query := `
	SELECT id, change_id, device_id, entity_type, entity_id, operation, payload,
		ts, retry_count, reason, last_error, failed_at
	FROM dead_letters
	WHERE (? = '' OR device_id = ?)
	  AND (? = '' OR reason = ?)
	  AND failed_at >= ?
	ORDER BY failed_at DESC, id
	`
	var since int64
	if !filter.Since.IsZero() {
		since = db.ToNanos(filter.Since)
	}

	rows, err := s.db.RawDB().QueryContext(ctx, query,
		filter.DeviceID, filter.DeviceID,
		string(filter.Reason), string(filter.Reason),
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*schema.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}

// GetDeadLetter returns one dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*schema.DeadLetter, error) {
	return getDeadLetter(ctx, s.db.RawDB(), id)
}

func getDeadLetter(ctx context.Context, q db.Querier, id string) (*schema.DeadLetter, error) {
	query := `
	SELECT id, change_id, device_id, entity_type, entity_id, operation, payload,
		ts, retry_count, reason, last_error, failed_at
	FROM dead_letters WHERE id = ?
	`
	dl, err := scanDeadLetter(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrDeadLetterNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	return dl, nil
}

// Requeue moves a dead letter back into the active queue with a fresh id and
// a zero retry count. It coalesces with any change enqueued for the entity
// since, the newer of the two winning as usual.
func (s *Store) Requeue(ctx context.Context, id string) (*schema.ChangeRecord, error) {
	var requeued *schema.ChangeRecord
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		dl, err := getDeadLetter(ctx, tx, id)
		if err != nil {
			return err
		}

		change := dl.Change
		change.ID = schema.NewID()
		change.RetryCount = 0

		prev, err := s.PendingForTx(ctx, tx, change.DeviceID, change.EntityID)
		if err != nil {
			return err
		}
		if prev != nil && prev.Timestamp.After(change.Timestamp) {
			// Something newer was recorded meanwhile; the dead letter is stale.
			requeued = prev
		} else {
			if err := s.EnqueueTx(ctx, tx, &change); err != nil {
				return err
			}
			requeued = &change
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove dead letter %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// PurgeDeadLetters deletes dead letters for deviceID (all devices if empty)
// that failed before olderThan (all if zero). Returns the number removed.
func (s *Store) PurgeDeadLetters(ctx context.Context, deviceID string, olderThan time.Time) (int, error) {
	cutoff := int64(1<<63 - 1)
	if !olderThan.IsZero() {
		cutoff = db.ToNanos(olderThan)
	}

	res, err := s.db.RawDB().ExecContext(ctx,
		`DELETE FROM dead_letters WHERE (? = '' OR device_id = ?) AND failed_at < ?`,
		deviceID, deviceID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return int(n), nil
}

// DeadLetterCount returns the number of dead letters for deviceID (all if empty).
func (s *Store) DeadLetterCount(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE (? = '' OR device_id = ?)`,
		deviceID, deviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

func scanDeadLetter(row interface{ Scan(...any) error }) (*schema.DeadLetter, error) {
	var (
		dl         schema.DeadLetter
		entityType string
		operation  string
		payload    sql.NullString
		ts         int64
		reason     string
		lastErr    sql.NullString
		failedAt   int64
	)
	err := row.Scan(&dl.ID, &dl.Change.ID, &dl.Change.DeviceID, &entityType, &dl.Change.EntityID,
		&operation, &payload, &ts, &dl.Change.RetryCount, &reason, &lastErr, &failedAt)
	if err != nil {
		return nil, err
	}
	dl.Change.EntityType = schema.EntityType(entityType)
	dl.Change.Operation = schema.Operation(operation)
	if payload.Valid {
		dl.Change.Payload = []byte(payload.String)
	}
	dl.Change.Timestamp = db.FromNanos(ts)
	dl.Reason = schema.DeadLetterReason(reason)
	dl.LastError = lastErr.String
	dl.FailedAt = db.FromNanos(failedAt)
	return &dl, nil
}
