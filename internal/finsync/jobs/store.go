package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/google/uuid"
)

// EnqueueJob validates and stores a job, returning its id. A pending sync
// job with the same scope is reused instead of adding a duplicate.
//
// Example:
//
//	id, err := proc.EnqueueJob(ctx, &jobs.SyncPayload{DeviceID: "dev-1"})
func (p *Processor) EnqueueJob(ctx context.Context, payload Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	typ := payload.Type()
	policy, ok := p.policies[typ]
	if !ok {
		return "", fmt.Errorf("%w: no policy for job type %q", ErrInvalidPayload, typ)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	var id string
	err = p.db.WithTx(ctx, func(tx *sql.Tx) error {
		key := payload.dedupeKey()
		if key != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE dedupe_key = ? AND status = ? LIMIT 1`,
				key, string(StatusPending)).Scan(&id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to look up pending job: %w", err)
			}
		}

		id = uuid.NewString()
		now := db.ToNanos(p.now())
		query := `
		INSERT INTO jobs (
			id, type, payload, dedupe_key, status, attempts, max_attempts,
			base_delay_ms, multiplier, cap_ms, run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			id, string(typ), string(data), nullString(key), string(StatusPending),
			policy.MaxAttempts, policy.BaseDelay.Milliseconds(), policy.Multiplier, policy.Cap.Milliseconds(),
			now, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueSyncJob enqueues a sync cycle for deviceID.
func (p *Processor) EnqueueSyncJob(ctx context.Context, payload SyncPayload) (string, error) {
	return p.EnqueueJob(ctx, &payload)
}

// EnqueueNotificationJob enqueues a user notification.
func (p *Processor) EnqueueNotificationJob(ctx context.Context, payload NotificationPayload) (string, error) {
	return p.EnqueueJob(ctx, &payload)
}

// GetJobStatus returns the job with id, or ErrNotFound.
func (p *Processor) GetJobStatus(ctx context.Context, id string) (*Job, error) {
	row := p.db.RawDB().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs with status, or all jobs if status is empty, newest
// first.
func (p *Processor) ListJobs(ctx context.Context, status Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status %q", status)
		}
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := p.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Retry puts a failed job back to pending with a fresh attempt budget.
func (p *Processor) Retry(ctx context.Context, id string) error {
	now := db.ToNanos(p.now())
	res, err := p.db.RawDB().ExecContext(ctx, `
	UPDATE jobs SET status = ?, attempts = 0, reclaims = 0, run_at = ?, updated_at = ?,
		lease_owner = NULL, lease_expires_at = NULL, completed_at = NULL
	WHERE id = ? AND status = ?
	`, string(StatusPending), now, now, id, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", id, err)
	}
	if n == 0 {
		if _, err := p.GetJobStatus(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotFailed, id)
	}
	p.logger.Printf("Job %s requeued", id)
	return nil
}

// PurgeCompleted deletes completed jobs finished before olderThan.
func (p *Processor) PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.RawDB().ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND completed_at < ?`,
		string(StatusCompleted), db.ToNanos(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Counts returns the number of jobs per status.
func (p *Processor) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.RawDB().QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, base_delay_ms, multiplier, cap_ms,
	run_at, reclaims, last_error, created_at, updated_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j                    Job
		typ, payload, status string
		baseMS, capMS        int64
		runAt, created, upd  int64
		lastError            sql.NullString
		completed            sql.NullInt64
	)
	err := row.Scan(&j.ID, &typ, &payload, &status, &j.Attempts, &j.MaxAttempts,
		&baseMS, &j.Policy.Multiplier, &capMS,
		&runAt, &j.Reclaims, &lastError, &created, &upd, &completed)
	if err != nil {
		return nil, err
	}
	j.Type = Type(typ)
	j.Payload = json.RawMessage(payload)
	j.Status = Status(status)
	j.Policy.MaxAttempts = j.MaxAttempts
	j.Policy.BaseDelay = time.Duration(baseMS) * time.Millisecond
	j.Policy.Cap = time.Duration(capMS) * time.Millisecond
	j.RunAt = db.FromNanos(runAt)
	j.LastError = lastError.String
	j.CreatedAt = db.FromNanos(created)
	j.UpdatedAt = db.FromNanos(upd)
	j.CompletedAt = db.NanosPtr(completed)
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
