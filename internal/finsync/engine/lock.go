package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
)

// acquireLease takes the device lease if it is free, expired or already ours.
func (s *syncer) acquireLease(ctx context.Context, deviceID string) (bool, error) {
	now := time.Now()
	query := `
	INSERT INTO sync_locks (device_id, owner, expires_at)
	VALUES (?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		owner = excluded.owner,
		expires_at = excluded.expires_at
	WHERE sync_locks.expires_at < ? OR sync_locks.owner = excluded.owner
	`
	res, err := s.db.RawDB().ExecContext(ctx, query,
		deviceID, s.owner, db.ToNanos(now.Add(s.leaseDuration)), db.ToNanos(now))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	return n > 0, nil
}

// renewLease extends the lease every third of its duration until the
// returned stop function is called.
func (s *syncer) renewLease(deviceID string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.leaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, err := s.db.RawDB().Exec(
					`UPDATE sync_locks SET expires_at = ? WHERE device_id = ? AND owner = ?`,
					db.ToNanos(time.Now().Add(s.leaseDuration)), deviceID, s.owner)
				if err != nil {
					s.logger.Printf("WARNING: failed to renew sync lease for %s: %v", deviceID, err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// releaseLease drops the lease if we still hold it.
func (s *syncer) releaseLease(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.RawDB().ExecContext(ctx,
		`DELETE FROM sync_locks WHERE device_id = ? AND owner = ?`, deviceID, s.owner)
	if err != nil {
		s.logger.Printf("WARNING: failed to release sync lease for %s: %v", deviceID, err)
	}
}
