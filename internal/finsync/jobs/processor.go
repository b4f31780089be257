package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/events"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/notify"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"golang.org/x/sync/semaphore"
)

// ErrPermanent marks a handler error that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Handler runs one job. Returning an error schedules a retry unless the
// error wraps ErrPermanent or the attempt budget is spent.
type Handler func(ctx context.Context, job *Job, payload Payload) error

// Config holds configuration for the job processor.
type Config struct {
	DB *db.DB

	// Syncer runs sync jobs. Required to process TypeSync.
	Syncer engine.Syncer

	// Notifier delivers notification jobs. Defaults to a LogNotifier.
	Notifier notify.Notifier

	Bus    *events.Bus
	Logger *log.Logger

	// Workers is the number of goroutines started by Start.
	Workers int

	// PollInterval is how long an idle worker waits before looking again.
	PollInterval time.Duration

	// LeaseDuration is how long a claimed job stays reserved without renewal.
	LeaseDuration time.Duration

	// MaxStalledCount is how many times a job whose worker vanished may be
	// reclaimed before it is failed.
	MaxStalledCount int

	SyncConcurrency         int64
	NotificationConcurrency int64

	SyncPolicy         RetryPolicy
	NotificationPolicy RetryPolicy

	// Owner identifies this process in lease columns. Generated if empty.
	Owner string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 2,
		PollInterval:            time.Second,
		LeaseDuration:           30 * time.Second,
		MaxStalledCount:         1,
		SyncConcurrency:         1,
		NotificationConcurrency: 4,
		SyncPolicy:              DefaultSyncPolicy,
		NotificationPolicy:      DefaultNotificationPolicy,
	}
}

// Processor stores and runs jobs.
type Processor struct {
	db       *db.DB
	bus      *events.Bus
	logger   *log.Logger
	owner    string
	handlers map[Type]Handler
	limiters map[Type]*semaphore.Weighted
	policies map[Type]RetryPolicy
	order    []Type

	workers       int
	pollInterval  time.Duration
	leaseDuration time.Duration
	maxStalled    int

	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a processor. Zero fields of cfg take DefaultConfig values.
func New(cfg Config) (*Processor, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("jobs: DB is required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.MaxStalledCount <= 0 {
		cfg.MaxStalledCount = def.MaxStalledCount
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = def.SyncConcurrency
	}
	if cfg.NotificationConcurrency <= 0 {
		cfg.NotificationConcurrency = def.NotificationConcurrency
	}
	if cfg.SyncPolicy == (RetryPolicy{}) {
		cfg.SyncPolicy = def.SyncPolicy
	}
	if cfg.NotificationPolicy == (RetryPolicy{}) {
		cfg.NotificationPolicy = def.NotificationPolicy
	}
	if err := cfg.SyncPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync policy: %w", err)
	}
	if err := cfg.NotificationPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification policy: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[jobs] ", log.LstdFlags)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), schema.NewID())
	}

	p := &Processor{
		db:            cfg.DB,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		owner:         cfg.Owner,
		handlers:      make(map[Type]Handler),
		limiters:      make(map[Type]*semaphore.Weighted),
		policies:      map[Type]RetryPolicy{TypeSync: cfg.SyncPolicy, TypeNotification: cfg.NotificationPolicy},
		order:         []Type{TypeSync, TypeNotification},
		workers:       cfg.Workers,
		pollInterval:  cfg.PollInterval,
		leaseDuration: cfg.LeaseDuration,
		maxStalled:    cfg.MaxStalledCount,
		now:           time.Now,
	}
	p.limiters[TypeSync] = semaphore.NewWeighted(cfg.SyncConcurrency)
	p.limiters[TypeNotification] = semaphore.NewWeighted(cfg.NotificationConcurrency)

	if cfg.Syncer != nil {
		p.handlers[TypeSync] = syncHandler(cfg.Syncer)
	}
	p.handlers[TypeNotification] = notificationHandler(cfg.Notifier)
	return p, nil
}

// Handle replaces the handler for typ.
func (p *Processor) Handle(typ Type, h Handler) {
	p.handlers[typ] = h
}

func syncHandler(s engine.Syncer) Handler {
	return func(ctx context.Context, job *Job, payload Payload) error {
		sp := payload.(*SyncPayload)
		var err error
		if sp.AccountID != "" {
			_, err = s.SyncFinancial(ctx, sp.DeviceID, sp.AccountID, sp.SyncType)
		} else {
			_, err = s.Synchronize(ctx, sp.DeviceID, sp.EntityTypes)
		}
		if err != nil {
			if remote.IsPermanent(err) {
				return fmt.Errorf("%w: %v", ErrPermanent, err)
			}
			return err
		}
		// Per-item errors are already queued for retry or dead-lettered by
		// the engine; the job itself succeeded.
		return nil
	}
}

func notificationHandler(n notify.Notifier) Handler {
	return func(ctx context.Context, job *Job, payload Payload) error {
		np := payload.(*NotificationPayload)
		_, err := n.Send(ctx, np.UserID, np.Title, np.Body, np.Data)
		if err != nil && remote.IsPermanent(err) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return err
	}
}

// ProcessNext claims and runs one runnable job. It reports false when no
// job was runnable or every job type was at its concurrency limit.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	for _, typ := range p.order {
		if _, ok := p.handlers[typ]; !ok {
			continue
		}
		lim := p.limiters[typ]
		if !lim.TryAcquire(1) {
			continue
		}

		job, err := p.claim(ctx, typ)
		if err != nil || job == nil {
			lim.Release(1)
			if err != nil {
				return false, err
			}
			continue
		}

		p.run(ctx, job)
		lim.Release(1)
		return true, nil
	}
	return false, nil
}

// claim reserves the oldest runnable job of typ. Jobs whose lease expired
// are reclaimed until they reach the stall limit, then failed.
func (p *Processor) claim(ctx context.Context, typ Type) (*Job, error) {
	const runnable = `type = ? AND ((status = 'pending' AND run_at <= ?) OR (status = 'active' AND lease_expires_at < ?))`

	for tries := 0; tries < 5; tries++ {
		now := db.ToNanos(p.now())

		var (
			id, status string
			attempts   int
			maxAtt     int
			reclaims   int
		)
		err := p.db.RawDB().QueryRowContext(ctx,
			`SELECT id, status, attempts, max_attempts, reclaims FROM jobs WHERE `+runnable+` ORDER BY run_at, created_at LIMIT 1`,
			string(typ), now, now).Scan(&id, &status, &attempts, &maxAtt, &reclaims)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to find runnable job: %w", err)
		}

		stalled := Status(status) == StatusActive
		if stalled && (reclaims >= p.maxStalled || attempts >= maxAtt) {
			failed, err := p.failStalled(ctx, id, now)
			if err != nil {
				return nil, err
			}
			if failed {
				p.logger.Printf("WARNING: job %s stalled %d times, marking failed", id, reclaims+1)
				p.publishFailed(id, typ, "job stalled")
			}
			continue
		}

		reclaim := 0
		if stalled {
			reclaim = 1
		}
		res, err := p.db.RawDB().ExecContext(ctx, `
		UPDATE jobs SET status = 'active', attempts = attempts + 1, reclaims = reclaims + ?,
			lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND `+runnable,
			reclaim, p.owner, db.ToNanos(p.now().Add(p.leaseDuration)), now,
			id, string(typ), now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if n == 0 {
			// Another worker won the race; look again.
			continue
		}
		if stalled {
			p.logger.Printf("Reclaimed stalled job %s", id)
		}
		return p.GetJobStatus(ctx, id)
	}
	return nil, nil
}

func (p *Processor) failStalled(ctx context.Context, id string, now int64) (bool, error) {
	res, err := p.db.RawDB().ExecContext(ctx, `
	UPDATE jobs SET status = 'failed', last_error = 'job stalled', lease_owner = NULL,
		lease_expires_at = NULL, updated_at = ?
	WHERE id = ? AND status = 'active' AND lease_expires_at < ?
	`, now, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to fail stalled job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// run executes a claimed job and records the outcome.
func (p *Processor) run(ctx context.Context, job *Job) {
	stop := p.renewLease(job.ID)
	err := p.execute(ctx, job)
	stop()

	// Record the outcome even when ctx was canceled mid-run.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err == nil {
		if ferr := p.complete(finishCtx, job.ID); ferr != nil {
			p.logger.Printf("Error completing job %s: %v", job.ID, ferr)
		}
		return
	}

	if ctx.Err() != nil {
		// Shutdown: give the attempt back so it does not count.
		if rerr := p.release(finishCtx, job.ID); rerr != nil {
			p.logger.Printf("Error releasing job %s: %v", job.ID, rerr)
		}
		return
	}

	permanent := errors.Is(err, ErrPermanent)
	if permanent || job.Attempts >= job.MaxAttempts {
		if ferr := p.fail(finishCtx, job.ID, err); ferr != nil {
			p.logger.Printf("Error failing job %s: %v", job.ID, ferr)
			return
		}
		p.logger.Printf("WARNING: job %s failed after %d attempts: %v", job.ID, job.Attempts, err)
		p.publishFailed(job.ID, job.Type, err.Error())
		return
	}

	delay := job.Policy.Delay(job.Attempts)
	if rerr := p.reschedule(finishCtx, job.ID, delay, err); rerr != nil {
		p.logger.Printf("Error rescheduling job %s: %v", job.ID, rerr)
		return
	}
	p.logger.Printf("Job %s attempt %d/%d failed, retrying in %v: %v", job.ID, job.Attempts, job.MaxAttempts, delay, err)
}

func (p *Processor) execute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	payload, err := job.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	h, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", ErrPermanent, job.Type)
	}
	return h(ctx, job, payload)
}

// renewLease extends the job lease every third of its duration until the
// returned stop function is called.
func (p *Processor) renewLease(id string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.leaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, err := p.db.RawDB().Exec(
					`UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND lease_owner = ? AND status = 'active'`,
					db.ToNanos(p.now().Add(p.leaseDuration)), id, p.owner)
				if err != nil {
					p.logger.Printf("WARNING: failed to renew lease of job %s: %v", id, err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func (p *Processor) complete(ctx context.Context, id string) error {
	now := db.ToNanos(p.now())
	_, err := p.db.RawDB().ExecContext(ctx, `
	UPDATE jobs SET status = 'completed', completed_at = ?, updated_at = ?, last_error = NULL,
		lease_owner = NULL, lease_expires_at = NULL
	WHERE id = ? AND lease_owner = ?
	`, now, now, id, p.owner)
	return err
}

func (p *Processor) fail(ctx context.Context, id string, cause error) error {
	now := db.ToNanos(p.now())
	_, err := p.db.RawDB().ExecContext(ctx, `
	UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ?,
		lease_owner = NULL, lease_expires_at = NULL
	WHERE id = ? AND lease_owner = ?
	`, cause.Error(), now, id, p.owner)
	return err
}

func (p *Processor) reschedule(ctx context.Context, id string, delay time.Duration, cause error) error {
	now := p.now()
	_, err := p.db.RawDB().ExecContext(ctx, `
	UPDATE jobs SET status = 'pending', run_at = ?, last_error = ?, updated_at = ?,
		lease_owner = NULL, lease_expires_at = NULL
	WHERE id = ? AND lease_owner = ?
	`, db.ToNanos(now.Add(delay)), cause.Error(), db.ToNanos(now), id, p.owner)
	return err
}

func (p *Processor) release(ctx context.Context, id string) error {
	now := db.ToNanos(p.now())
	_, err := p.db.RawDB().ExecContext(ctx, `
	UPDATE jobs SET status = 'pending', attempts = MAX(attempts - 1, 0), updated_at = ?,
		lease_owner = NULL, lease_expires_at = NULL
	WHERE id = ? AND lease_owner = ?
	`, now, id, p.owner)
	return err
}

func (p *Processor) publishFailed(id string, typ Type, msg string) {
	p.bus.Publish(events.Event{
		Kind:   events.KindJobFailed,
		JobID:  id,
		Source: string(typ),
		Error:  msg,
	})
}

// Start launches the worker goroutines. They run until ctx is canceled or
// Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Printf("Starting %d job workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// Stop cancels the workers and waits for running jobs to wind down.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Println("Job workers stopped")
}

func (p *Processor) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		ran, err := p.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Printf("Error processing jobs: %v", err)
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}
