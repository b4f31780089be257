package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/cursor"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/events"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/queue"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/resolve"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"golang.org/x/sync/singleflight"
)

// Defaults applied by New.
const (
	DefaultPushBatchSize = 100
	DefaultPullPageSize  = 500
	DefaultRemoteTimeout = 30 * time.Second
	DefaultLeaseDuration = 2 * time.Minute
	DefaultMaxPages      = 1000
)

// Config configures a Syncer.
type Config struct {
	// DB is the initialized local store. Required.
	DB *db.DB

	// Remote is the sync service client. Required.
	Remote remote.Client

	// Queue and Cursors default to stores on DB.
	Queue   *queue.Store
	Cursors *cursor.Tracker

	// Bus receives events after each committed cycle. Optional.
	Bus *events.Bus

	// Logger defaults to stderr with an "[engine] " prefix.
	Logger *log.Logger

	PushBatchSize int
	PullPageSize  int

	// RemoteTimeout bounds every remote call.
	RemoteTimeout time.Duration

	// LeaseDuration bounds how long a crashed process can block the device.
	LeaseDuration time.Duration

	// MaxPages bounds the pages pulled per entity type in one cycle.
	MaxPages int

	// Owner identifies this process in sync_locks. Generated if empty.
	Owner string
}

// syncer implements the Syncer interface.
type syncer struct {
	db      *db.DB
	queue   *queue.Store
	cursors *cursor.Tracker
	remote  remote.Client
	bus     *events.Bus
	logger  *log.Logger

	pushBatchSize int
	pullPageSize  int
	remoteTimeout time.Duration
	leaseDuration time.Duration
	maxPages      int
	owner         string

	flights singleflight.Group
}

// New creates a Syncer.
//
// Example:
//
//	syncer, err := engine.New(engine.Config{
//	    DB:     database,
//	    Remote: remote.NewHTTPClient("https://api.example.com"),
//	})
func New(cfg Config) (Syncer, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("engine: DB is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("engine: Remote is required")
	}

	s := &syncer{
		db:            cfg.DB,
		queue:         cfg.Queue,
		cursors:       cfg.Cursors,
		remote:        cfg.Remote,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		pushBatchSize: cfg.PushBatchSize,
		pullPageSize:  cfg.PullPageSize,
		remoteTimeout: cfg.RemoteTimeout,
		leaseDuration: cfg.LeaseDuration,
		maxPages:      cfg.MaxPages,
		owner:         cfg.Owner,
	}
	if s.queue == nil {
		s.queue = queue.New(cfg.DB, 0)
	}
	if s.cursors == nil {
		s.cursors = cursor.New(cfg.DB)
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if s.pushBatchSize <= 0 {
		s.pushBatchSize = DefaultPushBatchSize
	}
	if s.pullPageSize <= 0 {
		s.pullPageSize = DefaultPullPageSize
	}
	if s.remoteTimeout <= 0 {
		s.remoteTimeout = DefaultRemoteTimeout
	}
	if s.leaseDuration <= 0 {
		s.leaseDuration = DefaultLeaseDuration
	}
	if s.maxPages <= 0 {
		s.maxPages = DefaultMaxPages
	}
	if s.owner == "" {
		host, _ := os.Hostname()
		s.owner = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), schema.NewID())
	}
	return s, nil
}

// RecordChange implements Syncer.RecordChange.
func (s *syncer) RecordChange(ctx context.Context, change *schema.ChangeRecord) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.queue.EnqueueTx(ctx, tx, change); err != nil {
			return err
		}
		snap := change.Snapshot()
		snap.Dirty = false
		if err := db.UpsertEntityTx(ctx, tx, snap); err != nil {
			return fmt.Errorf("failed to update local cache: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Printf("Recorded %s %s %s (%s)", change.Operation, change.EntityType, change.EntityID, change.ID)
	return nil
}

// SyncFinancial implements Syncer.SyncFinancial.
func (s *syncer) SyncFinancial(ctx context.Context, deviceID, accountID string, syncType remote.SyncType) (*Result, error) {
	if syncType == "" {
		syncType = remote.SyncFull
	}
	if !syncType.Valid() {
		return nil, fmt.Errorf("invalid sync type %q", syncType)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	resp, err := s.remote.SyncFinancial(callCtx, remote.FinancialSyncRequest{AccountID: accountID, SyncType: syncType})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("financial refresh of %s failed: %w", accountID, err)
	}
	s.logger.Printf("Financial refresh of %s: accounts=%d transactions=%d", accountID, resp.Accounts, resp.Transactions)

	return s.Synchronize(ctx, deviceID, []schema.EntityType{schema.EntityAccount, schema.EntityTransaction})
}

// Synchronize implements Syncer.Synchronize.
func (s *syncer) Synchronize(ctx context.Context, deviceID string, entityTypes []schema.EntityType) (*Result, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	types, err := normalizeTypes(entityTypes)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		ran := false
		ch := s.flights.DoChan(deviceID, func() (any, error) {
			ran = true
			// The cycle outlives a caller that gives up; others may share it.
			res, err := s.run(context.WithoutCancel(ctx), deviceID, types)
			if err != nil {
				return nil, err
			}
			return &flight{res: res, types: types}, nil
		})

		var out singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out = <-ch:
		}
		if out.Err != nil {
			return nil, out.Err
		}

		f := out.Val.(*flight)
		if !ran && !covers(f.types, types) {
			// The shared cycle skipped some of our types; run our own.
			continue
		}
		res := *f.res
		if out.Shared && !ran {
			res.Coalesced = true
		}
		return &res, nil
	}
}

// flight is the shared outcome of one in-process cycle.
type flight struct {
	res   *Result
	types []schema.EntityType
}

// covers reports whether every type in want is in have.
func covers(have, want []schema.EntityType) bool {
	set := make(map[schema.EntityType]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func normalizeTypes(types []schema.EntityType) ([]schema.EntityType, error) {
	if len(types) == 0 {
		return schema.AllEntityTypes(), nil
	}
	seen := make(map[schema.EntityType]bool, len(types))
	out := make([]schema.EntityType, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("invalid entity type %q", t)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// pushOutcome is the remote's answer for one pushed change.
type pushOutcome struct {
	change *schema.ChangeRecord
	result remote.ChangeResult
	err    error // batch-level failure; result is unset
}

// pulledPage is one page of remote snapshots for an entity type.
type pulledPage struct {
	changes []*schema.Snapshot
}

// typePull is everything fetched for one entity type.
type typePull struct {
	entityType schema.EntityType
	pages      []pulledPage
	err        error // fetch failure after the last page
}

// cycle accumulates the outcome of a run before commit.
type cycle struct {
	res    *Result
	events []events.Event
}

func (c *cycle) fail(e ItemError) {
	c.res.Errors = append(c.res.Errors, e)
	if e.Kind.Hard() {
		c.events = append(c.events, events.Event{
			Kind:       events.KindHardError,
			DeviceID:   c.res.DeviceID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			ChangeID:   e.ChangeID,
			Error:      e.Message,
		})
	}
}

func (c *cycle) conflict(cf *resolve.Conflict) {
	c.res.Conflicts = append(c.res.Conflicts, *cf)
	c.events = append(c.events, events.Event{
		Kind:       events.KindConflict,
		DeviceID:   c.res.DeviceID,
		EntityType: cf.EntityType,
		EntityID:   cf.EntityID,
		Conflict:   cf,
	})
}

func (c *cycle) applied(typ schema.EntityType, id, changeID, source string) {
	c.events = append(c.events, events.Event{
		Kind:       events.KindChangeApplied,
		DeviceID:   c.res.DeviceID,
		EntityType: typ,
		EntityID:   id,
		ChangeID:   changeID,
		Source:     source,
	})
}

func (s *syncer) run(ctx context.Context, deviceID string, types []schema.EntityType) (*Result, error) {
	start := time.Now()
	res := &Result{
		DeviceID:  deviceID,
		StartedAt: start.UTC(),
		Conflicts: []resolve.Conflict{},
		Errors:    []ItemError{},
	}

	acquired, err := s.acquireLease(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.logger.Printf("Sync for %s already running in another process, skipping", deviceID)
		res.Coalesced = true
		res.Duration = time.Since(start)
		return res, nil
	}
	defer s.releaseLease(deviceID)
	stop := s.renewLease(deviceID)
	defer stop()

	pending, err := s.queue.Drain(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	pending = filterTypes(pending, types)

	// Network phase. Nothing local changes here.
	outcomes, reachable, err := s.push(ctx, deviceID, pending)
	if err != nil {
		return nil, err
	}

	var pulls []typePull
	if reachable {
		pulls, err = s.pull(ctx, deviceID, types)
		if err != nil {
			return nil, err
		}
	}

	// Apply phase. One transaction for everything.
	var c *cycle
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		c = &cycle{res: &Result{
			DeviceID:  deviceID,
			StartedAt: res.StartedAt,
			Conflicts: []resolve.Conflict{},
			Errors:    []ItemError{},
		}}
		if !reachable {
			c.fail(ItemError{Kind: ErrTransient, Message: "remote unreachable, pull skipped"})
		}
		for _, o := range outcomes {
			if err := s.applyPushOutcome(ctx, tx, deviceID, o, c); err != nil {
				return err
			}
		}
		for _, p := range pulls {
			if err := s.applyPull(ctx, tx, deviceID, p, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Printf("Sync for %s aborted, local state unchanged: %v", deviceID, err)
		return nil, fmt.Errorf("sync aborted: %w", err)
	}

	res = c.res
	res.Duration = time.Since(start)

	for _, e := range c.events {
		s.bus.Publish(e)
	}
	s.bus.Publish(events.Event{
		Kind:     events.KindSyncComplete,
		DeviceID: deviceID,
		Summary: &events.SyncSummary{
			Pushed:    res.Pushed,
			Pulled:    res.Pulled,
			Conflicts: len(res.Conflicts),
			Errors:    len(res.Errors),
			Duration:  res.Duration,
		},
	})

	s.logger.Printf("Sync for %s complete: pushed=%d pulled=%d conflicts=%d errors=%d (%v)",
		deviceID, res.Pushed, res.Pulled, len(res.Conflicts), len(res.Errors), res.Duration)
	return res, nil
}

func filterTypes(changes []*schema.ChangeRecord, types []schema.EntityType) []*schema.ChangeRecord {
	want := make(map[schema.EntityType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := changes[:0]
	for _, c := range changes {
		if want[c.EntityType] {
			out = append(out, c)
		}
	}
	return out
}

// push sends pending changes in enqueue order, batching consecutive changes
// of one entity type. It stops at the first transport failure and reports
// the remote as unreachable; changes after it are not attempted.
func (s *syncer) push(ctx context.Context, deviceID string, pending []*schema.ChangeRecord) ([]pushOutcome, bool, error) {
	var outcomes []pushOutcome

	for start := 0; start < len(pending); {
		end := start + 1
		for end < len(pending) && end-start < s.pushBatchSize && pending[end].EntityType == pending[start].EntityType {
			end++
		}
		batch := pending[start:end]
		start = end

		callCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
		resp, err := s.remote.Push(callCtx, deviceID, batch[0].EntityType, batch)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			s.logger.Printf("Push of %d %s changes failed: %v", len(batch), batch[0].EntityType, err)
			for _, c := range batch {
				outcomes = append(outcomes, pushOutcome{change: c, err: err})
			}
			if unreachable(err) {
				return outcomes, false, nil
			}
			continue
		}

		byID := make(map[string]remote.ChangeResult, len(resp.Results))
		for _, r := range resp.Results {
			byID[r.ChangeID] = r
		}
		for _, c := range batch {
			r, ok := byID[c.ID]
			if !ok {
				r = remote.ChangeResult{ChangeID: c.ID, Outcome: remote.OutcomeTransient, Message: "no result returned for change"}
			}
			outcomes = append(outcomes, pushOutcome{change: c, result: r})
		}
	}
	return outcomes, true, nil
}

// unreachable reports whether err means the remote could not be reached at
// all, as opposed to the remote answering with an error status.
func unreachable(err error) bool {
	var rerr *remote.Error
	return !errors.As(err, &rerr) && remote.IsTransient(err)
}

// pull fetches, per entity type, every page newer than the stored cursor.
func (s *syncer) pull(ctx context.Context, deviceID string, types []schema.EntityType) ([]typePull, error) {
	pulls := make([]typePull, 0, len(types))

	for _, typ := range types {
		since, err := s.cursors.GetCursor(ctx, deviceID, typ)
		if err != nil {
			return nil, err
		}

		p := typePull{entityType: typ}
		for page := 0; page < s.maxPages; page++ {
			callCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
			resp, err := s.remote.Pull(callCtx, deviceID, typ, since, s.pullPageSize)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Printf("Pull of %s failed: %v", typ, err)
				p.err = err
				break
			}
			if len(resp.Changes) == 0 {
				break
			}
			p.pages = append(p.pages, pulledPage{changes: resp.Changes})

			if next := maxSynced(resp.Changes); next != nil {
				since = next
			}
			if !resp.HasMore {
				break
			}
		}
		pulls = append(pulls, p)

		if p.err != nil && unreachable(p.err) {
			break
		}
	}
	return pulls, nil
}

func maxSynced(snaps []*schema.Snapshot) *time.Time {
	var latest *time.Time
	for _, s := range snaps {
		if s.LastSynced != nil && (latest == nil || s.LastSynced.After(*latest)) {
			latest = s.LastSynced
		}
	}
	return latest
}

// applyPushOutcome records one push result locally. A returned error is a
// storage failure and aborts the cycle.
func (s *syncer) applyPushOutcome(ctx context.Context, tx *sql.Tx, deviceID string, o pushOutcome, c *cycle) error {
	change := o.change

	// A newer local edit may have been coalesced into the record while the
	// push was in flight. The result is then stale and the newer edit stays
	// queued for the next cycle.
	current, err := s.queue.PendingForTx(ctx, tx, deviceID, change.EntityID)
	if err != nil {
		return err
	}
	if current == nil || current.ID != change.ID {
		return nil
	}

	itemErr := ItemError{ChangeID: change.ID, EntityType: change.EntityType, EntityID: change.EntityID}

	if o.err != nil {
		if remote.IsTransient(o.err) {
			return s.markFailed(ctx, tx, change, o.err, itemErr, c)
		}
		var rerr *remote.Error
		if errors.As(o.err, &rerr) &&
			(rerr.StatusCode == http.StatusUnauthorized || rerr.StatusCode == http.StatusForbidden) {
			// Credentials problem, not the change's fault.
			itemErr.Kind = ErrTransient
			itemErr.Message = o.err.Error()
			c.fail(itemErr)
			return nil
		}
		return s.reject(ctx, tx, change, o.err, itemErr, c)
	}

	r := o.result
	switch r.Outcome {
	case remote.OutcomeApplied, remote.OutcomeDuplicate:
		if err := s.queue.AcknowledgeTx(ctx, tx, change.ID); err != nil {
			return err
		}
		var syncedAt *time.Time
		if r.Snapshot != nil {
			syncedAt = r.Snapshot.LastSynced
		}
		if err := db.ConfirmEntityTx(ctx, tx, change.EntityType, change.EntityID, db.NullNanos(syncedAt)); err != nil {
			return err
		}
		c.res.Pushed++
		c.applied(change.EntityType, change.EntityID, change.ID, "local")
		return nil

	case remote.OutcomeConflict:
		if r.Snapshot == nil {
			return s.markFailed(ctx, tx, change, fmt.Errorf("conflict reported without server version"), itemErr, c)
		}
		out := resolve.Resolve(change.Snapshot(), r.Snapshot)
		if out.Resolution == resolve.Local {
			// The server kept its copy but our rules prefer ours; retry the push.
			if verr := r.Snapshot.Validate(); verr != nil {
				s.logger.Printf("WARNING: server copy of %s %s not kept: %v", change.EntityType, change.EntityID, verr)
			} else if err := db.SaveServerCopyTx(ctx, tx, r.Snapshot); err != nil {
				return err
			}
			return s.markFailed(ctx, tx, change, fmt.Errorf("server refused newer local version"), itemErr, c)
		}
		if err := db.UpsertServerEntityTx(ctx, tx, out.Winner); err != nil {
			return err
		}
		if out.DiscardPending {
			if err := s.queue.DiscardTx(ctx, tx, change.ID); err != nil {
				return err
			}
		}
		if out.Conflict != nil {
			c.conflict(out.Conflict)
		}
		c.applied(change.EntityType, change.EntityID, "", "remote")
		return nil

	case remote.OutcomeRejected:
		return s.reject(ctx, tx, change, fmt.Errorf("rejected (%s): %s", r.Code, r.Message), itemErr, c)

	default:
		msg := r.Message
		if msg == "" {
			msg = string(r.Outcome)
		}
		return s.markFailed(ctx, tx, change, fmt.Errorf("%s", msg), itemErr, c)
	}
}

func (s *syncer) markFailed(ctx context.Context, tx *sql.Tx, change *schema.ChangeRecord, cause error, itemErr ItemError, c *cycle) error {
	dead, err := s.queue.MarkFailedTx(ctx, tx, change.ID, cause)
	if err != nil {
		return err
	}
	itemErr.Kind = ErrTransient
	itemErr.Message = cause.Error()
	if dead {
		itemErr.Kind = ErrExhausted
		itemErr.Message = fmt.Sprintf("gave up after %d attempts: %v", s.queue.MaxRetries(), cause)
		s.logger.Printf("WARNING: change %s dead-lettered: %v", change.ID, cause)
		if err := s.revert(ctx, tx, change); err != nil {
			return err
		}
	}
	c.fail(itemErr)
	return nil
}

func (s *syncer) reject(ctx context.Context, tx *sql.Tx, change *schema.ChangeRecord, cause error, itemErr ItemError, c *cycle) error {
	if err := s.queue.RejectTx(ctx, tx, change.ID, cause); err != nil {
		return err
	}
	itemErr.Kind = ErrPermanent
	itemErr.Message = cause.Error()
	s.logger.Printf("WARNING: change %s rejected: %v", change.ID, cause)
	if err := s.revert(ctx, tx, change); err != nil {
		return err
	}
	c.fail(itemErr)
	return nil
}

// revert drops the optimistic cache write of a change that left the queue
// without reaching the server.
func (s *syncer) revert(ctx context.Context, tx *sql.Tx, change *schema.ChangeRecord) error {
	restored, err := db.RevertEntityTx(ctx, tx, change.EntityType, change.EntityID)
	if err != nil {
		return err
	}
	if restored {
		s.logger.Printf("Restored server copy of %s %s", change.EntityType, change.EntityID)
	}
	return nil
}

// applyItemError marks a pulled snapshot that could not be stored.
type applyItemError struct {
	snap *schema.Snapshot
	err  error
}

func (e *applyItemError) Error() string { return e.err.Error() }
func (e *applyItemError) Unwrap() error { return e.err }

// applyPull stores the pages fetched for one entity type. Each page runs in
// a savepoint together with its cursor advance; a page with a bad item is
// rolled back and the type stops for this cycle.
func (s *syncer) applyPull(ctx context.Context, tx *sql.Tx, deviceID string, p typePull, c *cycle) error {
	for _, page := range p.pages {
		pc := &cycle{res: &Result{DeviceID: deviceID}}

		err := db.Savepoint(ctx, tx, "pull_page", func() error {
			for _, snap := range page.changes {
				if err := s.applyRemote(ctx, tx, deviceID, snap, pc); err != nil {
					return err
				}
			}
			if next := maxSynced(page.changes); next != nil {
				if _, err := cursor.AdvanceCursorTx(ctx, tx, deviceID, p.entityType, *next); err != nil {
					return err
				}
			}
			return nil
		})

		var itemErr *applyItemError
		if errors.As(err, &itemErr) {
			s.logger.Printf("WARNING: failed to store pulled %s %s, page rolled back: %v",
				p.entityType, itemErr.snap.EntityID, itemErr.err)
			c.fail(ItemError{
				EntityType: p.entityType,
				EntityID:   itemErr.snap.EntityID,
				Kind:       ErrApply,
				Message:    itemErr.err.Error(),
			})
			return nil
		}
		if err != nil {
			return err
		}

		c.res.Pulled += len(page.changes)
		c.res.Conflicts = append(c.res.Conflicts, pc.res.Conflicts...)
		c.events = append(c.events, pc.events...)
	}

	if p.err != nil {
		c.fail(ItemError{EntityType: p.entityType, Kind: ErrTransient, Message: "pull failed: " + p.err.Error()})
	}
	return nil
}

// applyRemote merges one pulled snapshot into the local cache. Without a
// pending local change the server copy is stored as is; otherwise the
// resolver decides, and a losing server copy is still kept as the fallback
// should the local change never be accepted.
func (s *syncer) applyRemote(ctx context.Context, tx *sql.Tx, deviceID string, snap *schema.Snapshot, c *cycle) error {
	if err := snap.Validate(); err != nil {
		return &applyItemError{snap: snap, err: err}
	}

	pending, err := s.queue.PendingForTx(ctx, tx, deviceID, snap.EntityID)
	if err != nil {
		return err
	}
	if pending != nil && pending.EntityType != snap.EntityType {
		pending = nil
	}

	if pending == nil {
		if err := db.UpsertServerEntityTx(ctx, tx, snap); err != nil {
			return &applyItemError{snap: snap, err: err}
		}
		c.applied(snap.EntityType, snap.EntityID, "", "remote")
		return nil
	}

	out := resolve.Resolve(pending.Snapshot(), snap)
	if out.Conflict != nil {
		c.conflict(out.Conflict)
	}
	if out.Resolution == resolve.Local {
		if err := db.SaveServerCopyTx(ctx, tx, snap); err != nil {
			return &applyItemError{snap: snap, err: err}
		}
		return nil
	}

	if err := db.UpsertServerEntityTx(ctx, tx, out.Winner); err != nil {
		return &applyItemError{snap: snap, err: err}
	}
	if out.DiscardPending && pending != nil {
		if err := s.queue.DiscardTx(ctx, tx, pending.ID); err != nil {
			return err
		}
	}
	c.applied(snap.EntityType, snap.EntityID, "", "remote")
	return nil
}
