// Package daemon provides the background scheduler that keeps a device in sync.
//
// The daemon:
// 1. Records change files the app drops into the inbox directory
// 2. Enqueues a sync job after local changes, on a periodic ticker and when
//    connectivity to the remote service is restored
// 3. Runs the job processor that executes those jobs
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/jobs"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// FailedDir is the inbox subdirectory unreadable change files are moved to.
const FailedDir = "failed"

// Config holds configuration for the daemon.
type Config struct {
	// DeviceID is the device this daemon syncs. Required.
	DeviceID string

	// InboxDir is watched for change files. Empty disables the inbox.
	InboxDir string

	// SyncInterval is how often a sync is scheduled while online.
	SyncInterval time.Duration

	// ProbeInterval is how often the remote health endpoint is checked.
	ProbeInterval time.Duration

	// ProbeTimeout bounds one health check.
	ProbeTimeout time.Duration

	// DebounceInterval is how long a file must stay unchanged before it is
	// recorded. This batches rapid rewrites together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync work for one device.
type Daemon struct {
	syncer engine.Syncer
	jobs   *jobs.Processor
	remote remote.Client
	config *Config

	watcher   *InboxWatcher
	pending   map[string]time.Time // path -> last event
	pendingMu sync.Mutex

	online atomic.Bool
	probed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon.
//
// The daemon requires:
//   - syncer: records inbox changes
//   - proc: stores and runs the sync jobs the daemon schedules
//   - client: probed for connectivity
//
// Use Start() to begin scheduling.
func New(syncer engine.Syncer, proc *jobs.Processor, client remote.Client, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if proc == nil {
		return nil, fmt.Errorf("job processor cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DeviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}
	def := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	d := &Daemon{
		syncer:  syncer,
		jobs:    proc,
		remote:  client,
		config:  config,
		pending: make(map[string]time.Time),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.InboxDir != "" {
		w, err := NewInboxWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Record change files already waiting in the inbox
// 2. Start watching the inbox and the job processor
// 3. Probe connectivity and schedule an initial sync
// 4. Keep scheduling syncs until shut down
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for device %s", d.config.DeviceID)

	if d.watcher != nil {
		if err := os.MkdirAll(filepath.Join(d.config.InboxDir, FailedDir), 0755); err != nil {
			return fmt.Errorf("failed to create inbox: %w", err)
		}
		if err := d.watcher.Start(d.config.InboxDir); err != nil {
			return err
		}
		if _, err := d.ScanInbox(d.ctx); err != nil {
			d.config.Logger.Printf("Error scanning inbox: %v", err)
		}
		d.config.Logger.Printf("Watching inbox: %s", d.config.InboxDir)

		d.wg.Add(2)
		go d.watchInbox()
		go d.processInbox()
	}

	d.jobs.Start(d.ctx)

	d.Probe(d.ctx)
	if _, err := d.TriggerSync(d.ctx, "startup"); err != nil {
		d.config.Logger.Printf("Error scheduling initial sync: %v", err)
	}

	d.wg.Add(2)
	go d.scheduleSyncs()
	go d.probeConnectivity()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()
	d.jobs.Stop()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Online reports the result of the last connectivity probe.
func (d *Daemon) Online() bool {
	return d.online.Load()
}

// TriggerSync enqueues a sync job for the device. A sync job that is still
// pending absorbs the request.
func (d *Daemon) TriggerSync(ctx context.Context, reason string) (string, error) {
	id, err := d.jobs.EnqueueSyncJob(ctx, jobs.SyncPayload{DeviceID: d.config.DeviceID})
	if err != nil {
		return "", fmt.Errorf("failed to schedule sync: %w", err)
	}
	d.config.Logger.Printf("Sync scheduled (%s): job %s", reason, id)
	return id, nil
}

// Probe checks the remote health endpoint and schedules a sync when the
// remote becomes reachable again. It returns the new state.
func (d *Daemon) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	err := d.remote.Health(probeCtx)
	cancel()

	now := err == nil
	was := d.online.Swap(now)
	first := !d.probed.Swap(true)

	switch {
	case first:
		d.config.Logger.Printf("Remote is %s", onlineWord(now))
	case now && !was:
		d.config.Logger.Println("Connectivity restored")
		if _, err := d.TriggerSync(ctx, "connectivity restored"); err != nil {
			d.config.Logger.Printf("Error scheduling sync: %v", err)
		}
	case !now && was:
		d.config.Logger.Printf("Connectivity lost: %v", err)
	}
	return now
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// ScanInbox records every change file currently in the inbox, oldest name
// first. It returns how many were recorded.
func (d *Daemon) ScanInbox(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(d.config.InboxDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(d.config.InboxDir, e.Name()))
	}
	sort.Strings(paths)

	recorded := 0
	for _, path := range paths {
		if err := d.ProcessInboxFile(ctx, path); err != nil {
			d.config.Logger.Printf("Error recording %s: %v", path, err)
			continue
		}
		recorded++
	}
	if recorded > 0 {
		if _, err := d.TriggerSync(ctx, "inbox changes"); err != nil {
			return recorded, err
		}
	}
	return recorded, nil
}

// ProcessInboxFile records one change file and removes it. A file that
// cannot be parsed or recorded is moved to the failed/ subdirectory.
func (d *Daemon) ProcessInboxFile(ctx context.Context, path string) error {
	change, err := schema.ReadChangeFile(path)
	if err == nil {
		if change.DeviceID == "" {
			change.DeviceID = d.config.DeviceID
		}
		err = d.syncer.RecordChange(ctx, change)
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		if mvErr := moveToFailed(path); mvErr != nil {
			d.config.Logger.Printf("Error moving %s aside: %v", path, mvErr)
		}
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove recorded change file: %w", err)
	}
	d.config.Logger.Printf("Recorded %s %s %s from inbox", change.Operation, change.EntityType, change.EntityID)
	return nil
}

func moveToFailed(path string) error {
	dest := filepath.Join(filepath.Dir(path), FailedDir, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.Rename(path, dest)
}

// watchInbox queues inbox events for debounced processing.
func (d *Daemon) watchInbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	d.pending[path] = time.Now()
}

// processInbox records queued files once they have settled.
func (d *Daemon) processInbox() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.pendingMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.pending {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.pending, path)
	}
	d.pendingMu.Unlock()

	sort.Strings(ready)
	recorded := 0
	for _, path := range ready {
		if err := d.ProcessInboxFile(d.ctx, path); err != nil {
			d.config.Logger.Printf("Error recording %s: %v", path, err)
			continue
		}
		recorded++
	}

	if recorded > 0 {
		if _, err := d.TriggerSync(d.ctx, "local change"); err != nil {
			d.config.Logger.Printf("Error scheduling sync: %v", err)
		}
	}
}

// scheduleSyncs enqueues a sync every SyncInterval while online.
func (d *Daemon) scheduleSyncs() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.Online() {
				continue
			}
			if _, err := d.TriggerSync(d.ctx, "periodic"); err != nil {
				d.config.Logger.Printf("Error scheduling sync: %v", err)
			}
		}
	}
}

func (d *Daemon) probeConnectivity() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.Probe(d.ctx)
		}
	}
}
