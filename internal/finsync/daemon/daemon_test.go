package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/jobs"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/shopspring/decimal"
)

type fakeSyncer struct {
	mu       sync.Mutex
	recorded []*schema.ChangeRecord
	syncs    int
}

func (f *fakeSyncer) Synchronize(ctx context.Context, deviceID string, types []schema.EntityType) (*engine.Result, error) {
	f.mu.Lock()
	f.syncs++
	f.mu.Unlock()
	return &engine.Result{DeviceID: deviceID}, nil
}

func (f *fakeSyncer) SyncFinancial(ctx context.Context, deviceID, accountID string, syncType remote.SyncType) (*engine.Result, error) {
	return f.Synchronize(ctx, deviceID, nil)
}

func (f *fakeSyncer) RecordChange(ctx context.Context, c *schema.ChangeRecord) error {
	if c.EntityID == "" {
		return errors.New("entity_id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, c)
	return nil
}

func (f *fakeSyncer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded), f.syncs
}

// healthClient is a remote.Client whose Health result can be switched.
type healthClient struct {
	remote.Client
	down atomic.Bool
}

func (h *healthClient) Health(ctx context.Context) error {
	if h.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

type fixture struct {
	daemon *Daemon
	syncer *fakeSyncer
	jobs   *jobs.Processor
	health *healthClient
	inbox  string
}

func setup(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	dir := t.TempDir()

	database, err := db.OpenAndInit(context.Background(), filepath.Join(dir, "finsync.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	syncer := &fakeSyncer{}
	proc, err := jobs.New(jobs.Config{DB: database, Syncer: syncer, Logger: quiet, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("jobs.New() failed: %v", err)
	}

	inbox := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(inbox, 0755); err != nil {
		t.Fatalf("failed to create inbox: %v", err)
	}

	cfg := &Config{
		DeviceID:         "dev-1",
		InboxDir:         inbox,
		SyncInterval:     time.Hour,
		ProbeInterval:    time.Hour,
		DebounceInterval: 20 * time.Millisecond,
		Logger:           quiet,
	}
	if tweak != nil {
		tweak(cfg)
	}
	health := &healthClient{}
	d, err := New(syncer, proc, health, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &fixture{daemon: d, syncer: syncer, jobs: proc, health: health, inbox: inbox}
}

func writeChange(t *testing.T, dir, name, entityID string) string {
	t.Helper()
	c := schema.ChangeRecord{
		EntityType: schema.EntityAccount,
		EntityID:   entityID,
		Operation:  schema.OpUpdate,
		Payload: schema.MustPayload(schema.Account{
			ID: entityID, Name: "Checking", Balance: decimal.RequireFromString("10"), Currency: "USD",
		}),
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, schema.MustPayload(c), 0644); err != nil {
		t.Fatalf("failed to write change file: %v", err)
	}
	return path
}

func (f *fixture) pendingJobs(t *testing.T) int {
	t.Helper()
	list, err := f.jobs.ListJobs(context.Background(), jobs.StatusPending)
	if err != nil {
		t.Fatalf("ListJobs() failed: %v", err)
	}
	return len(list)
}

func TestNew_Validation(t *testing.T) {
	f := setup(t, nil)
	defer f.daemon.watcher.Stop()

	if _, err := New(nil, f.jobs, f.health, nil); err == nil {
		t.Error("expected error for nil syncer")
	}
	if _, err := New(f.syncer, nil, f.health, nil); err == nil {
		t.Error("expected error for nil job processor")
	}
	if _, err := New(f.syncer, f.jobs, nil, nil); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := New(f.syncer, f.jobs, f.health, &Config{}); err == nil {
		t.Error("expected error for empty device id")
	}
}

func TestProcessInboxFile(t *testing.T) {
	f := setup(t, nil)
	defer f.daemon.watcher.Stop()
	ctx := context.Background()

	good := writeChange(t, f.inbox, "001.json", "acc-1")
	if err := f.daemon.ProcessInboxFile(ctx, good); err != nil {
		t.Fatalf("ProcessInboxFile() failed: %v", err)
	}
	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Error("recorded file should be removed")
	}
	f.syncer.mu.Lock()
	got := f.syncer.recorded[0]
	f.syncer.mu.Unlock()
	if got.DeviceID != "dev-1" || got.EntityID != "acc-1" {
		t.Errorf("recorded %+v", got)
	}

	bad := filepath.Join(f.inbox, "002.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.daemon.ProcessInboxFile(ctx, bad); err == nil {
		t.Error("expected error for malformed file")
	}
	if _, err := os.Stat(filepath.Join(f.inbox, FailedDir, "002.json")); err != nil {
		t.Errorf("malformed file not moved to failed/: %v", err)
	}

	if err := f.daemon.ProcessInboxFile(ctx, filepath.Join(f.inbox, "gone.json")); err != nil {
		t.Errorf("vanished file should be ignored, got %v", err)
	}
}

func TestScanInbox(t *testing.T) {
	f := setup(t, nil)
	defer f.daemon.watcher.Stop()

	writeChange(t, f.inbox, "b.json", "acc-2")
	writeChange(t, f.inbox, "a.json", "acc-1")
	if err := os.WriteFile(filepath.Join(f.inbox, "notes.txt"), []byte("ignore"), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := f.daemon.ScanInbox(context.Background())
	if err != nil {
		t.Fatalf("ScanInbox() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recorded %d files, want 2", n)
	}
	f.syncer.mu.Lock()
	order := []string{f.syncer.recorded[0].EntityID, f.syncer.recorded[1].EntityID}
	f.syncer.mu.Unlock()
	if order[0] != "acc-1" || order[1] != "acc-2" {
		t.Errorf("recorded in order %v, want by file name", order)
	}
	if f.pendingJobs(t) != 1 {
		t.Errorf("pending jobs = %d, want 1 sync job", f.pendingJobs(t))
	}
}

func TestProbe_SchedulesSyncOnReconnect(t *testing.T) {
	f := setup(t, nil)
	defer f.daemon.watcher.Stop()
	ctx := context.Background()

	f.health.down.Store(true)
	if f.daemon.Probe(ctx) {
		t.Fatal("Probe() = true while remote is down")
	}
	if f.pendingJobs(t) != 0 {
		t.Error("no sync should be scheduled while offline")
	}

	f.health.down.Store(false)
	if !f.daemon.Probe(ctx) {
		t.Fatal("Probe() = false after recovery")
	}
	if !f.daemon.Online() {
		t.Error("Online() should be true")
	}
	if f.pendingJobs(t) != 1 {
		t.Errorf("pending jobs = %d, want 1 after reconnect", f.pendingJobs(t))
	}

	// Staying online does not schedule more work.
	f.daemon.Probe(ctx)
	list, _ := f.jobs.ListJobs(ctx, "")
	if len(list) != 1 {
		t.Errorf("jobs = %d, want 1", len(list))
	}
}

func TestDaemon_StartRecordsAndSyncs(t *testing.T) {
	f := setup(t, nil)
	writeChange(t, f.inbox, "early.json", "acc-0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Start(ctx) }()

	// Give the watcher time to register before dropping a file.
	time.Sleep(100 * time.Millisecond)
	writeChange(t, f.inbox, "late.json", "acc-9")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recorded, syncs := f.syncer.counts()
		if recorded == 2 && syncs > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	recorded, syncs := f.syncer.counts()
	if recorded != 2 {
		t.Errorf("recorded %d changes, want 2", recorded)
	}
	if syncs == 0 {
		t.Error("no sync ran")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if f.daemon.watcher.IsRunning() {
		t.Error("watcher still running after shutdown")
	}
}

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}
	if _, err := AcquireLock(dir); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second AcquireLock() = %v, want ErrAlreadyRunning", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() after unlock failed: %v", err)
	}
	again.Unlock()
}
