package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/cursor"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/events"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/queue"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/resolve"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/server"
	"github.com/shopspring/decimal"
)

const device = "dev-1"

type fixture struct {
	db     *db.DB
	queue  *queue.Store
	srv    *server.Server
	client *remote.HTTPClient
	bus    *events.Bus
	syncer Syncer
}

func setup(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	database, err := db.OpenAndInit(context.Background(), filepath.Join(t.TempDir(), "finsync.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	srv := server.New(server.Config{Logger: quiet})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	f := &fixture{
		db:     database,
		queue:  queue.New(database, 0),
		srv:    srv,
		client: remote.NewHTTPClient(ts.URL),
		bus:    events.NewBus(quiet),
	}
	cfg := Config{
		DB:     database,
		Queue:  f.queue,
		Remote: f.client,
		Bus:    f.bus,
		Logger: quiet,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f.syncer, err = New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return f
}

func accountPayload(id, balance string) []byte {
	return schema.MustPayload(schema.Account{
		ID: id, Name: "Checking", Balance: decimal.RequireFromString(balance), Currency: "USD", IsActive: true,
	})
}

func (f *fixture) seedRemote(id, balance string, updatedAt time.Time) {
	f.srv.SetEntity(&schema.Snapshot{
		EntityType: schema.EntityAccount,
		EntityID:   id,
		Payload:    accountPayload(id, balance),
		UpdatedAt:  updatedAt,
	})
}

func (f *fixture) record(t *testing.T, id string, op schema.Operation, balance string) *schema.ChangeRecord {
	t.Helper()
	c := &schema.ChangeRecord{
		EntityType: schema.EntityAccount,
		EntityID:   id,
		Operation:  op,
		DeviceID:   device,
	}
	if op != schema.OpDelete {
		c.Payload = accountPayload(id, balance)
	}
	if err := f.syncer.RecordChange(context.Background(), c); err != nil {
		t.Fatalf("RecordChange() failed: %v", err)
	}
	return c
}

func (f *fixture) sync(t *testing.T) *Result {
	t.Helper()
	res, err := f.syncer.Synchronize(context.Background(), device, []schema.EntityType{schema.EntityAccount})
	if err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	return res
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.queue.Count(context.Background(), device)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	return n
}

func balance(t *testing.T, snap *schema.Snapshot) string {
	t.Helper()
	if snap == nil {
		t.Fatal("entity missing")
	}
	acct, err := schema.DecodeAccount(snap.Payload)
	if err != nil {
		t.Fatalf("DecodeAccount failed: %v", err)
	}
	return acct.Balance.String()
}

func (f *fixture) localBalance(t *testing.T, id string) string {
	t.Helper()
	snap, err := f.db.GetEntity(context.Background(), schema.EntityAccount, id)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	return balance(t, snap)
}

func TestNew_RequiresDBAndRemote(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without DB")
	}
	f := setup(t, nil)
	if _, err := New(Config{DB: f.db}); err == nil {
		t.Error("expected error without Remote")
	}
}

func TestRecordChange_UpdatesCacheOptimistically(t *testing.T) {
	f := setup(t, nil)
	f.record(t, "acc-1", schema.OpCreate, "100")

	if got := f.localBalance(t, "acc-1"); got != "100" {
		t.Errorf("local balance = %s, want 100", got)
	}
	if f.pending(t) != 1 {
		t.Errorf("pending = %d, want 1", f.pending(t))
	}

	f.record(t, "acc-1", schema.OpDelete, "")
	snap, err := f.db.GetEntity(context.Background(), schema.EntityAccount, "acc-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if !snap.Deleted {
		t.Error("entity should be soft-deleted")
	}
	if balance(t, snap) != "100" {
		t.Error("soft delete should keep the last payload")
	}
}

func TestRecordChange_InvalidLeavesNothing(t *testing.T) {
	f := setup(t, nil)
	err := f.syncer.RecordChange(context.Background(), &schema.ChangeRecord{
		EntityType: schema.EntityAccount,
		EntityID:   "acc-1",
		Operation:  schema.OpUpdate,
		DeviceID:   device,
		Payload:    []byte(`{"id":"acc-1"}`),
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if f.pending(t) != 0 {
		t.Error("invalid change was queued")
	}
}

func TestSynchronize_PushesLocalUpdate(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.record(t, "acc-1", schema.OpUpdate, "1500.50")

	res := f.sync(t)

	if res.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", res.Pushed)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("unexpected conflicts: %+v", res.Conflicts)
	}
	if !res.OK() {
		t.Errorf("unexpected errors: %+v", res.Errors)
	}
	if got := balance(t, f.srv.Entity(schema.EntityAccount, "acc-1")); got != "1500.5" {
		t.Errorf("server balance = %s, want 1500.5", got)
	}
	if f.pending(t) != 0 {
		t.Errorf("pending = %d, want 0", f.pending(t))
	}

	snap, err := f.db.GetEntity(context.Background(), schema.EntityAccount, "acc-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if snap.LastSynced == nil {
		t.Error("local entity should record the server sync time")
	}

	cur, err := cursor.New(f.db).GetCursor(context.Background(), device, schema.EntityAccount)
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if cur == nil || !cur.Equal(*snap.LastSynced) {
		t.Errorf("cursor = %v, want %v", cur, snap.LastSynced)
	}
}

func TestSynchronize_RemoteNewerWins(t *testing.T) {
	f := setup(t, nil)
	conflicts := f.bus.Subscribe(4, events.KindConflict)

	remoteAt := time.Now().Add(time.Hour)
	f.seedRemote("acc-1", "2500", remoteAt)
	local := f.record(t, "acc-1", schema.OpUpdate, "2000")

	res := f.sync(t)

	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(res.Conflicts))
	}
	c := res.Conflicts[0]
	if c.Resolution != resolve.Remote || c.Reason != resolve.ReasonRemoteNewer {
		t.Errorf("conflict = %+v, want remote/%s", c, resolve.ReasonRemoteNewer)
	}
	if !c.LocalVersion.Equal(local.Timestamp) || !c.RemoteVersion.Equal(remoteAt) {
		t.Errorf("conflict versions = %v/%v, want %v/%v", c.LocalVersion, c.RemoteVersion, local.Timestamp, remoteAt)
	}
	if got := f.localBalance(t, "acc-1"); got != "2500" {
		t.Errorf("local balance = %s, want 2500", got)
	}
	if f.pending(t) != 0 {
		t.Error("losing local change should be discarded")
	}
	if got := balance(t, f.srv.Entity(schema.EntityAccount, "acc-1")); got != "2500" {
		t.Errorf("server balance = %s, want 2500", got)
	}

	select {
	case e := <-conflicts.C:
		if e.EntityID != "acc-1" || e.Conflict == nil {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no conflict event published")
	}
}

func TestSynchronize_PullKeepsNewerLocalEdit(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.srv.FailEntity("acc-1", true)
	f.record(t, "acc-1", schema.OpUpdate, "1200")

	res := f.sync(t)

	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolution != resolve.Local {
		t.Fatalf("conflicts = %+v, want one resolved local", res.Conflicts)
	}
	if got := f.localBalance(t, "acc-1"); got != "1200" {
		t.Errorf("local balance = %s, want 1200", got)
	}
	if f.pending(t) != 1 {
		t.Error("local change should stay queued")
	}

	f.srv.FailEntity("acc-1", false)
	res = f.sync(t)
	if res.Pushed != 1 || !res.OK() {
		t.Errorf("second cycle: %+v", res)
	}
	if got := balance(t, f.srv.Entity(schema.EntityAccount, "acc-1")); got != "1200" {
		t.Errorf("server balance = %s, want 1200", got)
	}
}

func TestSynchronize_RemoteDeleteWins(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.sync(t)

	f.srv.SetEntity(&schema.Snapshot{
		EntityType: schema.EntityAccount,
		EntityID:   "acc-1",
		UpdatedAt:  time.Now().Add(-time.Minute),
		Deleted:    true,
	})
	f.srv.FailEntity("acc-1", true)
	f.record(t, "acc-1", schema.OpUpdate, "1300")

	res := f.sync(t)
	if len(res.Conflicts) != 1 || res.Conflicts[0].Reason != resolve.ReasonRemoteDelete {
		t.Fatalf("conflicts = %+v, want remote delete", res.Conflicts)
	}
	snap, err := f.db.GetEntity(context.Background(), schema.EntityAccount, "acc-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if !snap.Deleted {
		t.Error("local entity should be deleted")
	}
	if f.pending(t) != 0 {
		t.Error("local update should be discarded")
	}
}

func TestSynchronize_TransientFailuresExhaust(t *testing.T) {
	f := setup(t, nil)
	hard := f.bus.Subscribe(4, events.KindHardError)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.srv.FailEntity("acc-1", true)
	c := f.record(t, "acc-1", schema.OpUpdate, "1100")

	for i := 1; i < queue.DefaultMaxRetries; i++ {
		res := f.sync(t)
		if len(res.Errors) != 1 || res.Errors[0].Kind != ErrTransient {
			t.Fatalf("cycle %d: errors = %+v", i, res.Errors)
		}
		got, err := f.queue.Get(context.Background(), c.ID)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got.RetryCount != i {
			t.Errorf("cycle %d: retry count = %d", i, got.RetryCount)
		}
	}

	res := f.sync(t)
	if len(res.HardErrors()) != 1 || res.Errors[0].Kind != ErrExhausted {
		t.Fatalf("final cycle: errors = %+v", res.Errors)
	}
	if f.pending(t) != 0 {
		t.Error("exhausted change should leave the queue")
	}
	n, err := f.queue.DeadLetterCount(context.Background(), device)
	if err != nil {
		t.Fatalf("DeadLetterCount() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}

	select {
	case e := <-hard.C:
		if e.ChangeID != c.ID {
			t.Errorf("hard error for %s, want %s", e.ChangeID, c.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no hard_error event published")
	}

	res = f.sync(t)
	if res.Pushed != 0 || len(res.Errors) != 0 {
		t.Errorf("cycle after dead letter: %+v", res)
	}
}

func TestSynchronize_RejectedChangeDeadLetters(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.srv.RejectEntity("acc-1", remote.CodeValidation)
	f.record(t, "acc-1", schema.OpUpdate, "1100")

	res := f.sync(t)
	if len(res.Errors) != 1 || res.Errors[0].Kind != ErrPermanent {
		t.Fatalf("errors = %+v, want one permanent", res.Errors)
	}
	letters, err := f.queue.DeadLetters(context.Background(), queue.DeadLetterFilter{DeviceID: device})
	if err != nil {
		t.Fatalf("DeadLetters() failed: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != schema.ReasonPermanent {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestSynchronize_UnknownEntityRejected(t *testing.T) {
	f := setup(t, nil)
	f.record(t, "ghost", schema.OpUpdate, "5")

	res := f.sync(t)
	if len(res.Errors) != 1 || res.Errors[0].Kind != ErrPermanent {
		t.Fatalf("errors = %+v, want one permanent", res.Errors)
	}
	snap, err := f.db.GetEntity(context.Background(), schema.EntityAccount, "ghost")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if snap != nil {
		t.Errorf("entity the server never saw should leave the cache, got %+v", snap)
	}
}

func TestSynchronize_RejectedEditRestoresServerCopy(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.sync(t)

	f.srv.RejectEntity("acc-1", remote.CodeValidation)
	f.record(t, "acc-1", schema.OpUpdate, "9999")
	if got := f.localBalance(t, "acc-1"); got != "9999" {
		t.Fatalf("optimistic balance = %s, want 9999", got)
	}

	res := f.sync(t)
	if len(res.Errors) != 1 || res.Errors[0].Kind != ErrPermanent {
		t.Fatalf("errors = %+v, want one permanent", res.Errors)
	}
	if got := f.localBalance(t, "acc-1"); got != "1000" {
		t.Errorf("local balance after rejection = %s, want server's 1000", got)
	}

	// A later server edit older than the rejected local one still lands.
	f.srv.RejectEntity("acc-1", "")
	f.seedRemote("acc-1", "1200", time.Now().Add(-30*time.Minute))
	res = f.sync(t)
	if res.Pulled != 1 || !res.OK() {
		t.Errorf("pull cycle: %+v", res)
	}
	if got := f.localBalance(t, "acc-1"); got != "1200" {
		t.Errorf("local balance = %s, want 1200", got)
	}
}

func TestSynchronize_ExhaustedEditRestoresServerCopy(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.srv.FailEntity("acc-1", true)
	f.record(t, "acc-1", schema.OpUpdate, "1100")

	// The first cycle pulls the server copy while the edit is still pending.
	for i := 0; i < queue.DefaultMaxRetries; i++ {
		f.sync(t)
	}
	if f.pending(t) != 0 {
		t.Fatal("change should be dead-lettered")
	}
	if got := f.localBalance(t, "acc-1"); got != "1000" {
		t.Errorf("local balance after exhaustion = %s, want server's 1000", got)
	}

	f.srv.FailEntity("acc-1", false)
	f.seedRemote("acc-1", "1200", time.Now().Add(-30*time.Minute))
	f.sync(t)
	if got := f.localBalance(t, "acc-1"); got != "1200" {
		t.Errorf("local balance = %s, want 1200", got)
	}
}

func TestSynchronize_TimeoutIsTransient(t *testing.T) {
	f := setup(t, func(cfg *Config) { cfg.RemoteTimeout = 50 * time.Millisecond })
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	c := f.record(t, "acc-1", schema.OpUpdate, "1100")
	f.srv.SetDelay(500 * time.Millisecond)

	res := f.sync(t)

	if res.Pushed != 0 || res.Pulled != 0 {
		t.Errorf("nothing should move on timeout: %+v", res)
	}
	if len(res.HardErrors()) != 0 {
		t.Errorf("timeout must not dead-letter: %+v", res.Errors)
	}
	got, err := f.queue.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}

	f.srv.SetDelay(0)
	res = f.sync(t)
	if res.Pushed != 1 {
		t.Errorf("Pushed after recovery = %d, want 1", res.Pushed)
	}
}

func TestSynchronize_ServerErrorIsTransient(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	c := f.record(t, "acc-1", schema.OpUpdate, "1100")
	f.srv.FailNext(1, 503)

	res := f.sync(t)
	if len(res.HardErrors()) != 0 {
		t.Errorf("503 must not dead-letter: %+v", res.Errors)
	}
	got, err := f.queue.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	// The remote answered, so the pull still ran.
	if res.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1", res.Pulled)
	}
}

func TestSynchronize_DuplicatePushAcknowledged(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	c := f.record(t, "acc-1", schema.OpUpdate, "1100")

	// Simulate a push that reached the server but whose response was lost.
	if _, err := f.client.Push(context.Background(), device, schema.EntityAccount, []*schema.ChangeRecord{c}); err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	res := f.sync(t)
	if res.Pushed != 1 || !res.OK() {
		t.Errorf("result = %+v", res)
	}
	if f.pending(t) != 0 {
		t.Error("duplicate should be acknowledged")
	}
	if got := f.srv.Stats(); got.Applied != 1 || got.Duplicates != 1 {
		t.Errorf("server stats = %+v, want one applied and one duplicate", got)
	}
}

func TestSynchronize_BadPulledItemRollsBackPage(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.srv.SetEntity(&schema.Snapshot{
		EntityType: schema.EntityAccount,
		EntityID:   "acc-2",
		Payload:    []byte(`{"id":"acc-2","name":"Broken","currency":"X"}`),
		UpdatedAt:  time.Now().Add(-time.Hour),
	})

	res := f.sync(t)

	if len(res.Errors) != 1 || res.Errors[0].Kind != ErrApply || res.Errors[0].EntityID != "acc-2" {
		t.Fatalf("errors = %+v, want one apply error for acc-2", res.Errors)
	}
	if res.Pulled != 0 {
		t.Errorf("Pulled = %d, want 0", res.Pulled)
	}
	snap, err := f.db.GetEntity(context.Background(), schema.EntityAccount, "acc-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if snap != nil {
		t.Error("acc-1 should be rolled back with its page")
	}
	cur, err := cursor.New(f.db).GetCursor(context.Background(), device, schema.EntityAccount)
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if cur != nil {
		t.Errorf("cursor advanced to %v past a failed page", cur)
	}

	f.seedRemote("acc-2", "50", time.Now())
	res = f.sync(t)
	if res.Pulled != 2 || !res.OK() {
		t.Errorf("after fix: %+v", res)
	}
	if got := f.localBalance(t, "acc-2"); got != "50" {
		t.Errorf("acc-2 balance = %s, want 50", got)
	}
}

func TestSynchronize_PagesThroughRemote(t *testing.T) {
	f := setup(t, func(cfg *Config) { cfg.PullPageSize = 3 })
	for i := 0; i < 10; i++ {
		f.seedRemote(string(rune('a'+i))+"-acc", "1", time.Now().Add(-time.Hour))
	}

	res := f.sync(t)
	if res.Pulled != 10 {
		t.Errorf("Pulled = %d, want 10", res.Pulled)
	}
	res = f.sync(t)
	if res.Pulled != 0 {
		t.Errorf("second cycle Pulled = %d, want 0", res.Pulled)
	}
}

func TestSynchronize_StorageFailureAborts(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.record(t, "acc-1", schema.OpUpdate, "1100")

	if _, err := f.db.RawDB().Exec(`DROP TABLE entities`); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	_, err := f.syncer.Synchronize(context.Background(), device, nil)
	if err == nil {
		t.Fatal("expected storage error")
	}
	if f.pending(t) != 1 {
		t.Error("queue must be unchanged after an aborted cycle")
	}

	if err := f.db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	res := f.sync(t)
	if res.Pushed != 1 {
		t.Errorf("Pushed after recovery = %d, want 1", res.Pushed)
	}
	if f.pending(t) != 0 {
		t.Error("queue should drain after recovery")
	}
}

func TestSynchronize_HeldLeaseSkipsCycle(t *testing.T) {
	f := setup(t, nil)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))
	f.record(t, "acc-1", schema.OpUpdate, "1100")

	_, err := f.db.RawDB().Exec(`INSERT INTO sync_locks (device_id, owner, expires_at) VALUES (?, ?, ?)`,
		device, "other-process", db.ToNanos(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("insert lease failed: %v", err)
	}

	res := f.sync(t)
	if !res.Coalesced || res.Pushed != 0 {
		t.Errorf("result = %+v, want coalesced no-op", res)
	}
	if f.pending(t) != 1 {
		t.Error("queue should be untouched")
	}

	if _, err := f.db.RawDB().Exec(`UPDATE sync_locks SET expires_at = ?`, db.ToNanos(time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("expire lease failed: %v", err)
	}
	res = f.sync(t)
	if res.Coalesced || res.Pushed != 1 {
		t.Errorf("after expiry: %+v", res)
	}

	var n int
	if err := f.db.RawDB().QueryRow(`SELECT COUNT(*) FROM sync_locks`).Scan(&n); err != nil {
		t.Fatalf("count leases failed: %v", err)
	}
	if n != 0 {
		t.Errorf("lease not released: %d rows", n)
	}
}

// gatedClient blocks the first Pull until released.
type gatedClient struct {
	remote.Client
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedClient) Pull(ctx context.Context, deviceID string, typ schema.EntityType, since *time.Time, limit int) (*remote.SyncResponse, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Client.Pull(ctx, deviceID, typ, since, limit)
}

func TestSynchronize_ConcurrentCallsShareCycle(t *testing.T) {
	var gate *gatedClient
	f := setup(t, func(cfg *Config) {
		gate = &gatedClient{Client: cfg.Remote, entered: make(chan struct{}), release: make(chan struct{})}
		cfg.Remote = gate
	})
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))

	results := make(chan *Result, 2)
	go func() {
		res, err := f.syncer.Synchronize(context.Background(), device, nil)
		if err != nil {
			t.Errorf("leader failed: %v", err)
		}
		results <- res
	}()
	<-gate.entered

	go func() {
		res, err := f.syncer.Synchronize(context.Background(), device, nil)
		if err != nil {
			t.Errorf("follower failed: %v", err)
		}
		results <- res
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	var coalesced, ran int
	for i := 0; i < 2; i++ {
		res := <-results
		if res == nil {
			continue
		}
		if res.Coalesced {
			coalesced++
		} else {
			ran++
		}
		if res.Pulled != 1 {
			t.Errorf("Pulled = %d, want 1 for both callers", res.Pulled)
		}
	}
	if ran != 1 || coalesced != 1 {
		t.Errorf("ran=%d coalesced=%d, want 1 and 1", ran, coalesced)
	}
	if got := f.srv.Stats().Pulls; got != len(schema.AllEntityTypes()) {
		t.Errorf("server saw %d pulls, want one cycle's worth (%d)", got, len(schema.AllEntityTypes()))
	}
}

func TestSynchronize_FollowerWithOtherTypesRunsOwnCycle(t *testing.T) {
	var gate *gatedClient
	f := setup(t, func(cfg *Config) {
		gate = &gatedClient{Client: cfg.Remote, entered: make(chan struct{}), release: make(chan struct{})}
		cfg.Remote = gate
	})

	results := make(chan *Result, 2)
	syncTypes := func(types ...schema.EntityType) {
		res, err := f.syncer.Synchronize(context.Background(), device, types)
		if err != nil {
			t.Errorf("Synchronize(%v) failed: %v", types, err)
		}
		results <- res
	}
	go syncTypes(schema.EntityAccount)
	<-gate.entered
	go syncTypes(schema.EntityBudget)
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	for i := 0; i < 2; i++ {
		if res := <-results; res != nil && res.Coalesced {
			t.Errorf("result %d coalesced into a cycle that skipped its types", i)
		}
	}
	if got := f.srv.Stats().Pulls; got != 2 {
		t.Errorf("server saw %d pulls, want one per requested type (2)", got)
	}
}

func TestSynchronize_CanceledCallerDoesNotFailOthers(t *testing.T) {
	var gate *gatedClient
	f := setup(t, func(cfg *Config) {
		gate = &gatedClient{Client: cfg.Remote, entered: make(chan struct{}), release: make(chan struct{})}
		cfg.Remote = gate
	})
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.syncer.Synchronize(ctx, device, nil)
		leaderErr <- err
	}()
	<-gate.entered

	follower := make(chan *Result, 1)
	go func() {
		res, err := f.syncer.Synchronize(context.Background(), device, nil)
		if err != nil {
			t.Errorf("follower failed: %v", err)
		}
		follower <- res
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("canceled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled caller did not return while the cycle was blocked")
	}

	close(gate.release)
	res := <-follower
	if res == nil {
		t.Fatal("follower got no result")
	}
	if !res.Coalesced || res.Pulled != 1 {
		t.Errorf("follower result = %+v, want the shared cycle's", res)
	}
	if got := f.localBalance(t, "acc-1"); got != "1000" {
		t.Errorf("local balance = %s, want 1000 from the finished cycle", got)
	}
}

func TestSynchronize_CanceledContext(t *testing.T) {
	f := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.syncer.Synchronize(ctx, device, nil)
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrLockUnavailable) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSynchronize_InvalidArguments(t *testing.T) {
	f := setup(t, nil)
	if _, err := f.syncer.Synchronize(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty device id")
	}
	if _, err := f.syncer.Synchronize(context.Background(), device, []schema.EntityType{"widget"}); err == nil {
		t.Error("expected error for unknown entity type")
	}
}

func TestSynchronize_CompletionEvent(t *testing.T) {
	f := setup(t, nil)
	done := f.bus.Subscribe(1, events.KindSyncComplete)
	f.seedRemote("acc-1", "1000", time.Now().Add(-time.Hour))

	f.sync(t)

	select {
	case e := <-done.C:
		if e.Summary == nil || e.Summary.Pulled != 1 {
			t.Errorf("summary = %+v", e.Summary)
		}
	case <-time.After(time.Second):
		t.Fatal("no sync_complete event")
	}
}

func TestSyncFinancial(t *testing.T) {
	quiet := log.New(io.Discard, "", 0)
	database, err := db.OpenAndInit(context.Background(), filepath.Join(t.TempDir(), "finsync.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	defer database.Close()

	provider := server.NewStaticProvider()
	provider.Set("tok-1", &remote.AccountData{
		Accounts: []schema.Account{{ID: "acc-9", Name: "Savings", Balance: decimal.RequireFromString("42"), Currency: "USD", IsActive: true}},
		Transactions: []schema.Transaction{{
			ID: "tx-1", AccountID: "acc-9", Amount: decimal.RequireFromString("-5"), Currency: "USD",
			Date: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		}},
	})
	srv := server.New(server.Config{Logger: quiet, Provider: provider})
	srv.LinkAccount("acc-9", "tok-1")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	s, err := New(Config{DB: database, Remote: remote.NewHTTPClient(ts.URL), Logger: quiet})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	res, err := s.SyncFinancial(context.Background(), device, "acc-9", remote.SyncFull)
	if err != nil {
		t.Fatalf("SyncFinancial() failed: %v", err)
	}
	if res.Pulled != 2 {
		t.Errorf("Pulled = %d, want 2", res.Pulled)
	}
	tx, err := database.GetEntity(context.Background(), schema.EntityTransaction, "tx-1")
	if err != nil || tx == nil {
		t.Fatalf("transaction not cached: %v", err)
	}

	if _, err := s.SyncFinancial(context.Background(), device, "unlinked", remote.SyncFull); err == nil {
		t.Error("expected error for unlinked account")
	}
	if _, err := s.SyncFinancial(context.Background(), device, "acc-9", "weekly"); err == nil {
		t.Error("expected error for invalid sync type")
	}
}
