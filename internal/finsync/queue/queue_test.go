package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T, maxRetries int) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "finsync.db")
	database, err := db.OpenAndInit(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	return New(database, maxRetries), path
}

func accountChange(device, id string, op schema.Operation, balance string) *schema.ChangeRecord {
	c := &schema.ChangeRecord{
		EntityType: schema.EntityAccount,
		EntityID:   id,
		Operation:  op,
		DeviceID:   device,
	}
	if op != schema.OpDelete {
		c.Payload = schema.MustPayload(schema.Account{
			ID: id, Name: "Checking", Balance: decimal.RequireFromString(balance), Currency: "USD", IsActive: true,
		})
	}
	return c
}

func balanceOf(t *testing.T, c *schema.ChangeRecord) string {
	t.Helper()
	acct, err := schema.DecodeAccount(c.Payload)
	if err != nil {
		t.Fatalf("DecodeAccount failed: %v", err)
	}
	return acct.Balance.String()
}

func TestEnqueue_FillsIDAndTimestamp(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	c := accountChange("dev-1", "acc-1", schema.OpCreate, "10")
	if err := store.Enqueue(ctx, c); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if c.ID == "" {
		t.Error("Enqueue should assign an id")
	}
	if c.Timestamp.IsZero() {
		t.Error("Enqueue should assign a timestamp")
	}
	if store.MaxRetries() != DefaultMaxRetries {
		t.Errorf("MaxRetries() = %d, want %d", store.MaxRetries(), DefaultMaxRetries)
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	store, _ := setupStore(t, 0)

	c := accountChange("dev-1", "acc-1", schema.OpUpdate, "10")
	c.Payload = []byte(`{"id":"acc-1"}`)
	if err := store.Enqueue(context.Background(), c); err == nil {
		t.Fatal("expected malformed payload to be rejected")
	}

	n, err := store.Count(context.Background(), "")
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected change was stored (count %d)", n)
	}
}

func TestEnqueue_Coalescing(t *testing.T) {
	tests := []struct {
		name      string
		first     schema.Operation
		second    schema.Operation
		wantOp    schema.Operation
		wantFinal string // expected balance; empty for delete
	}{
		{"update then update keeps latest payload", schema.OpUpdate, schema.OpUpdate, schema.OpUpdate, "20"},
		{"update then delete leaves delete", schema.OpUpdate, schema.OpDelete, schema.OpDelete, ""},
		{"create then delete leaves delete", schema.OpCreate, schema.OpDelete, schema.OpDelete, ""},
		{"create then update stays create", schema.OpCreate, schema.OpUpdate, schema.OpCreate, "20"},
		{"delete then create recreates", schema.OpDelete, schema.OpCreate, schema.OpCreate, "20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := setupStore(t, 0)
			ctx := context.Background()

			first := accountChange("dev-1", "acc-1", tt.first, "10")
			if err := store.Enqueue(ctx, first); err != nil {
				t.Fatalf("first Enqueue() failed: %v", err)
			}
			second := accountChange("dev-1", "acc-1", tt.second, "20")
			if err := store.Enqueue(ctx, second); err != nil {
				t.Fatalf("second Enqueue() failed: %v", err)
			}

			pending, err := store.Drain(ctx, "dev-1")
			if err != nil {
				t.Fatalf("Drain() failed: %v", err)
			}
			if len(pending) != 1 {
				t.Fatalf("expected exactly 1 pending record, got %d", len(pending))
			}
			got := pending[0]
			if got.Operation != tt.wantOp {
				t.Errorf("operation = %s, want %s", got.Operation, tt.wantOp)
			}
			if got.ID != second.ID {
				t.Errorf("coalesced record should take the newest id %s, got %s", second.ID, got.ID)
			}
			if tt.wantFinal == "" {
				if len(got.Payload) != 0 {
					t.Errorf("delete should carry no payload, got %s", got.Payload)
				}
			} else if b := balanceOf(t, got); b != tt.wantFinal {
				t.Errorf("balance = %s, want %s", b, tt.wantFinal)
			}
		})
	}
}

func TestEnqueue_SeparateDevicesDoNotCoalesce(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	if err := store.Enqueue(ctx, accountChange("dev-1", "acc-1", schema.OpUpdate, "1")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := store.Enqueue(ctx, accountChange("dev-2", "acc-1", schema.OpUpdate, "2")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	n, err := store.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pending records across devices, got %d", n)
	}
}

func TestEnqueue_RefusesOtherEntityType(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	acct := accountChange("dev-1", "x1", schema.OpUpdate, "10")
	if err := store.Enqueue(ctx, acct); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	budget := &schema.ChangeRecord{
		EntityType: schema.EntityBudget,
		EntityID:   "x1",
		Operation:  schema.OpDelete,
		DeviceID:   "dev-1",
	}
	err := store.Enqueue(ctx, budget)
	if !errors.Is(err, ErrEntityTypeMismatch) {
		t.Fatalf("Enqueue() error = %v, want ErrEntityTypeMismatch", err)
	}

	pending, err := store.Drain(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != acct.ID || pending[0].EntityType != schema.EntityAccount {
		t.Errorf("pending = %+v, want the account change untouched", pending)
	}
}

func TestDrain_OldestFirst(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Enqueued out of timestamp order on purpose.
	for _, i := range []int{3, 1, 2} {
		c := accountChange("dev-1", fmt.Sprintf("acc-%d", i), schema.OpUpdate, "1")
		c.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := store.Enqueue(ctx, c); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	pending, err := store.Drain(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 records, got %d", len(pending))
	}
	for i, c := range pending {
		if want := fmt.Sprintf("acc-%d", i+1); c.EntityID != want {
			t.Errorf("position %d: got %s, want %s", i, c.EntityID, want)
		}
	}

	// Drain does not consume.
	again, err := store.Drain(ctx, "dev-1")
	if err != nil {
		t.Fatalf("second Drain() failed: %v", err)
	}
	if len(again) != 3 {
		t.Errorf("Drain consumed records: %d left", len(again))
	}
}

func TestAcknowledge_CompareAndSwap(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	c := accountChange("dev-1", "acc-1", schema.OpUpdate, "1")
	if err := store.Enqueue(ctx, c); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := store.Acknowledge(ctx, c.ID); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	if err := store.Acknowledge(ctx, c.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Acknowledge() error = %v, want ErrNotPending", err)
	}

	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Error("acknowledged change still pending")
	}
}

func TestAcknowledge_StaleIDAfterCoalesce(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	first := accountChange("dev-1", "acc-1", schema.OpUpdate, "1")
	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	second := accountChange("dev-1", "acc-1", schema.OpUpdate, "2")
	if err := store.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// A worker that pushed the first version must not remove the newer one.
	if err := store.Acknowledge(ctx, first.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("Acknowledge(stale) error = %v, want ErrNotPending", err)
	}
	if n, _ := store.Count(ctx, "dev-1"); n != 1 {
		t.Errorf("newer change was removed by stale acknowledge")
	}
}

func TestMarkFailed_ExhaustsAfterMaxRetries(t *testing.T) {
	store, _ := setupStore(t, 5)
	ctx := context.Background()

	c := accountChange("dev-1", "acc-1", schema.OpUpdate, "1")
	if err := store.Enqueue(ctx, c); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	cause := errors.New("connection reset")
	for i := 1; i <= 4; i++ {
		dead, err := store.MarkFailed(ctx, c.ID, cause)
		if err != nil {
			t.Fatalf("MarkFailed() #%d failed: %v", i, err)
		}
		if dead {
			t.Fatalf("dead-lettered after %d failures, want 5", i)
		}
		got, _ := store.Get(ctx, c.ID)
		if got == nil || got.RetryCount != i {
			t.Fatalf("after %d failures retry count = %+v", i, got)
		}
	}

	dead, err := store.MarkFailed(ctx, c.ID, cause)
	if err != nil {
		t.Fatalf("fifth MarkFailed() failed: %v", err)
	}
	if !dead {
		t.Fatal("fifth failure should dead-letter the change")
	}

	pending, err := store.Drain(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("exhausted change still in active queue")
	}

	letters, err := store.DeadLetters(ctx, DeadLetterFilter{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("DeadLetters() failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	dl := letters[0]
	if dl.Reason != schema.ReasonExhausted {
		t.Errorf("reason = %s, want exhausted", dl.Reason)
	}
	if dl.Change.RetryCount != 5 {
		t.Errorf("retry count = %d, want 5", dl.Change.RetryCount)
	}
	if dl.LastError != "connection reset" {
		t.Errorf("last error = %q", dl.LastError)
	}

	if _, err := store.MarkFailed(ctx, c.ID, cause); !errors.Is(err, ErrNotPending) {
		t.Errorf("MarkFailed after dead-letter error = %v, want ErrNotPending", err)
	}
}

func TestReject_MovesToDeadLetters(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	c := accountChange("dev-1", "acc-1", schema.OpUpdate, "1")
	if err := store.Enqueue(ctx, c); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := store.Reject(ctx, c.ID, errors.New("422 validation")); err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}

	if n, _ := store.Count(ctx, "dev-1"); n != 0 {
		t.Errorf("rejected change still pending")
	}
	letters, err := store.DeadLetters(ctx, DeadLetterFilter{Reason: schema.ReasonPermanent})
	if err != nil {
		t.Fatalf("DeadLetters() failed: %v", err)
	}
	if len(letters) != 1 || letters[0].Change.ID != c.ID {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
}

func TestRequeue_RestoresChange(t *testing.T) {
	store, _ := setupStore(t, 1)
	ctx := context.Background()

	c := accountChange("dev-1", "acc-1", schema.OpUpdate, "7")
	if err := store.Enqueue(ctx, c); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if dead, err := store.MarkFailed(ctx, c.ID, errors.New("timeout")); err != nil || !dead {
		t.Fatalf("MarkFailed() = %v, %v; want dead-lettered", dead, err)
	}

	letters, _ := store.DeadLetters(ctx, DeadLetterFilter{})
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}

	requeued, err := store.Requeue(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if requeued.ID == c.ID {
		t.Error("requeued change should get a fresh id")
	}
	if requeued.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", requeued.RetryCount)
	}
	if b := balanceOf(t, requeued); b != "7" {
		t.Errorf("balance = %s, want 7", b)
	}

	if n, _ := store.DeadLetterCount(ctx, ""); n != 0 {
		t.Errorf("dead letter not removed after requeue")
	}
	if _, err := store.Requeue(ctx, letters[0].ID); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("second Requeue() error = %v, want ErrDeadLetterNotFound", err)
	}
}

func TestPurgeDeadLetters(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := accountChange("dev-1", fmt.Sprintf("acc-%d", i), schema.OpUpdate, "1")
		if err := store.Enqueue(ctx, c); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		if err := store.Reject(ctx, c.ID, errors.New("bad")); err != nil {
			t.Fatalf("Reject() failed: %v", err)
		}
	}

	n, err := store.PurgeDeadLetters(ctx, "dev-1", time.Time{})
	if err != nil {
		t.Fatalf("PurgeDeadLetters() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("purged %d, want 3", n)
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	store, path := setupStore(t, 0)
	ctx := context.Background()

	c := accountChange("dev-1", "acc-1", schema.OpUpdate, "1500.50")
	if err := store.Enqueue(ctx, c); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := store.db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	database, err := db.OpenAndInit(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer database.Close()

	reopened := New(database, 0)
	pending, err := reopened.Drain(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != c.ID {
		t.Fatalf("change lost across reopen: %+v", pending)
	}
	if !pending[0].Timestamp.Equal(c.Timestamp) {
		t.Errorf("timestamp = %v, want %v", pending[0].Timestamp, c.Timestamp)
	}
}

func TestEnqueue_Concurrent(t *testing.T) {
	store, _ := setupStore(t, 0)
	ctx := context.Background()

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Every worker also hammers one shared entity.
				id := fmt.Sprintf("acc-%d-%d", w, i)
				if i%5 == 0 {
					id = "shared"
				}
				if err := store.Enqueue(ctx, accountChange("dev-1", id, schema.OpUpdate, "1")); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Enqueue() failed: %v", err)
	}

	n, err := store.Count(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	want := workers*(perWorker-perWorker/5) + 1
	if n != want {
		t.Errorf("pending = %d, want %d", n, want)
	}
}

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	a := c.Now("dev-1")
	b := c.Now("dev-1")
	if !b.After(a) {
		t.Errorf("clock went backwards or stalled: %v then %v", a, b)
	}
	if other := c.Now("dev-2"); !other.Equal(fixed) {
		t.Errorf("devices should have independent clocks, got %v", other)
	}
}
