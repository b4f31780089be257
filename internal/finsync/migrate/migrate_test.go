package migrate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/cursor"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/queue"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

const legacyDump = `{
  "sync.deviceId": "legacy-device",
  "sync.lastSyncTimestamp.accounts": "2024-03-01T10:00:00Z",
  "sync.lastSyncTimestamp.transactions": 1709287200.5,
  "sync.lastSyncTimestamp.widgets": "2024-03-01T10:00:00Z",
  "ui.theme": "dark",
  "sync.pendingChanges": [
    {"id": "c2", "entityType": "account", "entityId": "acc-1", "operation": "update",
     "data": {"id": "acc-1", "name": "Checking", "balance": "1500.50", "currency": "USD", "isActive": true},
     "timestamp": "2024-03-02T09:00:00Z"},
    {"id": "c1", "entityType": "account", "entityId": "acc-1", "operation": "create",
     "data": {"id": "acc-1", "name": "Checking", "balance": "1000", "currency": "USD", "isActive": true},
     "timestamp": "2024-03-02T08:00:00Z"},
    {"id": "c3", "entityType": "transaction", "entityId": "tx-1", "operation": "delete",
     "timestamp": 1709373600},
    {"id": "c4", "entityType": "gadget", "entityId": "g-1", "operation": "update", "timestamp": 1709370000},
    {"id": "c5", "entityType": "account", "entityId": "acc-2", "operation": "update", "timestamp": 1709370000}
  ]
}`

type fixture struct {
	db      *db.DB
	queue   *queue.Store
	cursors *cursor.Tracker
	syncer  engine.Syncer
	dump    string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	database, err := db.OpenAndInit(context.Background(), filepath.Join(dir, "finsync.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	q := queue.New(database, queue.DefaultMaxRetries)
	syncer, err := engine.New(engine.Config{
		DB:     database,
		Remote: remote.NewHTTPClient("http://127.0.0.1:1"),
		Queue:  q,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}

	dump := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(dump, []byte(legacyDump), 0644); err != nil {
		t.Fatal(err)
	}
	return &fixture{db: database, queue: q, cursors: cursor.New(database), syncer: syncer, dump: dump}
}

func TestImportLegacyQueue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := ImportLegacyQueue(ctx, f.syncer, f.cursors, ImportOptions{Path: f.dump})
	if err != nil {
		t.Fatalf("ImportLegacyQueue() failed: %v", err)
	}

	if res.ChangesImported != 3 {
		t.Errorf("changes imported = %d, want 3", res.ChangesImported)
	}
	if res.CursorsImported != 2 {
		t.Errorf("cursors imported = %d, want 2", res.CursorsImported)
	}
	if diff := cmp.Diff([]string{"ui.theme"}, res.SkippedKeys); diff != "" {
		t.Errorf("skipped keys mismatch (-want +got):\n%s", diff)
	}
	// gadget type, acc-2 without payload, widgets cursor.
	if len(res.Errors) != 3 {
		t.Errorf("errors = %v, want 3", res.Errors)
	}

	pending, err := f.queue.Drain(ctx, "legacy-device")
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2 (acc-1 coalesced, tx-1)", len(pending))
	}
	acc := pending[0]
	if acc.EntityID != "acc-1" || acc.Operation != schema.OpCreate || acc.ID != "c2" {
		t.Errorf("coalesced account change = %+v", acc)
	}
	a, err := schema.DecodeAccount(acc.Payload)
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if !a.Balance.Equal(decimal.RequireFromString("1500.50")) || !a.IsActive {
		t.Errorf("account = %+v", a)
	}

	at, err := f.cursors.GetCursor(ctx, "legacy-device", schema.EntityTransaction)
	if err != nil || at == nil {
		t.Fatalf("GetCursor() = %v, %v", at, err)
	}
	want := time.Unix(1709287200, 500_000_000).UTC()
	if !at.Equal(want) {
		t.Errorf("transaction cursor = %v, want %v", at, want)
	}
}

func TestImportLegacyQueue_DryRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := ImportLegacyQueue(ctx, f.syncer, f.cursors, ImportOptions{Path: f.dump, DeviceID: "dev-9", DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("ImportLegacyQueue() failed: %v", err)
	}
	if res.ChangesImported != 3 || res.BackupCreated != "" {
		t.Errorf("dry run result = %+v", res)
	}
	if n, _ := f.queue.Count(ctx, ""); n != 0 {
		t.Errorf("dry run wrote %d changes", n)
	}
}

func TestImportLegacyQueue_Backup(t *testing.T) {
	f := setup(t)

	res, err := ImportLegacyQueue(context.Background(), f.syncer, f.cursors, ImportOptions{Path: f.dump, Backup: true})
	if err != nil {
		t.Fatalf("ImportLegacyQueue() failed: %v", err)
	}
	data, err := os.ReadFile(res.BackupCreated)
	if err != nil {
		t.Fatalf("backup not readable: %v", err)
	}
	if string(data) != legacyDump {
		t.Error("backup differs from input")
	}
}

func TestImportLegacyQueue_Errors(t *testing.T) {
	f := setup(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no device", `{"sync.pendingChanges": []}`},
		{"changes not an array", `{"sync.deviceId": "d", "sync.pendingChanges": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".json")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := ImportLegacyQueue(context.Background(), f.syncer, f.cursors, ImportOptions{Path: path}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLegacyTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{`"2024-03-01T10:00:00Z"`, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), false},
		{`"2024-03-01T11:00:00+01:00"`, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), false},
		{`1709287200`, time.Unix(1709287200, 0).UTC(), false},
		{`1709287200.25`, time.Unix(1709287200, 250_000_000).UTC(), false},
		{`null`, time.Time{}, false},
		{`"yesterday"`, time.Time{}, true},
		{`true`, time.Time{}, true},
	}
	for _, tt := range tests {
		var lt LegacyTime
		err := lt.UnmarshalJSON([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !lt.Equal(tt.want) {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tt.in, lt.Time, tt.want)
		}
	}
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"id":            "id",
		"accountId":     "account_id",
		"institutionID": "institution_id",
		"isActive":      "is_active",
		"already_snake": "already_snake",
	}
	for in, want := range tests {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExportDeadLetters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, id := range []string{"acc-1", "acc-2"} {
		change := &schema.ChangeRecord{
			EntityType: schema.EntityAccount,
			EntityID:   id,
			Operation:  schema.OpDelete,
			DeviceID:   "dev-1",
		}
		if err := f.queue.Enqueue(ctx, change); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		if err := f.queue.Reject(ctx, change.ID, errors.New("validation failed")); err != nil {
			t.Fatalf("Reject() failed: %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := ExportDeadLetters(ctx, f.queue, queue.DeadLetterFilter{DeviceID: "dev-1"}, &buf)
	if err != nil {
		t.Fatalf("ExportDeadLetters() failed: %v", err)
	}
	if n != 2 || strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("exported %d letters:\n%s", n, buf.String())
	}

	back, err := ReadDeadLetters(&buf)
	if err != nil {
		t.Fatalf("ReadDeadLetters() failed: %v", err)
	}
	if len(back) != 2 || back[0].Reason != schema.ReasonPermanent || back[0].LastError != "validation failed" {
		t.Errorf("read back %+v", back)
	}

	path := filepath.Join(t.TempDir(), "out", "dead.jsonl")
	if n, err := ExportDeadLettersFile(ctx, f.queue, queue.DeadLetterFilter{}, path); err != nil || n != 2 {
		t.Fatalf("ExportDeadLettersFile() = %d, %v", n, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
