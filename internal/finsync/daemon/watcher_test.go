package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInboxWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()

	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Start(dir); err == nil {
		t.Error("second Start() should fail while running")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed after Stop()")
	}
}

func TestInboxWatcher_ChangeFileCreated(t *testing.T) {
	dir := t.TempDir()

	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Non-JSON files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "change.json")
	if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "change.json" {
			t.Errorf("event for %s, want change.json", ev.Path)
		}
		if ev.Op != OpCreate {
			t.Errorf("op = %v, want create", ev.Op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for create event")
	}
}

func TestInboxWatcher_IgnoresSubdirectories(t *testing.T) {
	dir := t.TempDir()
	failed := filepath.Join(dir, FailedDir)
	if err := os.MkdirAll(failed, 0755); err != nil {
		t.Fatal(err)
	}

	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(failed, "bad.json"), []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Errorf("unexpected event %s %v", ev.Path, ev.Op)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
