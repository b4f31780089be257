// Package migrate moves sync state in and out of the local store.
//
// ImportLegacyQueue reads the key/value dump the previous mobile client kept
// its pending changes and sync timestamps in, and records them through the
// sync engine. ExportDeadLetters writes dead letters as JSON lines for
// inspection or bug reports.
package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// Keys of the legacy dump. Cursor keys carry the entity type as a suffix,
// e.g. "sync.lastSyncTimestamp.accounts".
const (
	KeyPendingChanges = "sync.pendingChanges"
	KeyLastSyncPrefix = "sync.lastSyncTimestamp."
	KeyDeviceID       = "sync.deviceId"
)

// LegacyChange is one element of the pendingChanges array.
type LegacyChange struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  LegacyTime      `json:"timestamp"`
	RetryCount int             `json:"retryCount,omitempty"`
}

// LegacyTime accepts either an RFC 3339 string or seconds since the Unix
// epoch (possibly fractional), the two encodings found in old dumps.
type LegacyTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *LegacyTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
	return nil
}

// Recorder records a local change. engine.Syncer implements it.
type Recorder interface {
	RecordChange(ctx context.Context, change *schema.ChangeRecord) error
}

// CursorSetter advances a sync cursor. *cursor.Tracker implements it.
type CursorSetter interface {
	AdvanceCursor(ctx context.Context, deviceID string, entityType schema.EntityType, ts time.Time) (bool, error)
}

// ImportOptions configures ImportLegacyQueue.
type ImportOptions struct {
	Path     string // dump file
	DeviceID string // device to record changes for; overrides the dump's own
	DryRun   bool   // parse and validate without writing
	Backup   bool   // copy the dump aside before importing
}

// ImportResult contains statistics about the import.
type ImportResult struct {
	ChangesImported int      `json:"changes_imported" yaml:"changes_imported"`
	CursorsImported int      `json:"cursors_imported" yaml:"cursors_imported"`
	SkippedKeys     []string `json:"skipped_keys,omitempty" yaml:"skipped_keys,omitempty"`
	BackupCreated   string   `json:"backup_created,omitempty" yaml:"backup_created,omitempty"`
	Errors          []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// ReadLegacyDump reads the dump at path as an untyped dictionary.
func ReadLegacyDump(path string) (map[string]json.RawMessage, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy dump: %w", err)
	}
	var dump map[string]json.RawMessage
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("failed to parse legacy dump: %w", err)
	}
	return dump, nil
}

// ImportLegacyQueue records every pending change of the dump and advances
// the cursors it names. Malformed changes are reported in the result and do
// not stop the import. Cursors only move forward.
func ImportLegacyQueue(ctx context.Context, rec Recorder, cursors CursorSetter, opts ImportOptions) (*ImportResult, error) {
	dump, err := ReadLegacyDump(opts.Path)
	if err != nil {
		return nil, err
	}

	deviceID := opts.DeviceID
	if raw, ok := dump[KeyDeviceID]; ok && deviceID == "" {
		if err := json.Unmarshal(raw, &deviceID); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyDeviceID, err)
		}
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required (none given and %s missing)", KeyDeviceID)
	}

	result := &ImportResult{}
	if opts.Backup && !opts.DryRun {
		backupPath := opts.Path + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	keys := make([]string, 0, len(dump))
	for k := range dump {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		raw := dump[key]
		switch {
		case key == KeyDeviceID:
		case key == KeyPendingChanges:
			if err := importChanges(ctx, rec, deviceID, raw, opts.DryRun, result); err != nil {
				return result, err
			}
		case strings.HasPrefix(key, KeyLastSyncPrefix):
			if err := importCursor(ctx, cursors, deviceID, key, raw, opts.DryRun, result); err != nil {
				return result, err
			}
		default:
			result.SkippedKeys = append(result.SkippedKeys, key)
		}
	}
	return result, nil
}

func importChanges(ctx context.Context, rec Recorder, deviceID string, raw json.RawMessage, dryRun bool, result *ImportResult) error {
	var legacy []json.RawMessage
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("invalid %s: %w", KeyPendingChanges, err)
	}

	// Oldest first so coalescing keeps the newest state.
	changes := make([]*schema.ChangeRecord, 0, len(legacy))
	for i, item := range legacy {
		var lc LegacyChange
		if err := json.Unmarshal(item, &lc); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("change %d: %v", i, err))
			continue
		}
		change, err := lc.toChange(deviceID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("change %d (%s): %v", i, lc.EntityID, err))
			continue
		}
		changes = append(changes, change)
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})

	for _, change := range changes {
		if !dryRun {
			if err := rec.RecordChange(ctx, change); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("change %s: %v", change.ID, err))
				continue
			}
		}
		result.ChangesImported++
	}
	return nil
}

func importCursor(ctx context.Context, cursors CursorSetter, deviceID, key string, raw json.RawMessage, dryRun bool, result *ImportResult) error {
	typ, err := schema.ParseEntityType(strings.TrimPrefix(key, KeyLastSyncPrefix))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
		return nil
	}
	var ts LegacyTime
	if err := json.Unmarshal(raw, &ts); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
		return nil
	}
	if ts.IsZero() {
		return nil
	}
	if !dryRun {
		if _, err := cursors.AdvanceCursor(ctx, deviceID, typ, ts.Time); err != nil {
			return fmt.Errorf("failed to import cursor %s: %w", key, err)
		}
	}
	result.CursorsImported++
	return nil
}

// toChange converts a legacy entry. Entity payload keys written in
// camelCase are renamed to snake_case.
func (lc *LegacyChange) toChange(deviceID string) (*schema.ChangeRecord, error) {
	typ, err := schema.ParseEntityType(lc.EntityType)
	if err != nil {
		return nil, err
	}
	op, err := schema.ParseOperation(lc.Operation)
	if err != nil {
		return nil, err
	}
	if lc.Timestamp.IsZero() {
		return nil, fmt.Errorf("timestamp is required")
	}

	change := &schema.ChangeRecord{
		ID:         lc.ID,
		EntityType: typ,
		EntityID:   lc.EntityID,
		Operation:  op,
		Timestamp:  lc.Timestamp.Time,
		RetryCount: lc.RetryCount,
		DeviceID:   deviceID,
	}
	if change.ID == "" {
		change.ID = schema.NewID()
	}
	if len(lc.Data) > 0 && !bytes.Equal(bytes.TrimSpace(lc.Data), []byte("null")) {
		payload, err := snakeKeys(lc.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid data: %w", err)
		}
		change.Payload = payload
	}
	if err := change.Validate(); err != nil {
		return nil, err
	}
	return change, nil
}

func snakeKeys(data json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		out[snakeCase(k)] = v
	}
	return json.Marshal(out)
}

func snakeCase(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		if unicode.IsUpper(r) {
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
			continue
		}
		b.WriteRune(r)
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}
