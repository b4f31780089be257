package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/queue"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// DeadLetterLister lists dead letters. *queue.Store implements it.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, filter queue.DeadLetterFilter) ([]*schema.DeadLetter, error)
}

// ExportDeadLetters writes the dead letters matching filter to w, one JSON
// object per line, and returns how many were written.
func ExportDeadLetters(ctx context.Context, store DeadLetterLister, filter queue.DeadLetterFilter, w io.Writer) (int, error) {
	letters, err := store.DeadLetters(ctx, filter)
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, dl := range letters {
		if err := enc.Encode(dl); err != nil {
			return i, fmt.Errorf("failed to write dead letter %s: %w", dl.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(letters), fmt.Errorf("failed to flush export: %w", err)
	}
	return len(letters), nil
}

// ExportDeadLettersFile is ExportDeadLetters into path, written atomically
// via a temp file.
func ExportDeadLettersFile(ctx context.Context, store DeadLetterLister, filter queue.DeadLetterFilter, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := ExportDeadLetters(ctx, store, filter, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ReadDeadLetters parses a JSONL export.
func ReadDeadLetters(r io.Reader) ([]*schema.DeadLetter, error) {
	var out []*schema.DeadLetter
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var dl schema.DeadLetter
		if err := dec.Decode(&dl); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		out = append(out, &dl)
	}
}
