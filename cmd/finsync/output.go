package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// render writes v as JSON or YAML when --format asks for it, and calls text
// otherwise.
func render(v any, text func()) {
	var err error
	switch outputFormat {
	case formatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		err = enc.Encode(v)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	default:
		text()
	}
	if err != nil {
		fatalf("failed to write output: %v", err)
	}
}

// changeView is a ChangeRecord with its payload decoded, so YAML output
// shows fields instead of bytes.
type changeView struct {
	ID         string    `json:"id" yaml:"id"`
	DeviceID   string    `json:"device_id" yaml:"device_id"`
	EntityType string    `json:"entity_type" yaml:"entity_type"`
	EntityID   string    `json:"entity_id" yaml:"entity_id"`
	Operation  string    `json:"operation" yaml:"operation"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	RetryCount int       `json:"retry_count" yaml:"retry_count"`
	Payload    any       `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func viewChange(c *schema.ChangeRecord) changeView {
	v := changeView{
		ID:         c.ID,
		DeviceID:   c.DeviceID,
		EntityType: string(c.EntityType),
		EntityID:   c.EntityID,
		Operation:  string(c.Operation),
		Timestamp:  c.Timestamp,
		RetryCount: c.RetryCount,
	}
	if len(c.Payload) > 0 {
		_ = json.Unmarshal(c.Payload, &v.Payload)
	}
	return v
}

type deadLetterView struct {
	ID        string     `json:"id" yaml:"id"`
	Reason    string     `json:"reason" yaml:"reason"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	FailedAt  time.Time  `json:"failed_at" yaml:"failed_at"`
	Change    changeView `json:"change" yaml:"change"`
}

func viewDeadLetter(dl *schema.DeadLetter) deadLetterView {
	return deadLetterView{
		ID:        dl.ID,
		Reason:    string(dl.Reason),
		LastError: dl.LastError,
		FailedAt:  dl.FailedAt,
		Change:    viewChange(&dl.Change),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
