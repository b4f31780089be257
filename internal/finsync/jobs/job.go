// Package jobs runs sync and notification work in the background with
// persistent retry state.
//
// Jobs live in the SQLite jobs table, so pending and failed work survives a
// restart. Each job type has its own retry policy and concurrency limit.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

var (
	// ErrInvalidPayload is returned when a job payload fails validation.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrNotFailed is returned by Retry for a job that has not failed.
	ErrNotFailed = errors.New("job has not failed")
)

// Type identifies a job kind.
type Type string

const (
	TypeSync         Type = "sync"
	TypeNotification Type = "notification"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RetryPolicy controls how often and how fast a failing job is retried.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" json:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" json:"multiplier"`
	Cap         time.Duration `mapstructure:"cap" json:"cap"`
}

var (
	// DefaultSyncPolicy retries sync jobs 5 times starting at 5s.
	DefaultSyncPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Second, Multiplier: 2, Cap: 5 * time.Minute}

	// DefaultNotificationPolicy retries notifications 3 times starting at 1s.
	DefaultNotificationPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, Cap: time.Minute}
)

// Delay returns the wait before the retry following attempt n (1-based):
// min(BaseDelay * Multiplier^(n-1), Cap).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.Cap > 0 && (d > float64(p.Cap) || math.IsInf(d, 1)) {
		return p.Cap
	}
	return time.Duration(d)
}

// Validate checks the policy for usable values.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1 (got %d)", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.Cap < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1 (got %v)", p.Multiplier)
	}
	return nil
}

// Payload is the body of a job. SyncPayload and NotificationPayload are the
// only implementations.
type Payload interface {
	Type() Type
	Validate() error
	dedupeKey() string
}

// SyncPayload asks for a sync cycle. With AccountID set the cycle is a
// financial refresh of that account.
type SyncPayload struct {
	DeviceID    string              `json:"device_id"`
	EntityTypes []schema.EntityType `json:"entity_types,omitempty"`
	AccountID   string              `json:"account_id,omitempty"`
	SyncType    remote.SyncType     `json:"sync_type,omitempty"`
}

// Type implements Payload.
func (p *SyncPayload) Type() Type { return TypeSync }

// Validate implements Payload.
func (p *SyncPayload) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	for _, t := range p.EntityTypes {
		if !t.Valid() {
			return fmt.Errorf("invalid entity type %q", t)
		}
	}
	if p.SyncType != "" && !p.SyncType.Valid() {
		return fmt.Errorf("invalid sync type %q", p.SyncType)
	}
	if p.SyncType != "" && p.AccountID == "" {
		return fmt.Errorf("sync_type requires account_id")
	}
	return nil
}

// A pending sync job for the same device and scope absorbs a new one.
func (p *SyncPayload) dedupeKey() string {
	key := "sync:" + p.DeviceID
	if p.AccountID != "" {
		key += ":" + p.AccountID + ":" + string(p.SyncType)
	}
	for _, t := range p.EntityTypes {
		key += ":" + string(t)
	}
	return key
}

// NotificationPayload asks for a user notification.
type NotificationPayload struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// Type implements Payload.
func (p *NotificationPayload) Type() Type { return TypeNotification }

// Validate implements Payload.
func (p *NotificationPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

func (p *NotificationPayload) dedupeKey() string { return "" }

// decodePayload turns a stored payload back into its typed form.
func decodePayload(typ Type, data []byte) (Payload, error) {
	var p Payload
	switch typ {
	case TypeSync:
		p = &SyncPayload{}
	case TypeNotification:
		p = &NotificationPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, typ)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Job is a stored job and its retry state.
type Job struct {
	ID          string          `json:"id" yaml:"id"`
	Type        Type            `json:"type" yaml:"type"`
	Payload     json.RawMessage `json:"payload" yaml:"-"`
	Status      Status          `json:"status" yaml:"status"`
	Attempts    int             `json:"attempts" yaml:"attempts"`
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts"`
	Policy      RetryPolicy     `json:"policy" yaml:"-"`
	RunAt       time.Time       `json:"run_at" yaml:"run_at"`
	Reclaims    int             `json:"reclaims,omitempty" yaml:"reclaims,omitempty"`
	LastError   string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Decode returns the typed payload of the job.
func (j *Job) Decode() (Payload, error) {
	return decodePayload(j.Type, j.Payload)
}
