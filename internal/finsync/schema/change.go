package schema

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ChangeRecord represents one pending local mutation awaiting remote application.
//
// At most one pending record exists per (EntityID, DeviceID); the queue store
// coalesces later changes into it. ID doubles as the idempotency key for the
// remote write.
type ChangeRecord struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	DeviceID   string          `json:"device_id"`
}

// Validate checks required fields and, for create and update, that the payload
// is a well-formed entity of the declared type.
func (c *ChangeRecord) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !c.EntityType.Valid() {
		return fmt.Errorf("invalid entity_type %q", c.EntityType)
	}
	if c.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", c.Operation)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", c.RetryCount)
	}
	if c.Operation == OpDelete {
		return nil
	}
	if len(c.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", c.Operation)
	}
	if err := ValidatePayload(c.EntityType, c.EntityID, c.Payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// Snapshot returns the local view of the entity after this change is applied.
func (c *ChangeRecord) Snapshot() *Snapshot {
	return &Snapshot{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Payload:    c.Payload,
		UpdatedAt:  c.Timestamp,
		Deleted:    c.Operation == OpDelete,
		Dirty:      true,
	}
}

// ReadChangeFile reads a change record stored as JSON. Callers validate it
// after filling in the fields the file may omit.
func ReadChangeFile(path string) (*ChangeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read change file %s: %w", path, err)
	}

	var change ChangeRecord
	if err := json.Unmarshal(data, &change); err != nil {
		return nil, fmt.Errorf("failed to parse change file %s: %w", path, err)
	}

	return &change, nil
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new monotonic ULID string.
// Ids generated by one process sort in creation order.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// DeadLetterReason explains why a change left the active queue without being applied.
type DeadLetterReason string

const (
	// ReasonExhausted means the change failed transiently more than the retry ceiling allows.
	ReasonExhausted DeadLetterReason = "exhausted"
	// ReasonPermanent means the remote rejected the change (validation, not found).
	ReasonPermanent DeadLetterReason = "permanent"
)

// DeadLetter is a change kept for diagnostics after it left the active queue.
type DeadLetter struct {
	ID        string           `json:"id"`
	Change    ChangeRecord     `json:"change"`
	Reason    DeadLetterReason `json:"reason"`
	LastError string           `json:"last_error,omitempty"`
	FailedAt  time.Time        `json:"failed_at"`
}
