package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the cached state of one entity.
//
// UpdatedAt is the last-write-wins key. LastSynced is assigned by the remote
// service when it stores a version and is the value pull cursors advance over.
// Deleted is a soft-delete marker; rows are never physically removed so a
// deletion stays reversible for audit.
type Snapshot struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	LastSynced *time.Time      `json:"last_synced,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`

	// Dirty is set on the local side when an unacknowledged change exists.
	Dirty bool `json:"-"`
}

// Validate checks that the snapshot identifies an entity and carries a usable payload.
// Deleted snapshots may omit the payload.
func (s *Snapshot) Validate() error {
	if !s.EntityType.Valid() {
		return fmt.Errorf("invalid entity_type %q", s.EntityType)
	}
	if s.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if s.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if s.Deleted && len(s.Payload) == 0 {
		return nil
	}
	if err := ValidatePayload(s.EntityType, s.EntityID, s.Payload); err != nil {
		return fmt.Errorf("invalid payload for %s %s: %w", s.EntityType, s.EntityID, err)
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Payload != nil {
		c.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	if s.LastSynced != nil {
		ls := *s.LastSynced
		c.LastSynced = &ls
	}
	return &c
}

// Version returns the timestamp used for conflict resolution.
func (s *Snapshot) Version() time.Time {
	return s.UpdatedAt
}
