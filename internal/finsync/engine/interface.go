package engine

import (
	"context"
	"errors"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/resolve"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// ErrLockUnavailable is returned when the device lease cannot be read or
// written.
var ErrLockUnavailable = errors.New("sync lock unavailable")

// Syncer runs sync cycles for devices.
type Syncer interface {
	// Synchronize runs one push/pull cycle for deviceID over entityTypes
	// (all types if empty).
	//
	// Per-item failures are reported in the result. An error is returned
	// only when local storage or the device lease fails, in which case no
	// local state was changed.
	//
	// Concurrent calls for the same device share one cycle: a caller that
	// arrives while a cycle runs waits for it and gets its result with
	// Coalesced set, provided that cycle covered every requested type;
	// otherwise it runs its own cycle afterwards. The cycle itself does not
	// stop when a caller's context is canceled; that caller returns
	// ctx.Err() at once and the others still get the result.
	//
	// Example:
	//   result, err := syncer.Synchronize(ctx, "dev-1", []schema.EntityType{schema.EntityAccount})
	Synchronize(ctx context.Context, deviceID string, entityTypes []schema.EntityType) (*Result, error)

	// SyncFinancial asks the remote to refresh institution data for
	// accountID and then synchronizes accounts and transactions.
	//
	// Example:
	//   result, err := syncer.SyncFinancial(ctx, "dev-1", "acc-1", remote.SyncFull)
	SyncFinancial(ctx context.Context, deviceID, accountID string, syncType remote.SyncType) (*Result, error)

	// RecordChange enqueues a local mutation and updates the local cache
	// optimistically, both in one transaction. Missing ID and Timestamp are
	// filled in.
	RecordChange(ctx context.Context, change *schema.ChangeRecord) error
}

// ErrorKind classifies an ItemError.
type ErrorKind string

const (
	// ErrTransient is a retryable push or pull failure.
	ErrTransient ErrorKind = "transient"
	// ErrPermanent is a change the remote rejected; it was dead-lettered.
	ErrPermanent ErrorKind = "permanent"
	// ErrExhausted is a change that reached the retry ceiling; it was dead-lettered.
	ErrExhausted ErrorKind = "exhausted"
	// ErrApply is a pulled snapshot that could not be stored locally.
	ErrApply ErrorKind = "apply"
)

// Hard reports whether the error needs user attention.
func (k ErrorKind) Hard() bool {
	return k == ErrPermanent || k == ErrExhausted
}

// ItemError is one failure recorded during a cycle.
type ItemError struct {
	ChangeID   string            `json:"change_id,omitempty" yaml:"change_id,omitempty"`
	EntityType schema.EntityType `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	Kind       ErrorKind         `json:"kind" yaml:"kind"`
	Message    string            `json:"message" yaml:"message"`
}

// Result summarizes one cycle.
type Result struct {
	DeviceID  string             `json:"device_id" yaml:"device_id"`
	Pushed    int                `json:"pushed" yaml:"pushed"`
	Pulled    int                `json:"pulled" yaml:"pulled"`
	Conflicts []resolve.Conflict `json:"conflicts" yaml:"conflicts"`
	Errors    []ItemError        `json:"errors" yaml:"errors"`

	// Coalesced is set when another cycle for the device was already
	// running and this call did no work of its own.
	Coalesced bool `json:"coalesced,omitempty" yaml:"coalesced,omitempty"`

	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// HardErrors returns the errors that need user attention.
func (r *Result) HardErrors() []ItemError {
	var out []ItemError
	for _, e := range r.Errors {
		if e.Kind.Hard() {
			out = append(out, e)
		}
	}
	return out
}

// OK reports whether the cycle finished without any recorded error.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}
