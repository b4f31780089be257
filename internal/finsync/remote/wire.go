package remote

import (
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/resolve"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// Mode selects which half of a POST /sync exchange the caller wants.
// The empty mode does both: changes are applied, then a page is returned.
type Mode string

const (
	ModeBoth Mode = ""
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	DeviceID          string                 `json:"deviceId"`
	LastSyncTimestamp *time.Time             `json:"lastSyncTimestamp,omitempty"`
	EntityType        schema.EntityType      `json:"entityType"`
	Changes           []*schema.ChangeRecord `json:"changes"`
	Mode              Mode                   `json:"mode,omitempty"`
	Limit             int                    `json:"limit,omitempty"`
}

// Outcome is the per-change result of a push.
type Outcome string

const (
	// OutcomeApplied means the change is now the server's version.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means a change with the same id was applied before.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeConflict means the server kept a newer version; Snapshot carries it.
	OutcomeConflict Outcome = "conflict"
	// OutcomeRejected means the change will never be accepted.
	OutcomeRejected Outcome = "rejected"
	// OutcomeTransient means the server could not apply the change right now.
	OutcomeTransient Outcome = "transient"
)

// Rejection codes reported with OutcomeRejected.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
)

// ChangeResult reports what the server did with one pushed change.
type ChangeResult struct {
	ChangeID string           `json:"changeId"`
	Outcome  Outcome          `json:"outcome"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
	Snapshot *schema.Snapshot `json:"snapshot,omitempty"`
}

// SyncResponse is the body returned by POST /sync.
//
// Changes are ordered by server sync time; each carries LastSynced, which
// callers use as their next cursor.
type SyncResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	Changes   []*schema.Snapshot `json:"changes"`
	Conflicts []resolve.Conflict `json:"conflicts"`
	Results   []ChangeResult     `json:"results,omitempty"`
	HasMore   bool               `json:"hasMore"`
}

// SyncType selects what a financial refresh pulls from the institution.
type SyncType string

const (
	SyncFull         SyncType = "full"
	SyncBalances     SyncType = "balances"
	SyncTransactions SyncType = "transactions"
)

// Valid reports whether t is a known sync type.
func (t SyncType) Valid() bool {
	switch t {
	case SyncFull, SyncBalances, SyncTransactions:
		return true
	}
	return false
}

// FinancialSyncRequest is the body of POST /sync/financial.
type FinancialSyncRequest struct {
	AccountID string   `json:"accountId"`
	SyncType  SyncType `json:"syncType"`
}

// FinancialSyncResponse summarizes an institution refresh.
type FinancialSyncResponse struct {
	Timestamp    time.Time `json:"timestamp"`
	Accounts     int       `json:"accounts"`
	Transactions int       `json:"transactions"`
}

// ErrorBody is the JSON body of a non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
