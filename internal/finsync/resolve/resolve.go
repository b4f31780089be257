// Package resolve decides which version of an entity survives when the local
// cache and the remote service disagree.
//
// Rules, applied in order:
//
//   - A remote deletion beats a live local version regardless of timestamps.
//     Deletions are terminal and never resurrected by a stale edit.
//   - Otherwise the strictly newer UpdatedAt wins.
//   - Equal timestamps go to the remote, so every device converges on the
//     server's copy.
//
// A local deletion against a remote update is plain last-write-wins: the local
// delete survives only when strictly newer.
//
// The same function backs the reference server's write path, so server and
// client always agree on the outcome.
package resolve

import (
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// Resolution names the side that won.
type Resolution string

const (
	Local  Resolution = "local"
	Remote Resolution = "remote"
)

// Reasons recorded on a Conflict.
const (
	ReasonRemoteDelete = "remote_delete"
	ReasonRemoteNewer  = "remote_newer"
	ReasonLocalNewer   = "local_newer"
	ReasonTie          = "timestamp_tie"
)

// Conflict describes a concurrent edit that was resolved.
type Conflict struct {
	EntityID      string            `json:"entityId" yaml:"entity_id"`
	EntityType    schema.EntityType `json:"entityType" yaml:"entity_type"`
	LocalVersion  time.Time         `json:"localVersion" yaml:"local_version"`
	RemoteVersion time.Time         `json:"remoteVersion" yaml:"remote_version"`
	Resolution    Resolution        `json:"resolution" yaml:"resolution"`
	Reason        string            `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Result is the outcome of Resolve.
type Result struct {
	// Winner is a copy of the surviving snapshot.
	Winner     *schema.Snapshot
	Resolution Resolution

	// Conflict is set when the local side carried an unsynced edit.
	Conflict *Conflict

	// DiscardPending is set when the local side had a pending change that
	// lost and must be dropped from the queue.
	DiscardPending bool
}

// Resolve picks the surviving version of one entity.
//
// A nil local means the entity is unknown locally and the remote is taken as
// is; a nil remote keeps the local copy. Neither input is modified.
func Resolve(local, remote *schema.Snapshot) Result {
	switch {
	case local == nil && remote == nil:
		return Result{}
	case local == nil:
		return Result{Winner: clean(remote), Resolution: Remote}
	case remote == nil:
		return Result{Winner: local.Clone(), Resolution: Local}
	}

	resolution, reason := decide(local, remote)

	res := Result{Resolution: resolution}
	if resolution == Remote {
		res.Winner = clean(remote)
		res.DiscardPending = local.Dirty
	} else {
		res.Winner = local.Clone()
	}

	if local.Dirty {
		res.Conflict = &Conflict{
			EntityID:      remote.EntityID,
			EntityType:    remote.EntityType,
			LocalVersion:  local.UpdatedAt,
			RemoteVersion: remote.UpdatedAt,
			Resolution:    resolution,
			Reason:        reason,
		}
	}
	return res
}

func decide(local, remote *schema.Snapshot) (Resolution, string) {
	if remote.Deleted && !local.Deleted {
		return Remote, ReasonRemoteDelete
	}
	switch {
	case local.UpdatedAt.After(remote.UpdatedAt):
		return Local, ReasonLocalNewer
	case remote.UpdatedAt.After(local.UpdatedAt):
		return Remote, ReasonRemoteNewer
	default:
		return Remote, ReasonTie
	}
}

func clean(s *schema.Snapshot) *schema.Snapshot {
	c := s.Clone()
	c.Dirty = false
	return c
}
