// Package events fans out sync notifications to in-process subscribers.
//
// The sync engine publishes conflicts, hard errors, applied changes and cycle
// summaries; the job processor publishes failed jobs. UI layers and the
// dashboard subscribe to the kinds they care about.
//
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and the bus counts the drop.
package events

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/resolve"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// Kind identifies an event.
type Kind string

const (
	KindConflict      Kind = "conflict"
	KindHardError     Kind = "hard_error"
	KindChangeApplied Kind = "change_applied"
	KindSyncComplete  Kind = "sync_complete"
	KindJobFailed     Kind = "job_failed"
)

// Event is one notification. Which optional fields are set depends on Kind.
type Event struct {
	Kind       Kind              `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	DeviceID   string            `json:"device_id,omitempty"`
	EntityType schema.EntityType `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	ChangeID   string            `json:"change_id,omitempty"`
	JobID      string            `json:"job_id,omitempty"`
	Source     string            `json:"source,omitempty"` // local, remote
	Conflict   *resolve.Conflict `json:"conflict,omitempty"`
	Error      string            `json:"error,omitempty"`
	Summary    *SyncSummary      `json:"summary,omitempty"`
}

// SyncSummary is the payload of a KindSyncComplete event.
type SyncSummary struct {
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// DefaultBuffer is the subscription buffer used when none is given.
const DefaultBuffer = 64

// Bus is a publish/subscribe hub. The zero value is not usable; a nil *Bus
// silently discards everything published to it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Int64
	logger  *log.Logger
}

// NewBus creates a bus. If logger is nil, a stderr logger is used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	kinds map[Kind]bool
	bus   *Bus
	id    uint64
}

// Subscribe registers a subscriber for kinds (all kinds if none are given).
// buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[e.Kind] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				b.logger.Printf("Warning: subscriber buffer full, dropped %d events so far", n)
			}
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current number of subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are closed at once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
