package dashboard

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/events"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/jobs"
)

// StatsData is a snapshot of local sync state.
type StatsData struct {
	DeviceID       string              `json:"device_id"`
	PendingChanges int                 `json:"pending_changes"`
	DeadLetters    int                 `json:"dead_letters"`
	Jobs           map[jobs.Status]int `json:"jobs"`
	Conflicts      int                 `json:"conflicts"`
	HardErrors     int                 `json:"hard_errors"`
	FailedJobs     int                 `json:"failed_jobs"`
	LastSync       *events.SyncSummary `json:"last_sync,omitempty"`
	LastSyncAt     *time.Time          `json:"last_sync_at,omitempty"`
}

// QueueStats reports change queue sizes. *queue.Store implements it.
type QueueStats interface {
	Count(ctx context.Context, deviceID string) (int, error)
	DeadLetterCount(ctx context.Context, deviceID string) (int, error)
}

// JobStats reports job counts by status. *jobs.Processor implements it.
type JobStats interface {
	Counts(ctx context.Context) (map[jobs.Status]int, error)
}

// Handler bridges the event bus to the WebSocket server. It keeps running
// counters of what it has seen and combines them with store counts.
type Handler struct {
	server   *Server
	queue    QueueStats
	jobs     JobStats
	deviceID string
	logger   *log.Logger

	mu         sync.Mutex
	conflicts  int
	hardErrors int
	failedJobs int
	lastSync   *events.SyncSummary
	lastSyncAt *time.Time
}

// NewHandler creates a handler broadcasting to server. queue and jobs may be
// nil, in which case the corresponding counts stay zero.
func NewHandler(server *Server, deviceID string, queue QueueStats, jobStats JobStats, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	h := &Handler{
		server:   server,
		queue:    queue,
		jobs:     jobStats,
		deviceID: deviceID,
		logger:   logger,
	}
	server.SetStatsSource(h.Stats)
	return h
}

// Run forwards events from bus until ctx is done or the bus closes.
func (h *Handler) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(events.DefaultBuffer)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.OnEvent(ctx, ev)
		}
	}
}

// OnEvent broadcasts ev and, for events that change totals, a fresh stats
// snapshot.
func (h *Handler) OnEvent(ctx context.Context, ev events.Event) {
	refresh := false

	h.mu.Lock()
	switch ev.Kind {
	case events.KindConflict:
		h.conflicts++
	case events.KindHardError:
		h.hardErrors++
		refresh = true
	case events.KindJobFailed:
		h.failedJobs++
		refresh = true
	case events.KindSyncComplete:
		h.lastSync = ev.Summary
		at := ev.Timestamp
		h.lastSyncAt = &at
		refresh = true
	}
	h.mu.Unlock()

	if err := h.server.BroadcastJSON(MessageTypeEvent, ev); err != nil {
		h.logger.Printf("Failed to broadcast %s event: %v", ev.Kind, err)
		return
	}
	if refresh {
		h.broadcastStats(ctx)
	}
}

// Stats collects the current snapshot.
func (h *Handler) Stats(ctx context.Context) (*StatsData, error) {
	st := &StatsData{DeviceID: h.deviceID, Jobs: map[jobs.Status]int{}}

	if h.queue != nil {
		n, err := h.queue.Count(ctx, h.deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to count pending changes: %w", err)
		}
		st.PendingChanges = n
		if n, err = h.queue.DeadLetterCount(ctx, h.deviceID); err != nil {
			return nil, fmt.Errorf("failed to count dead letters: %w", err)
		}
		st.DeadLetters = n
	}
	if h.jobs != nil {
		counts, err := h.jobs.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}
		st.Jobs = counts
	}

	h.mu.Lock()
	st.Conflicts = h.conflicts
	st.HardErrors = h.hardErrors
	st.FailedJobs = h.failedJobs
	st.LastSync = h.lastSync
	st.LastSyncAt = h.lastSyncAt
	h.mu.Unlock()

	return st, nil
}

func (h *Handler) broadcastStats(ctx context.Context) {
	st, err := h.Stats(ctx)
	if err != nil {
		h.logger.Printf("Failed to collect stats: %v", err)
		return
	}
	if err := h.server.BroadcastJSON(MessageTypeStats, st); err != nil {
		h.logger.Printf("Failed to broadcast stats: %v", err)
	}
}
