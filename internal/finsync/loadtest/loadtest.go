// Package loadtest measures sync throughput against a remote service.
//
// A run seeds a fresh local store with N pending changes spread over one or
// more devices, synchronizes every device concurrently and reports push
// latency and total cycle time. The reference server from package server is
// the usual target; see StartReference.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/queue"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/server"
	"github.com/shopspring/decimal"
)

// Config describes one load test run.
type Config struct {
	// Records is the total number of changes to push (default 1000).
	Records int
	// Devices splits Records across this many device ids, each synchronized
	// concurrently (default 1).
	Devices int
	// BatchSize is the push batch size of the engine (default engine's).
	BatchSize int
	// Logger receives progress messages (default: discarded).
	Logger *log.Logger
}

// LatencyStats captures request latency percentiles.
type LatencyStats struct {
	Min      time.Duration `json:"min" yaml:"min"`
	Max      time.Duration `json:"max" yaml:"max"`
	Mean     time.Duration `json:"mean" yaml:"mean"`
	P50      time.Duration `json:"p50" yaml:"p50"`
	P95      time.Duration `json:"p95" yaml:"p95"`
	P99      time.Duration `json:"p99" yaml:"p99"`
	Requests int           `json:"requests" yaml:"requests"`
}

// Report is the outcome of Run.
type Report struct {
	Records int           `json:"records" yaml:"records"`
	Devices int           `json:"devices" yaml:"devices"`
	Pushed  int           `json:"pushed" yaml:"pushed"`
	Errors  int           `json:"errors" yaml:"errors"`
	Seed    time.Duration `json:"seed" yaml:"seed"`
	Sync    time.Duration `json:"sync" yaml:"sync"`
	Push    LatencyStats  `json:"push" yaml:"push"`
	Pending int           `json:"pending_after" yaml:"pending_after"`
}

// Throughput returns pushed records per second of sync time.
func (r *Report) Throughput() float64 {
	if r.Sync <= 0 {
		return 0
	}
	return float64(r.Pushed) / r.Sync.Seconds()
}

// Run seeds a store at dbPath and synchronizes it against client.
func Run(ctx context.Context, dbPath string, client remote.Client, cfg Config) (*Report, error) {
	if cfg.Records <= 0 {
		cfg.Records = 1000
	}
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.Devices > cfg.Records {
		return nil, fmt.Errorf("devices (%d) cannot exceed records (%d)", cfg.Devices, cfg.Records)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	database, err := db.OpenAndInit(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	timed := &timedClient{Client: client}
	q := queue.New(database, queue.DefaultMaxRetries)
	syncer, err := engine.New(engine.Config{
		DB:            database,
		Remote:        timed,
		Queue:         q,
		Logger:        logger,
		PushBatchSize: cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{Records: cfg.Records, Devices: cfg.Devices}
	devices := make([]string, cfg.Devices)
	for i := range devices {
		devices[i] = fmt.Sprintf("loadtest-%03d", i)
	}

	start := time.Now()
	for i, change := range generateChanges(cfg.Records) {
		change.DeviceID = devices[i%len(devices)]
		if err := syncer.RecordChange(ctx, change); err != nil {
			return nil, fmt.Errorf("failed to seed change %d: %w", i, err)
		}
	}
	report.Seed = time.Since(start)
	logger.Printf("Seeded %d changes across %d devices in %v", cfg.Records, cfg.Devices, report.Seed)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start = time.Now()
	for _, device := range devices {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			res, err := syncer.Synchronize(ctx, device, []schema.EntityType{schema.EntityAccount})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("device %s: %w", device, err))
				return
			}
			report.Pushed += res.Pushed
			report.Errors += len(res.Errors)
		}(device)
	}
	wg.Wait()
	report.Sync = time.Since(start)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	report.Push = computeLatencyStats(timed.durations())
	if report.Pending, err = q.Count(ctx, ""); err != nil {
		return nil, err
	}
	logger.Printf("Pushed %d changes in %v (%.0f/s)", report.Pushed, report.Sync, report.Throughput())
	return report, nil
}

// generateChanges creates n account updates with distinct entity ids so no
// two of them coalesce.
func generateChanges(n int) []*schema.ChangeRecord {
	rng := rand.New(rand.NewSource(42))
	kinds := []string{"checking", "savings", "credit", "investment", "loan"}
	currencies := []string{"USD", "USD", "USD", "EUR", "GBP"}

	changes := make([]*schema.ChangeRecord, n)
	for i := range changes {
		id := fmt.Sprintf("acct-%05d", i)
		cents := rng.Int63n(10_000_000) - 1_000_000
		acct := schema.Account{
			ID:            id,
			Name:          fmt.Sprintf("Account %d", i),
			Type:          kinds[i%len(kinds)],
			Balance:       decimal.New(cents, -2),
			Currency:      currencies[i%len(currencies)],
			InstitutionID: fmt.Sprintf("ins-%d", i%20),
			IsActive:      true,
		}
		changes[i] = &schema.ChangeRecord{
			EntityType: schema.EntityAccount,
			EntityID:   id,
			Operation:  schema.OpCreate,
			Payload:    schema.MustPayload(acct),
		}
	}
	return changes
}

// timedClient records the latency of every Push.
type timedClient struct {
	remote.Client

	mu    sync.Mutex
	times []time.Duration
}

func (c *timedClient) Push(ctx context.Context, deviceID string, entityType schema.EntityType, changes []*schema.ChangeRecord) (*remote.SyncResponse, error) {
	start := time.Now()
	resp, err := c.Client.Push(ctx, deviceID, entityType, changes)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.times = append(c.times, elapsed)
	c.mu.Unlock()
	return resp, err
}

func (c *timedClient) durations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.times...)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Mean:     sum / time.Duration(len(durations)),
		P50:      sorted[len(sorted)*50/100],
		P95:      sorted[len(sorted)*95/100],
		P99:      sorted[len(sorted)*99/100],
		Requests: len(durations),
	}
}

// Print writes the report in a human-readable form.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test:\n")
	fmt.Fprintf(w, "  Records:       %d across %d device(s)\n", r.Records, r.Devices)
	fmt.Fprintf(w, "  Pushed:        %d\n", r.Pushed)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "  Still pending: %d\n", r.Pending)
	fmt.Fprintf(w, "  Seed time:     %v\n", r.Seed)
	fmt.Fprintf(w, "  Sync time:     %v (%.0f records/s)\n", r.Sync, r.Throughput())
	fmt.Fprintf(w, "Push latency (%d requests):\n", r.Push.Requests)
	fmt.Fprintf(w, "  Min:           %v\n", r.Push.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Push.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Push.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Push.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Push.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Push.Max)
}

// StartReference serves an in-memory reference server on a free loopback
// port. It returns the base URL and a function that shuts it down.
func StartReference(logger *log.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	srv := &http.Server{
		Handler:           server.New(server.Config{Logger: logger}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("Reference server error: %v", err)
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return "http://" + ln.Addr().String(), stop, nil
}
