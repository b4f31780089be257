package loadtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
)

// SweepConfig runs Run over a grid of record and device counts.
type SweepConfig struct {
	RecordCounts []int `json:"record_counts" yaml:"record_counts"`
	DeviceCounts []int `json:"device_counts" yaml:"device_counts"`
	BatchSize    int   `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// WarmupRuns are run and discarded before each grid point.
	WarmupRuns int `json:"warmup_runs" yaml:"warmup_runs"`

	// MeasurementRuns are recorded for each grid point.
	MeasurementRuns int `json:"measurement_runs" yaml:"measurement_runs"`
}

// DefaultSweep is a thorough grid.
func DefaultSweep() SweepConfig {
	return SweepConfig{
		RecordCounts:    []int{500, 1000, 5000},
		DeviceCounts:    []int{1, 4, 16},
		WarmupRuns:      1,
		MeasurementRuns: 5,
	}
}

// QuickSweep is a small grid for development and CI.
func QuickSweep() SweepConfig {
	return SweepConfig{
		RecordCounts:    []int{200, 1000},
		DeviceCounts:    []int{1, 4},
		WarmupRuns:      0,
		MeasurementRuns: 2,
	}
}

// TotalRuns is the number of Run calls the sweep makes.
func (c SweepConfig) TotalRuns() int {
	return len(c.RecordCounts) * len(c.DeviceCounts) * (c.WarmupRuns + c.MeasurementRuns)
}

// Validate rejects grids that cannot run.
func (c SweepConfig) Validate() error {
	if len(c.RecordCounts) == 0 || len(c.DeviceCounts) == 0 {
		return fmt.Errorf("record and device counts are required")
	}
	if c.MeasurementRuns < 1 {
		return fmt.Errorf("measurement runs must be at least 1")
	}
	for _, r := range c.RecordCounts {
		for _, d := range c.DeviceCounts {
			if r <= 0 || d <= 0 || d > r {
				return fmt.Errorf("invalid grid point: %d records on %d devices", r, d)
			}
		}
	}
	return nil
}

// DataPoint is one measured run.
type DataPoint struct {
	Records    int           `json:"records" yaml:"records"`
	Devices    int           `json:"devices" yaml:"devices"`
	Run        int           `json:"run" yaml:"run"` // 1-based
	Push       LatencyStats  `json:"push" yaml:"push"`
	Sync       time.Duration `json:"sync" yaml:"sync"`
	Throughput float64       `json:"throughput" yaml:"throughput"` // records/s
	Errors     int           `json:"errors" yaml:"errors"`
}

// SystemInfo records where a sweep ran.
type SystemInfo struct {
	OS        string `json:"os" yaml:"os"`
	Arch      string `json:"arch" yaml:"arch"`
	CPUs      int    `json:"cpus" yaml:"cpus"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Hostname  string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

// SweepResults holds every measured run of a sweep.
type SweepResults struct {
	Config     SweepConfig `json:"config" yaml:"config"`
	DataPoints []DataPoint `json:"data_points" yaml:"data_points"`
	StartTime  time.Time   `json:"start_time" yaml:"start_time"`
	EndTime    time.Time   `json:"end_time" yaml:"end_time"`
	System     SystemInfo  `json:"system" yaml:"system"`
}

// ClientFactory returns a client for one run and a function releasing it.
// Each run gets a fresh target so earlier runs do not skew later ones.
type ClientFactory func() (remote.Client, func(), error)

// ReferenceFactory starts a new in-memory reference server for every run.
func ReferenceFactory() (remote.Client, func(), error) {
	url, stop, err := StartReference(nil)
	if err != nil {
		return nil, nil, err
	}
	return remote.NewHTTPClient(url), stop, nil
}

// Sweep runs cfg, storing scratch databases under dir.
func Sweep(ctx context.Context, dir string, newClient ClientFactory, cfg SweepConfig, logger *log.Logger) (*SweepResults, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if newClient == nil {
		newClient = ReferenceFactory
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	results := &SweepResults{
		Config:    cfg,
		StartTime: time.Now(),
		System: SystemInfo{
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUs:      runtime.NumCPU(),
			GoVersion: runtime.Version(),
		},
	}
	results.System.Hostname, _ = os.Hostname()

	total, n := cfg.TotalRuns(), 0
	for _, records := range cfg.RecordCounts {
		for _, devices := range cfg.DeviceCounts {
			for i := 0; i < cfg.WarmupRuns+cfg.MeasurementRuns; i++ {
				n++
				warmup := i < cfg.WarmupRuns
				report, err := sweepRun(ctx, filepath.Join(dir, fmt.Sprintf("run-%04d.db", n)), newClient, Config{
					Records:   records,
					Devices:   devices,
					BatchSize: cfg.BatchSize,
				})
				if err != nil {
					return nil, fmt.Errorf("run %d (%d records, %d devices): %w", n, records, devices, err)
				}
				logger.Printf("[%d/%d] %d records, %d devices: %.0f/s (warmup=%v)",
					n, total, records, devices, report.Throughput(), warmup)
				if warmup {
					continue
				}
				results.DataPoints = append(results.DataPoints, DataPoint{
					Records:    records,
					Devices:    devices,
					Run:        i - cfg.WarmupRuns + 1,
					Push:       report.Push,
					Sync:       report.Sync,
					Throughput: report.Throughput(),
					Errors:     report.Errors,
				})
			}
		}
	}
	results.EndTime = time.Now()
	return results, nil
}

func sweepRun(ctx context.Context, dbPath string, newClient ClientFactory, cfg Config) (*Report, error) {
	client, release, err := newClient()
	if err != nil {
		return nil, err
	}
	defer release()
	defer os.Remove(dbPath)
	return Run(ctx, dbPath, client, cfg)
}

// Summary aggregates the measured runs of one grid point.
type Summary struct {
	Records        int           `json:"records" yaml:"records"`
	Devices        int           `json:"devices" yaml:"devices"`
	Runs           int           `json:"runs" yaml:"runs"`
	ThroughputMean float64       `json:"throughput_mean" yaml:"throughput_mean"`
	ThroughputStd  float64       `json:"throughput_stddev" yaml:"throughput_stddev"`
	P95Mean        time.Duration `json:"p95_mean" yaml:"p95_mean"`
	Errors         int           `json:"errors" yaml:"errors"`
}

// Summarize groups data points by grid point, ordered by records then devices.
func (r *SweepResults) Summarize() []Summary {
	type key struct{ records, devices int }
	groups := make(map[key][]DataPoint)
	for _, dp := range r.DataPoints {
		k := key{dp.Records, dp.Devices}
		groups[k] = append(groups[k], dp)
	}

	out := make([]Summary, 0, len(groups))
	for k, points := range groups {
		tput := make([]float64, len(points))
		var p95 time.Duration
		s := Summary{Records: k.records, Devices: k.devices, Runs: len(points)}
		for i, dp := range points {
			tput[i] = dp.Throughput
			p95 += dp.Push.P95
			s.Errors += dp.Errors
		}
		s.ThroughputMean, s.ThroughputStd = meanAndStdDev(tput)
		s.P95Mean = p95 / time.Duration(len(points))
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Records != out[j].Records {
			return out[i].Records < out[j].Records
		}
		return out[i].Devices < out[j].Devices
	})
	return out
}

// WriteCSV writes one row per measured run.
func (r *SweepResults) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{
		"records", "devices", "run",
		"push_p50_ms", "push_p95_ms", "push_p99_ms", "push_max_ms", "push_requests",
		"sync_ms", "records_per_second", "errors",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	ms := func(d time.Duration) string { return fmt.Sprintf("%.3f", float64(d)/1e6) }
	for _, dp := range r.DataPoints {
		row := []string{
			fmt.Sprint(dp.Records), fmt.Sprint(dp.Devices), fmt.Sprint(dp.Run),
			ms(dp.Push.P50), ms(dp.Push.P95), ms(dp.Push.P99), ms(dp.Push.Max), fmt.Sprint(dp.Push.Requests),
			ms(dp.Sync), fmt.Sprintf("%.2f", dp.Throughput), fmt.Sprint(dp.Errors),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Print writes the per-grid-point summary.
func (r *SweepResults) Print(w io.Writer) {
	fmt.Fprintf(w, "Sweep on %s/%s, %d CPUs, %s (%v)\n\n",
		r.System.OS, r.System.Arch, r.System.CPUs, r.System.GoVersion, r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	fmt.Fprintf(w, "%8s %8s %5s %14s %10s %10s %7s\n", "RECORDS", "DEVICES", "RUNS", "RECORDS/S", "STDDEV", "P95", "ERRORS")
	for _, s := range r.Summarize() {
		fmt.Fprintf(w, "%8d %8d %5d %14.0f %10.0f %10v %7d\n",
			s.Records, s.Devices, s.Runs, s.ThroughputMean, s.ThroughputStd, s.P95Mean.Round(time.Microsecond), s.Errors)
	}
}

// meanAndStdDev computes the mean and population standard deviation.
func meanAndStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
