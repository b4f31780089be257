package loadtest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
)

func TestSweep(t *testing.T) {
	cfg := SweepConfig{
		RecordCounts:    []int{20, 40},
		DeviceCounts:    []int{1, 2},
		BatchSize:       10,
		WarmupRuns:      1,
		MeasurementRuns: 2,
	}
	if cfg.TotalRuns() != 12 {
		t.Fatalf("TotalRuns() = %d, want 12", cfg.TotalRuns())
	}

	started := 0
	factory := func() (remote.Client, func(), error) {
		started++
		return ReferenceFactory()
	}

	results, err := Sweep(context.Background(), t.TempDir(), factory, cfg, nil)
	if err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}
	if started != 12 {
		t.Errorf("started %d servers, want one per run (12)", started)
	}
	if len(results.DataPoints) != 8 {
		t.Fatalf("got %d data points, want 8 (warmups discarded)", len(results.DataPoints))
	}
	for _, dp := range results.DataPoints {
		if dp.Errors != 0 || dp.Run < 1 || dp.Run > 2 {
			t.Errorf("data point %+v", dp)
		}
	}

	summary := results.Summarize()
	if len(summary) != 4 {
		t.Fatalf("got %d summaries, want 4", len(summary))
	}
	if summary[0].Records != 20 || summary[0].Devices != 1 || summary[3].Records != 40 || summary[3].Devices != 2 {
		t.Errorf("summary order = %+v", summary)
	}
	for _, s := range summary {
		if s.Runs != 2 || s.ThroughputMean <= 0 {
			t.Errorf("summary %+v", s)
		}
	}

	var buf bytes.Buffer
	if err := results.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV() failed: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("CSV unreadable: %v", err)
	}
	if len(rows) != 9 || rows[0][0] != "records" {
		t.Errorf("CSV has %d rows, header %v", len(rows), rows[0])
	}

	buf.Reset()
	results.Print(&buf)
	if !strings.Contains(buf.String(), "RECORDS/S") {
		t.Errorf("Print() output:\n%s", buf.String())
	}
}

func TestSweep_FactoryError(t *testing.T) {
	boom := errors.New("no server")
	factory := func() (remote.Client, func(), error) { return nil, nil, boom }
	_, err := Sweep(context.Background(), t.TempDir(), factory, QuickSweep(), nil)
	if !errors.Is(err, boom) {
		t.Errorf("Sweep() error = %v, want %v", err, boom)
	}
}

func TestSweepConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SweepConfig
		wantErr bool
	}{
		{"quick", QuickSweep(), false},
		{"default", DefaultSweep(), false},
		{"no records", SweepConfig{DeviceCounts: []int{1}, MeasurementRuns: 1}, true},
		{"no runs", SweepConfig{RecordCounts: []int{10}, DeviceCounts: []int{1}}, true},
		{"more devices than records", SweepConfig{RecordCounts: []int{2}, DeviceCounts: []int{3}, MeasurementRuns: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMeanAndStdDev(t *testing.T) {
	mean, std := meanAndStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 || math.Abs(std-2) > 1e-9 {
		t.Errorf("mean=%v std=%v, want 5 and 2", mean, std)
	}
	if m, s := meanAndStdDev(nil); m != 0 || s != 0 {
		t.Errorf("empty = %v, %v", m, s)
	}
}
