package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/loadtest"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure push throughput and latency",
	Long: `Record synthetic account changes in a scratch database and push them in one
sync cycle per device, reporting push latency percentiles.

Without --url an in-memory reference server is started on a free port. With
--url the changes are pushed to that service, so never point it at production.

Examples:
  finsync loadtest
  finsync loadtest --records 5000 --devices 4 --batch 250
  finsync loadtest --url http://127.0.0.1:8080 --format json`,
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		records, _ := cmd.Flags().GetInt("records")
		devices, _ := cmd.Flags().GetInt("devices")
		batch, _ := cmd.Flags().GetInt("batch")
		url, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		dbPath, _ := cmd.Flags().GetString("db")

		if records <= 0 || devices <= 0 {
			fatalf("--records and --devices must be positive")
		}

		if dbPath == "" {
			dir, err := os.MkdirTemp("", "finsync-loadtest-*")
			if err != nil {
				fatalf("%v", err)
			}
			defer os.RemoveAll(dir)
			dbPath = filepath.Join(dir, "loadtest.db")
		}

		if url == "" {
			ref, stop, err := loadtest.StartReference(nil)
			if err != nil {
				fatalf("failed to start reference server: %v", err)
			}
			defer stop()
			url = ref
		}

		ctx, cancel := signalContext()
		defer cancel()

		if outputFormat == formatText {
			fmt.Printf("%s Pushing %d records from %s to %s...\n",
				ui.RenderAccent("🔄"), records, plural(devices, "device"), url)
		}

		client := remote.NewHTTPClient(url, remote.WithToken(token))
		report, err := loadtest.Run(ctx, dbPath, client, loadtest.Config{
			Records:   records,
			Devices:   devices,
			BatchSize: batch,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error running load test: %v\n", err)
			os.Exit(1)
		}

		render(report, func() { report.Print(os.Stdout) })
	},
}

var loadtestSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the load test over a grid of record and device counts",
	Long: `Run the load test once per grid point and repetition, each against a fresh
scratch database and a fresh in-memory reference server. Warmup runs are
discarded. The summary reports mean throughput, its standard deviation and
mean p95 push latency per grid point.

Examples:
  finsync loadtest sweep --quick
  finsync loadtest sweep --records 1000,5000 --devices 1,8 --runs 3
  finsync loadtest sweep --quick --csv sweep.csv`,
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		quick, _ := cmd.Flags().GetBool("quick")
		sweep := loadtest.DefaultSweep()
		if quick {
			sweep = loadtest.QuickSweep()
		}
		if cmd.Flags().Changed("records") {
			sweep.RecordCounts, _ = cmd.Flags().GetIntSlice("records")
		}
		if cmd.Flags().Changed("devices") {
			sweep.DeviceCounts, _ = cmd.Flags().GetIntSlice("devices")
		}
		if cmd.Flags().Changed("warmup") {
			sweep.WarmupRuns, _ = cmd.Flags().GetInt("warmup")
		}
		if cmd.Flags().Changed("runs") {
			sweep.MeasurementRuns, _ = cmd.Flags().GetInt("runs")
		}
		sweep.BatchSize, _ = cmd.Flags().GetInt("batch")
		csvPath, _ := cmd.Flags().GetString("csv")

		if err := sweep.Validate(); err != nil {
			fatalf("%v", err)
		}

		dir, err := os.MkdirTemp("", "finsync-sweep-*")
		if err != nil {
			fatalf("%v", err)
		}
		defer os.RemoveAll(dir)

		ctx, cancel := signalContext()
		defer cancel()

		var logger *log.Logger
		if outputFormat == formatText {
			fmt.Printf("%s Sweeping %d runs...\n", ui.RenderAccent("🔄"), sweep.TotalRuns())
			logger = log.New(os.Stderr, "[sweep] ", log.LstdFlags)
		}

		results, err := loadtest.Sweep(ctx, dir, loadtest.ReferenceFactory, sweep, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error running sweep: %v\n", err)
			os.Exit(1)
		}

		if csvPath != "" {
			// #nosec G304 - controlled path from CLI
			f, err := os.Create(csvPath)
			if err != nil {
				fatalf("failed to create %s: %v", csvPath, err)
			}
			err = results.WriteCSV(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				fatalf("failed to write %s: %v", csvPath, err)
			}
		}

		render(results, func() {
			fmt.Println()
			results.Print(os.Stdout)
			if csvPath != "" {
				fmt.Printf("\n%s Wrote %s\n", ui.RenderPass("✓"), csvPath)
			}
		})
	},
}

func init() {
	loadtestSweepCmd.Flags().Bool("quick", false, "use the small development grid")
	loadtestSweepCmd.Flags().IntSlice("records", nil, "record counts to sweep")
	loadtestSweepCmd.Flags().IntSlice("devices", nil, "device counts to sweep")
	loadtestSweepCmd.Flags().Int("warmup", 0, "discarded runs per grid point")
	loadtestSweepCmd.Flags().Int("runs", 0, "measured runs per grid point")
	loadtestSweepCmd.Flags().Int("batch", 0, "push batch size (default: engine default)")
	loadtestSweepCmd.Flags().String("csv", "", "also write every measured run to this CSV file")
	loadtestCmd.AddCommand(loadtestSweepCmd)

	loadtestCmd.Flags().Int("records", 1000, "number of changes to push")
	loadtestCmd.Flags().Int("devices", 1, "number of devices pushing concurrently")
	loadtestCmd.Flags().Int("batch", 0, "push batch size (default: engine default)")
	loadtestCmd.Flags().String("url", "", "remote sync service (default: in-memory reference server)")
	loadtestCmd.Flags().String("token", "", "bearer token for --url")
	loadtestCmd.Flags().String("db", "", "scratch database path (default: temporary)")

	rootCmd.AddCommand(loadtestCmd)
}
