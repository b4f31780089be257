package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/jobs"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Push pending local changes and pull remote changes for this device.

With --account the cycle first asks the remote to refresh that account from its
institution, then synchronizes accounts and transactions.

Per-change failures do not stop the cycle: transient ones stay queued for the
next run, rejected or exhausted ones move to the dead-letter queue and are
listed as hard errors.

Examples:
  finsync sync
  finsync sync --type accounts --type transactions
  finsync sync --account acc-1 --sync-type balances`,
	Run: func(cmd *cobra.Command, args []string) {
		typeNames, _ := cmd.Flags().GetStringSlice("type")
		accountID, _ := cmd.Flags().GetString("account")
		syncType, _ := cmd.Flags().GetString("sync-type")

		types, err := schema.ParseEntityTypes(typeNames)
		if err != nil {
			fatalf("%v", err)
		}
		if accountID != "" && !remote.SyncType(syncType).Valid() {
			fatalf("--sync-type must be 'full', 'balances', or 'transactions'")
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		if outputFormat == formatText {
			fmt.Printf("%s Syncing device %s with %s...\n", ui.RenderAccent("🔄"), a.deviceID, cfg.Remote.URL)
		}

		var result *engine.Result
		if accountID != "" {
			result, err = a.syncer.SyncFinancial(ctx, a.deviceID, accountID, remote.SyncType(syncType))
		} else {
			result, err = a.syncer.Synchronize(ctx, a.deviceID, types)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		render(result, func() { printResult(result) })
	},
}

func printResult(r *engine.Result) {
	mark := ui.RenderPass("✓")
	if len(r.HardErrors()) > 0 {
		mark = ui.RenderWarn("⚠")
	}
	if r.Coalesced {
		fmt.Printf("%s Joined a cycle already running for %s\n", mark, r.DeviceID)
	} else {
		fmt.Printf("%s Sync complete in %v\n", mark, r.Duration.Round(time.Millisecond))
	}
	fmt.Printf("   Pushed: %d\n", r.Pushed)
	fmt.Printf("   Pulled: %d\n", r.Pulled)
	fmt.Printf("   Conflicts: %d\n", len(r.Conflicts))
	fmt.Printf("   Errors: %d\n", len(r.Errors))

	for _, c := range r.Conflicts {
		fmt.Printf("   %s %s %s: %s won (%s)\n", ui.RenderAccent("⇄"), c.EntityType, c.EntityID, c.Resolution, c.Reason)
	}
	for _, e := range r.Errors {
		marker := ui.RenderMuted("·")
		if e.Kind.Hard() {
			marker = ui.RenderFail("✗")
		}
		fmt.Printf("   %s %s %s/%s: %s\n", marker, e.Kind, e.EntityType, e.EntityID, e.Message)
	}
}

// statusReport is the output of finsync status.
type statusReport struct {
	DeviceID    string                    `json:"device_id" yaml:"device_id"`
	Store       string                    `json:"store" yaml:"store"`
	Remote      string                    `json:"remote" yaml:"remote"`
	Online      *bool                     `json:"online,omitempty" yaml:"online,omitempty"`
	Pending     int                       `json:"pending" yaml:"pending"`
	DeadLetters int                       `json:"dead_letters" yaml:"dead_letters"`
	Entities    map[schema.EntityType]int `json:"entities" yaml:"entities"`
	Jobs        map[jobs.Status]int       `json:"jobs" yaml:"jobs"`
	Cursors     map[schema.EntityType]any `json:"cursors" yaml:"cursors"`
	ConfigFile  string                    `json:"config_file,omitempty" yaml:"config_file,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue, checkpoint and job status",
	Long: `Display the sync state of this device.

Shows:
  - Pending changes and dead letters
  - Cached entities per type
  - Pull checkpoints per entity type
  - Background jobs per status
  - Whether the remote answers its health check (skip with --offline)`,
	Run: func(cmd *cobra.Command, args []string) {
		offline, _ := cmd.Flags().GetBool("offline")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		report, err := collectStatus(ctx, a, !offline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}
		render(report, func() { printStatus(report) })
	},
}

func collectStatus(ctx context.Context, a *app, probe bool) (*statusReport, error) {
	r := &statusReport{
		DeviceID:   a.deviceID,
		Store:      a.db.Path(),
		Remote:     cfg.Remote.URL,
		ConfigFile: cfg.File,
		Cursors:    make(map[schema.EntityType]any),
	}

	var err error
	if r.Pending, err = a.queue.Count(ctx, a.deviceID); err != nil {
		return nil, err
	}
	if r.DeadLetters, err = a.queue.DeadLetterCount(ctx, a.deviceID); err != nil {
		return nil, err
	}
	if r.Entities, err = a.db.CountEntities(ctx); err != nil {
		return nil, err
	}
	proc, err := a.processor()
	if err != nil {
		return nil, err
	}
	if r.Jobs, err = proc.Counts(ctx); err != nil {
		return nil, err
	}

	checkpoints, err := a.cursors.List(ctx, a.deviceID)
	if err != nil {
		return nil, err
	}
	for _, typ := range schema.AllEntityTypes() {
		r.Cursors[typ] = nil
	}
	for _, cp := range checkpoints {
		r.Cursors[cp.EntityType] = cp.Cursor
	}

	if probe {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		online := a.client.Health(probeCtx) == nil
		cancel()
		r.Online = &online
	}
	return r, nil
}

func printStatus(r *statusReport) {
	fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
	fmt.Print(ui.KV(
		"Device", r.DeviceID,
		"Store", r.Store,
		"Remote", r.Remote,
	))
	if r.Online != nil {
		state := ui.RenderPass("online")
		if !*r.Online {
			state = ui.RenderWarn("offline")
		}
		fmt.Print(ui.KV("Connectivity", state))
	}
	fmt.Print(ui.KV(
		"Pending", ui.Count(r.Pending, false),
		"Dead letters", ui.Count(r.DeadLetters, true),
	))

	fmt.Printf("\n%s\n", ui.RenderHeader("Entities"))
	rows := make([][]string, 0, len(schema.AllEntityTypes()))
	for _, typ := range schema.AllEntityTypes() {
		checkpoint := "never pulled"
		if t, ok := r.Cursors[typ].(time.Time); ok {
			checkpoint = formatTime(t)
		}
		rows = append(rows, []string{string(typ), fmt.Sprint(r.Entities[typ]), checkpoint})
	}
	fmt.Println(ui.Table([]string{"TYPE", "CACHED", "CHECKPOINT"}, rows))

	fmt.Printf("\n%s\n", ui.RenderHeader("Jobs"))
	fmt.Print(ui.KV(
		"Pending", ui.Count(r.Jobs[jobs.StatusPending], false),
		"Active", ui.Count(r.Jobs[jobs.StatusActive], false),
		"Completed", ui.Count(r.Jobs[jobs.StatusCompleted], false),
		"Failed", ui.Count(r.Jobs[jobs.StatusFailed], true),
	))
	if r.ConfigFile != "" {
		fmt.Printf("\n%s\n", ui.RenderMuted("Config: "+r.ConfigFile))
	}
	fmt.Println()
}

func init() {
	syncCmd.Flags().StringSlice("type", nil, "entity types to sync (default: all)")
	syncCmd.Flags().String("account", "", "refresh this account from its institution first")
	syncCmd.Flags().String("sync-type", string(remote.SyncFull), "financial refresh scope: full, balances, or transactions")
	statusCmd.Flags().Bool("offline", false, "skip the remote health check")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
