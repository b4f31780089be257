package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/migrate"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maint",
	Short:   "Import data from older clients",
}

var migrateLegacyQueueCmd = &cobra.Command{
	Use:   "legacy-queue <dump.json>",
	Short: "Import the pending-change queue of the old key/value store",
	Long: `Import a JSON dump of the old client's key/value store.

Recognized keys:
  sync.pendingChanges                 array of pending changes
  sync.lastSyncTimestamp.<type>       pull checkpoint per entity type

Changes are recorded for this device oldest first, so repeated edits of one
entity coalesce as they would have live. Checkpoints only move forward.
Malformed entries are reported and skipped.

Examples:
  finsync migrate legacy-queue storage-dump.json --dry-run
  finsync migrate legacy-queue storage-dump.json --backup`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		result, err := migrate.ImportLegacyQueue(ctx, a.syncer, a.cursors, migrate.ImportOptions{
			Path:     args[0],
			DeviceID: a.deviceID,
			DryRun:   dryRun,
			Backup:   backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing %s: %v\n", args[0], err)
			os.Exit(1)
		}

		render(result, func() {
			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			mark := ui.RenderPass("✓")
			if len(result.Errors) > 0 {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Printf("%s %s %s and %s\n", mark, verb,
				plural(result.ChangesImported, "change"), plural(result.CursorsImported, "checkpoint"))
			if result.BackupCreated != "" {
				fmt.Printf("   Backup: %s\n", result.BackupCreated)
			}
			if len(result.SkippedKeys) > 0 {
				fmt.Printf("   Skipped keys: %d\n", len(result.SkippedKeys))
			}
			for _, e := range result.Errors {
				fmt.Printf("   %s %s\n", ui.RenderFail("✗"), e)
			}
		})
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	migrateLegacyQueueCmd.Flags().Bool("dry-run", false, "validate without writing")
	migrateLegacyQueueCmd.Flags().Bool("backup", false, "copy the dump aside before importing")

	migrateCmd.AddCommand(migrateLegacyQueueCmd)
	rootCmd.AddCommand(migrateCmd)
}
