package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/migrate"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/queue"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dl"},
	GroupID: "queue",
	Short:   "Inspect and recover changes that could not be synced",
	Long: `Changes the remote rejected, or that failed more than queue.max_retries
times, are moved out of the change queue into the dead-letter queue. They are
never retried automatically.`,
}

// deadLetterFilter reads the shared --reason, --since and --all flags.
func deadLetterFilter(cmd *cobra.Command, deviceID string) queue.DeadLetterFilter {
	reason, _ := cmd.Flags().GetString("reason")
	since, _ := cmd.Flags().GetString("since")
	all, _ := cmd.Flags().GetBool("all")

	filter := queue.DeadLetterFilter{
		DeviceID: deviceID,
		Reason:   schema.DeadLetterReason(reason),
		Since:    timeFlag(since, "since"),
	}
	switch filter.Reason {
	case "", schema.ReasonExhausted, schema.ReasonPermanent:
	default:
		fatalf("--reason must be '%s' or '%s'", schema.ReasonExhausted, schema.ReasonPermanent)
	}
	if all {
		filter.DeviceID = ""
	}
	return filter
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("reason", "", "only this reason: exhausted or permanent")
	cmd.Flags().String("since", "", "only failures after this time, e.g. 24h, yesterday, 2024-03-01")
	cmd.Flags().Bool("all", false, "include every device")
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, most recent first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		letters, err := a.queue.DeadLetters(ctx, deadLetterFilter(cmd, a.deviceID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing dead letters: %v\n", err)
			os.Exit(1)
		}

		views := make([]deadLetterView, 0, len(letters))
		for _, dl := range letters {
			views = append(views, viewDeadLetter(dl))
		}
		render(views, func() {
			if len(letters) == 0 {
				fmt.Printf("%s No dead letters\n", ui.RenderPass("✓"))
				return
			}
			rows := make([][]string, 0, len(letters))
			for _, dl := range letters {
				rows = append(rows, []string{
					dl.ID, string(dl.Change.EntityType), dl.Change.EntityID, string(dl.Change.Operation),
					string(dl.Reason), formatTime(dl.FailedAt), truncate(dl.LastError, 48),
				})
			}
			fmt.Println(ui.Table([]string{"ID", "TYPE", "ENTITY", "OP", "REASON", "FAILED", "ERROR"}, rows))
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), plural(len(letters), "dead letter"))
		})
	},
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Move dead letters back into the change queue",
	Long: `Requeue puts each dead-lettered change back into the change queue with a
fresh retry budget. If the entity has been edited since, the newer pending
change absorbs the requeued one.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		confirmOrExit(yes, fmt.Sprintf("Requeue %s?", plural(len(args), "dead letter")),
			"They will be pushed again on the next sync.")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		failed := false
		for _, id := range args {
			change, err := a.queue.Requeue(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error requeueing %s: %v\n", id, err)
				failed = true
				continue
			}
			fmt.Printf("%s Requeued %s %s as change %s\n", ui.RenderPass("✓"), change.EntityType, change.EntityID, change.ID)
		}
		if failed {
			os.Exit(1)
		}
	},
}

var deadLettersPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters",
	Long: `Permanently delete dead letters of this device (every device with --all).
With --older-than only letters that failed before that time are removed.

Examples:
  finsync deadletters purge --older-than 720h
  finsync deadletters purge --older-than "last month" --yes`,
	Run: func(cmd *cobra.Command, args []string) {
		olderArg, _ := cmd.Flags().GetString("older-than")
		all, _ := cmd.Flags().GetBool("all")
		yes, _ := cmd.Flags().GetBool("yes")
		olderThan := timeFlag(olderArg, "older-than")

		what := "all dead letters"
		if !olderThan.IsZero() {
			what = "dead letters that failed before " + formatTime(olderThan)
		}
		confirmOrExit(yes, "Delete "+what+"?", "The changes they hold are lost.")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		device := a.deviceID
		if all {
			device = ""
		}
		n, err := a.queue.PurgeDeadLetters(ctx, device, olderThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error purging dead letters: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), plural(n, "dead letter"))
	},
}

var deadLettersExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export dead letters as JSONL",
	Long: `Write dead letters one JSON object per line, to --out or stdout. The export
is written atomically when --out is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("out")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		filter := deadLetterFilter(cmd, a.deviceID)
		if out == "" || out == "-" {
			if _, err := migrate.ExportDeadLetters(ctx, a.queue, filter, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error exporting dead letters: %v\n", err)
				os.Exit(1)
			}
			return
		}

		n, err := migrate.ExportDeadLettersFile(ctx, a.queue, filter, out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting dead letters: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %s to %s\n", ui.RenderPass("✓"), plural(n, "dead letter"), out)
	},
}

func init() {
	addFilterFlags(deadLettersListCmd)
	addFilterFlags(deadLettersExportCmd)
	deadLettersExportCmd.Flags().StringP("out", "o", "", "output file (default: stdout)")
	deadLettersRequeueCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	deadLettersPurgeCmd.Flags().String("older-than", "", "only letters that failed before this time")
	deadLettersPurgeCmd.Flags().Bool("all", false, "include every device")
	deadLettersPurgeCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRequeueCmd)
	deadLettersCmd.AddCommand(deadLettersPurgeCmd)
	deadLettersCmd.AddCommand(deadLettersExportCmd)
	rootCmd.AddCommand(deadLettersCmd)
}
