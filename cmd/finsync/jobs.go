package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/jobs"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	GroupID: "queue",
	Short:   "Manage background sync and notification jobs",
	Long: `Jobs are stored in the local database and executed by the daemon, or by
'finsync jobs run' for a one-off drain. Failed attempts are retried with
exponential backoff until the job type's attempt budget is spent.`,
}

var jobsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Enqueue a sync job",
	Run: func(cmd *cobra.Command, args []string) {
		typeNames, _ := cmd.Flags().GetStringSlice("type")
		accountID, _ := cmd.Flags().GetString("account")
		syncType, _ := cmd.Flags().GetString("sync-type")

		payload := jobs.SyncPayload{AccountID: accountID}
		if len(typeNames) > 0 {
			types, err := schema.ParseEntityTypes(typeNames)
			if err != nil {
				fatalf("%v", err)
			}
			payload.EntityTypes = types
		}
		if accountID != "" {
			payload.SyncType = remote.SyncType(syncType)
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		payload.DeviceID = a.deviceID
		id, err := a.mustProcessor().EnqueueSyncJob(ctx, payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enqueueing sync job: %v\n", err)
			os.Exit(1)
		}
		printEnqueued(id)
	},
}

var jobsNotifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Enqueue a notification job",
	Long: `Enqueue a user notification. It is delivered to notify.webhook_url, or written
to the log when no webhook is configured.

Example:
  finsync jobs notify --user u-1 --title "Budget exceeded" --data budget=groceries`,
	Run: func(cmd *cobra.Command, args []string) {
		userID, _ := cmd.Flags().GetString("user")
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		data, _ := cmd.Flags().GetStringToString("data")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		id, err := a.mustProcessor().EnqueueNotificationJob(ctx, jobs.NotificationPayload{
			UserID: userID,
			Title:  title,
			Body:   body,
			Data:   data,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enqueueing notification: %v\n", err)
			os.Exit(1)
		}
		printEnqueued(id)
	},
}

func printEnqueued(id string) {
	render(map[string]string{"job_id": id}, func() {
		fmt.Printf("%s Enqueued job %s\n", ui.RenderPass("✓"), id)
	})
}

// jobView adds the decoded payload to a job for YAML output.
type jobView struct {
	jobs.Job `yaml:",inline"`
	Body     any `json:"-" yaml:"payload,omitempty"`
}

func viewJob(j *jobs.Job) jobView {
	v := jobView{Job: *j}
	_ = json.Unmarshal(j.Payload, &v.Body)
	return v
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		job, err := a.mustProcessor().GetJobStatus(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		render(viewJob(job), func() {
			fmt.Printf("\n%s Job %s\n\n", ui.RenderAccent("⚙"), job.ID)
			fmt.Print(ui.KV(
				"Type", job.Type,
				"Status", renderStatus(job.Status),
				"Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
				"Next run", formatTime(job.RunAt),
				"Created", formatTime(job.CreatedAt),
				"Updated", formatTime(job.UpdatedAt),
			))
			if job.CompletedAt != nil {
				fmt.Print(ui.KV("Completed", formatTime(*job.CompletedAt)))
			}
			if job.LastError != "" {
				fmt.Print(ui.KV("Last error", ui.RenderFail(job.LastError)))
			}
			fmt.Print(ui.KV("Payload", string(job.Payload)))
			fmt.Println()
		})
	},
}

func renderStatus(s jobs.Status) string {
	switch s {
	case jobs.StatusCompleted:
		return ui.RenderPass(string(s))
	case jobs.StatusFailed:
		return ui.RenderFail(string(s))
	case jobs.StatusActive:
		return ui.RenderAccent(string(s))
	default:
		return string(s)
	}
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		if status != "" && !jobs.Status(status).Valid() {
			fatalf("--status must be pending, active, completed, or failed")
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		list, err := a.mustProcessor().ListJobs(ctx, jobs.Status(status))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing jobs: %v\n", err)
			os.Exit(1)
		}

		views := make([]jobView, 0, len(list))
		for _, j := range list {
			views = append(views, viewJob(j))
		}
		render(views, func() {
			if len(list) == 0 {
				fmt.Printf("%s No jobs\n", ui.RenderMuted("·"))
				return
			}
			rows := make([][]string, 0, len(list))
			for _, j := range list {
				rows = append(rows, []string{
					j.ID, string(j.Type), renderStatus(j.Status),
					fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
					formatTime(j.RunAt), truncate(j.LastError, 40),
				})
			}
			fmt.Println(ui.Table([]string{"ID", "TYPE", "STATUS", "ATTEMPTS", "RUN AT", "LAST ERROR"}, rows))
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		if err := a.mustProcessor().Retry(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Job %s is pending again\n", ui.RenderPass("✓"), args[0])
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed jobs",
	Run: func(cmd *cobra.Command, args []string) {
		olderArg, _ := cmd.Flags().GetString("older-than")
		olderThan := timeFlag(olderArg, "older-than")
		if olderThan.IsZero() {
			olderThan = time.Now()
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		n, err := a.mustProcessor().PurgeCompleted(ctx, olderThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error purging jobs: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), plural(n, "completed job"))
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process due jobs in the foreground until none are left",
	Long: `Run every job that is due now, then exit. Jobs whose retry is scheduled for
later are left for the daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		proc := a.mustProcessor()
		n := 0
		for {
			ran, err := proc.ProcessNext(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error processing jobs: %v\n", err)
				os.Exit(1)
			}
			if !ran {
				break
			}
			n++
		}
		fmt.Printf("%s Processed %s\n", ui.RenderPass("✓"), plural(n, "job"))
	},
}

func init() {
	jobsSyncCmd.Flags().StringSlice("type", nil, "entity types to sync (default: all)")
	jobsSyncCmd.Flags().String("account", "", "refresh this account from its institution")
	jobsSyncCmd.Flags().String("sync-type", string(remote.SyncFull), "financial refresh scope: full, balances, or transactions")

	jobsNotifyCmd.Flags().String("user", "", "recipient user id")
	jobsNotifyCmd.Flags().String("title", "", "notification title")
	jobsNotifyCmd.Flags().String("body", "", "notification body")
	jobsNotifyCmd.Flags().StringToString("data", nil, "extra key=value data")

	jobsListCmd.Flags().String("status", "", "only jobs with this status")
	jobsPurgeCmd.Flags().String("older-than", "", "only jobs completed before this time (default: now)")

	jobsCmd.AddCommand(jobsSyncCmd)
	jobsCmd.AddCommand(jobsNotifyCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsPurgeCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	rootCmd.AddCommand(jobsCmd)
}
