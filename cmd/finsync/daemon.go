package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/daemon"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/dashboard"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the background scheduler in the foreground.

The daemon will:
  1. Record change files dropped into the inbox directory (sync.inbox_dir)
  2. Schedule a sync job every sync.interval while the remote is reachable
  3. Schedule a sync as soon as connectivity is restored
  4. Execute sync and notification jobs with retries
  5. Optionally serve the live dashboard (--dashboard)

Only one daemon may run per data directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		inbox, _ := cmd.Flags().GetString("inbox")
		if inbox != "" {
			cfg.Sync.InboxDir = inbox
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port = port
		}

		lock, err := daemon.AcquireLock(cfg.Data.Dir)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Stop the running daemon first (lock: %s)\n", cfg.Data.Dir)
			os.Exit(1)
		}
		if err != nil {
			fatalf("%v", err)
		}
		defer func() { _ = lock.Unlock() }()

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		proc := a.mustProcessor()

		dcfg := daemon.DefaultConfig()
		dcfg.DeviceID = a.deviceID
		dcfg.InboxDir = cfg.Sync.InboxDir
		dcfg.SyncInterval = cfg.Sync.Interval
		dcfg.Logger = a.logger("[daemon] ")

		d, err := daemon.New(a.syncer, proc, a.client, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		var dash *dashboard.Server
		if withDashboard {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: a.logger("[dashboard] "),
			})
			handler := dashboard.NewHandler(dash, a.deviceID, a.queue, proc, a.logger("[dashboard] "))
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			go handler.Run(ctx, a.bus)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Device: %s\n", a.deviceID)
		fmt.Printf("   Remote: %s\n", cfg.Remote.URL)
		fmt.Printf("   Store: %s\n", a.db.Path())
		if dcfg.InboxDir != "" {
			fmt.Printf("   Inbox: %s\n", dcfg.InboxDir)
		}
		if dash != nil {
			fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", dash.GetAddr(), dash.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		runErr := d.Start(ctx)
		if dash != nil {
			if err := dash.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			}
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", runErr)
			os.Exit(1)
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the live WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 0, "dashboard port (default: dashboard.port)")
	daemonCmd.Flags().String("inbox", "", "inbox directory for change files (default: sync.inbox_dir)")

	rootCmd.AddCommand(daemonCmd)
}
