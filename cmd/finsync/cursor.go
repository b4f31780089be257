package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/cursor"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var cursorCmd = &cobra.Command{
	Use:     "cursor",
	GroupID: "sync",
	Short:   "Inspect and reset pull checkpoints",
	Long: `Each device keeps, per entity type, the server sync time up to which remote
changes have been pulled. Sync only ever moves a checkpoint forward; reset is
the operator escape hatch for re-pulling.`,
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show checkpoints",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		device := a.deviceID
		if all {
			device = ""
		}
		checkpoints, err := a.cursors.List(ctx, device)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading checkpoints: %v\n", err)
			os.Exit(1)
		}
		if checkpoints == nil {
			checkpoints = []cursor.Checkpoint{}
		}

		render(checkpoints, func() {
			if len(checkpoints) == 0 {
				fmt.Printf("%s Nothing pulled yet\n", ui.RenderMuted("·"))
				return
			}
			rows := make([][]string, 0, len(checkpoints))
			for _, cp := range checkpoints {
				rows = append(rows, []string{cp.DeviceID, string(cp.EntityType), cp.Cursor.UTC().Format(time.RFC3339Nano), formatTime(cp.UpdatedAt)})
			}
			fmt.Println(ui.Table([]string{"DEVICE", "TYPE", "CHECKPOINT", "UPDATED"}, rows))
		})
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move checkpoints back so the next sync re-pulls",
	Long: `Set the checkpoint of one entity type (or all with no --type) to the time
given by --to. Without --to the checkpoint is removed and the next sync pulls
everything.

Examples:
  finsync cursor reset --type transactions --to "3 days ago" --yes
  finsync cursor reset --to 2024-03-01 --yes
  finsync cursor reset --yes`,
	Run: func(cmd *cobra.Command, args []string) {
		typeName, _ := cmd.Flags().GetString("type")
		toArg, _ := cmd.Flags().GetString("to")
		yes, _ := cmd.Flags().GetBool("yes")

		var typ schema.EntityType
		if typeName != "" {
			t, err := schema.ParseEntityType(typeName)
			if err != nil {
				fatalf("%v", err)
			}
			typ = t
		}
		to := timeFlag(toArg, "to")

		scope := "all entity types"
		if typ != "" {
			scope = string(typ)
		}
		target := "the beginning"
		if !to.IsZero() {
			target = formatTime(to)
		}
		confirmOrExit(yes, fmt.Sprintf("Reset checkpoints for %s to %s?", scope, target),
			"The next sync re-pulls everything after that point.")

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		if err := a.cursors.Reset(ctx, a.deviceID, typ, to); err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting checkpoints: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Checkpoints for %s reset to %s\n", ui.RenderPass("✓"), scope, target)
	},
}

// confirmOrExit asks before a destructive action unless yes is set.
func confirmOrExit(yes bool, title, description string) {
	if yes {
		return
	}
	ok, err := ui.Confirm(title, description)
	if err != nil {
		fatalf("%v", err)
	}
	if !ok {
		fmt.Println("Cancelled")
		os.Exit(0)
	}
}

func init() {
	cursorShowCmd.Flags().Bool("all", false, "show checkpoints of every device")
	cursorResetCmd.Flags().String("type", "", "entity type to reset (default: all)")
	cursorResetCmd.Flags().String("to", "", "new checkpoint, e.g. 2024-03-01, 36h, \"last monday\" (default: remove)")
	cursorResetCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	cursorCmd.AddCommand(cursorShowCmd)
	cursorCmd.AddCommand(cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}
