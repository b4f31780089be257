// Command finsync keeps a device's local finance data in sync with the
// remote service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/config"
)

var (
	configFile   string
	outputFormat string
	deviceFlag   string

	cfg *config.Config
)

// skipConfig marks commands that run before a config file exists.
const skipConfig = "skip-config"

var rootCmd = &cobra.Command{
	Use:   "finsync",
	Short: "Offline-first sync for personal finance data",
	Long: `finsync records local changes to accounts, transactions, budgets, goals and
investments in a durable queue and reconciles them with the remote sync service.

Local writes never wait for the network. A sync cycle pushes pending changes,
pulls remote changes since the last checkpoint, and resolves concurrent edits
by last-write-wins.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	switch outputFormat {
	case formatText, formatJSON, formatYAML:
	default:
		return fmt.Errorf("--format must be 'text', 'json', or 'yaml'")
	}
	if cmd.Annotations[skipConfig] == "true" {
		return nil
	}

	c, err := config.Load(config.Options{File: configFile})
	if err != nil {
		return err
	}
	if deviceFlag != "" {
		c.Device.ID = deviceFlag
	}
	cfg = c
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./finsync.toml or the XDG config dir)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatText, "output format: text, json, or yaml")
	rootCmd.PersistentFlags().StringVar(&deviceFlag, "device", "", "device id (overrides device.id)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "queue", Title: "Queues:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
