package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/config"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "maint",
	Short:   "Write a default config and create the local store",
	Long: `Write the built-in settings to a config file (--config, or finsync.toml in
the XDG config directory), generate this device's id, and create the local
database.`,
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := configFile
		if path == "" {
			path = filepath.Join(config.DefaultConfigDir(), config.AppName+".toml")
		}
		if err := config.WriteDefault(path, force); err != nil {
			fatalf("%v", err)
		}

		c, err := config.Load(config.Options{File: path})
		if err != nil {
			fatalf("%v", err)
		}
		if deviceFlag != "" {
			c.Device.ID = deviceFlag
		}
		deviceID, err := c.EnsureDeviceID()
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		database, err := db.OpenAndInit(ctx, c.DBPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating local store: %v\n", err)
			os.Exit(1)
		}
		_ = database.Close()

		fmt.Printf("%s Initialized finsync\n", ui.RenderPass("✓"))
		fmt.Printf("   Config: %s\n", path)
		fmt.Printf("   Device: %s\n", deviceID)
		fmt.Printf("   Store: %s\n", c.DBPath())
		fmt.Printf("\nSet remote.url and remote.token, then run 'finsync sync'\n")
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
