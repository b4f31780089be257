package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var changeCmd = &cobra.Command{
	Use:     "change",
	GroupID: "sync",
	Short:   "Record and inspect local changes",
}

var changeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a local change",
	Long: `Record a create, update or delete of one entity in the change queue and the
local cache. The change is pushed on the next sync.

The payload is the full entity as JSON. Pass it with --payload, or '-' to read
it from stdin. Alternatively --file reads a complete change record, the same
format the daemon accepts in its inbox.

Examples:
  finsync change add --type account --id acc-1 --op create \
      --payload '{"id":"acc-1","name":"Checking","type":"checking","balance":"1500.50","currency":"USD"}'
  finsync change add --type goal --id goal-7 --op delete
  finsync change add --file change.json`,
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		typeName, _ := cmd.Flags().GetString("type")
		entityID, _ := cmd.Flags().GetString("id")
		opName, _ := cmd.Flags().GetString("op")
		payload, _ := cmd.Flags().GetString("payload")

		change, err := buildChange(file, typeName, entityID, opName, payload, os.Stdin)
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		if change.DeviceID == "" {
			change.DeviceID = a.deviceID
		}
		if err := a.syncer.RecordChange(ctx, change); err != nil {
			fmt.Fprintf(os.Stderr, "Error recording change: %v\n", err)
			os.Exit(1)
		}

		render(viewChange(change), func() {
			fmt.Printf("%s Recorded %s of %s %s (change %s)\n",
				ui.RenderPass("✓"), change.Operation, change.EntityType, change.EntityID, change.ID)
		})
	},
}

// buildChange assembles a change from --file or from the individual flags.
func buildChange(file, typeName, entityID, opName, payload string, stdin io.Reader) (*schema.ChangeRecord, error) {
	if file != "" {
		return schema.ReadChangeFile(file)
	}

	if typeName == "" || entityID == "" {
		return nil, fmt.Errorf("--type and --id are required without --file")
	}
	typ, err := schema.ParseEntityType(typeName)
	if err != nil {
		return nil, err
	}
	op, err := schema.ParseOperation(opName)
	if err != nil {
		return nil, err
	}

	change := &schema.ChangeRecord{EntityType: typ, EntityID: entityID, Operation: op}
	if payload == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		payload = string(data)
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("--payload is not valid JSON")
		}
		change.Payload = json.RawMessage(payload)
	}
	return change, nil
}

var changeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending changes, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		changes, err := a.queue.Drain(ctx, a.deviceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing changes: %v\n", err)
			os.Exit(1)
		}

		views := make([]changeView, 0, len(changes))
		for _, c := range changes {
			views = append(views, viewChange(c))
		}
		render(views, func() {
			if len(changes) == 0 {
				fmt.Printf("%s No pending changes for %s\n", ui.RenderPass("✓"), a.deviceID)
				return
			}
			rows := make([][]string, 0, len(changes))
			for _, c := range changes {
				rows = append(rows, []string{
					c.ID, string(c.EntityType), c.EntityID, string(c.Operation),
					formatTime(c.Timestamp), fmt.Sprint(c.RetryCount),
				})
			}
			fmt.Println(ui.Table([]string{"ID", "TYPE", "ENTITY", "OP", "RECORDED", "RETRIES"}, rows))
			fmt.Printf("%s pending\n", plural(len(changes), "change"))
		})
	},
}

func init() {
	changeAddCmd.Flags().String("file", "", "read the change record from a JSON file")
	changeAddCmd.Flags().String("type", "", "entity type: account, transaction, budget, goal, investment")
	changeAddCmd.Flags().String("id", "", "entity id")
	changeAddCmd.Flags().String("op", string(schema.OpUpdate), "operation: create, update, or delete")
	changeAddCmd.Flags().String("payload", "", "entity JSON, or '-' for stdin")

	changeCmd.AddCommand(changeAddCmd)
	changeCmd.AddCommand(changeListCmd)
	rootCmd.AddCommand(changeCmd)
}
