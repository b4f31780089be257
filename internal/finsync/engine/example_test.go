package engine_test

import (
	"context"
	"fmt"
	"log"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/shopspring/decimal"
)

// This example demonstrates recording an edit and syncing it.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	ctx := context.Background()

	database, err := db.OpenAndInit(ctx, ".finsync/finsync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	syncer, err := engine.New(engine.Config{
		DB:     database,
		Remote: remote.NewHTTPClient("https://sync.example.com", remote.WithToken("secret")),
	})
	if err != nil {
		log.Fatal(err)
	}

	// Record a local balance change
	err = syncer.RecordChange(ctx, &schema.ChangeRecord{
		EntityType: schema.EntityAccount,
		EntityID:   "acc-1",
		Operation:  schema.OpUpdate,
		DeviceID:   "dev-1",
		Payload: schema.MustPayload(schema.Account{
			ID: "acc-1", Name: "Checking", Balance: decimal.RequireFromString("1500.50"), Currency: "USD", IsActive: true,
		}),
	})
	if err != nil {
		log.Fatal(err)
	}

	// Push it and pull everything newer than the cursors
	result, err := syncer.Synchronize(ctx, "dev-1", nil)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("pushed=%d pulled=%d conflicts=%d\n", result.Pushed, result.Pulled, len(result.Conflicts))
}

// This example demonstrates refreshing institution data for one account.
func ExampleSyncer_SyncFinancial() {
	ctx := context.Background()

	database, err := db.OpenAndInit(ctx, ".finsync/finsync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	syncer, err := engine.New(engine.Config{
		DB:     database,
		Remote: remote.NewHTTPClient("https://sync.example.com"),
	})
	if err != nil {
		log.Fatal(err)
	}

	result, err := syncer.SyncFinancial(ctx, "dev-1", "acc-1", remote.SyncBalances)
	if err != nil {
		log.Fatal(err)
	}

	for _, e := range result.HardErrors() {
		fmt.Printf("needs attention: %s %s: %s\n", e.EntityType, e.EntityID, e.Message)
	}
}
