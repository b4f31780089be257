// Package engine runs sync cycles between the local store and the remote
// sync service.
//
// Overview
//
// A cycle pushes the device's pending changes, pulls remote changes newer
// than the per-type cursor, resolves conflicts with last-write-wins and
// advances cursors. The engine is the only writer that moves data between
// the change queue, the entity cache and the cursors.
//
// Architecture
//
//	Change queue ──drain──► Push (batches of one entity type)
//	                              │ per-change results
//	Remote service ◄──────────────┤
//	                              │ pages since cursor
//	Cursor ──────────────────► Pull
//	                              ↓
//	            one SQLite transaction: acks, failures, dead letters,
//	            pulled pages (one savepoint each), cursor advances
//	                              ↓
//	                        events.Bus (after commit)
//
// Network I/O happens first. Local effects are applied afterwards in a
// single transaction, so a storage failure leaves the queue, cache and
// cursors exactly as they were. Pushes that reached the server before the
// abort are deduplicated by change id on the next attempt.
//
// Usage
//
//	database, err := db.OpenAndInit(ctx, filepath.Join(dataDir, "finsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	syncer, err := engine.New(engine.Config{
//	    DB:     database,
//	    Remote: remote.NewHTTPClient(url, remote.WithToken(token)),
//	})
//	if err != nil {
//	    return err
//	}
//
//	// Record a local edit
//	err = syncer.RecordChange(ctx, &schema.ChangeRecord{
//	    EntityType: schema.EntityAccount,
//	    EntityID:   "acc-1",
//	    Operation:  schema.OpUpdate,
//	    Payload:    payload,
//	    DeviceID:   deviceID,
//	})
//
//	// Sync every entity type
//	result, err := syncer.Synchronize(ctx, deviceID, nil)
//
// Error Handling
//
// Per-item failures never fail a cycle; they are collected in Result.Errors:
//
//   - transient (network, timeout, 5xx, 408, 429): retry count incremented,
//     dead-lettered once the queue's retry ceiling is reached
//   - permanent (other 4xx, validation, not found): dead-lettered at once
//   - apply: a pulled snapshot could not be stored; the page is rolled back
//     and that entity type stops for this cycle with its cursor unchanged
//
// Only storage and lock failures return an error.
//
// Concurrency
//
// Cycles are exclusive per device. Concurrent calls in one process share a
// single in-flight cycle; across processes a lease row in sync_locks decides.
// A caller that loses either race gets a Result with Coalesced set.
package engine
