// Package schema defines the data structures exchanged by the sync core.
//
// # Overview
//
// Every local mutation of a finance entity is captured as a ChangeRecord and
// queued until the remote service acknowledges it. Entities themselves travel
// as Snapshots: an opaque JSON payload plus the timestamps the conflict
// resolver compares.
//
// # Entity Types
//
//   - account - bank, card or brokerage account with a running balance
//   - transaction - a posted or pending money movement on an account
//   - budget - spending limit for a category and period
//   - goal - savings target
//   - investment - a holding inside an investment account
//
// # Change Records
//
// A change record looks like this on the wire and in the inbox directory:
//
//	{
//	  "id": "01JAF9Z7K8W4M2N3P5Q6R7S8T9",
//	  "entity_type": "account",
//	  "entity_id": "acc-123",
//	  "operation": "update",
//	  "payload": {"id": "acc-123", "name": "Checking", "balance": "1500.50", "currency": "USD"},
//	  "timestamp": "2026-01-10T07:36:29.123456789Z",
//	  "retry_count": 0,
//	  "device_id": "dev-01"
//	}
//
// Change ids are ULIDs, so they sort by creation time and are safe to use as
// idempotency keys on the remote side.
//
// # Money
//
// Monetary amounts are shopspring decimals serialized as JSON strings, never
// floats.
package schema
