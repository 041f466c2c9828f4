// Package store provides SQLite-backed durable storage for a tillsync replica.
//
// Tables:
//   - events: the append-only replicated log, unique on event_id and on
//     non-null idempotency_key
//   - crdt_state: current CRDT state per (aggregate, field), plus the writer
//     clock of last-writer-wins fields
//   - aggregate_clocks: merged vector clock per aggregate
//   - conflicts: open and resolved conflict records
//   - outbox: events a device has produced but the authority has not
//     acknowledged
//
// Ingestion runs a whole batch inside one transaction (see InTx). Dedup is
// decided by INSERT ... ON CONFLICT DO NOTHING on the events table: zero rows
// affected means the event or its key was already recorded. All reads order by
// seq so results are deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
