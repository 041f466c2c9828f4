// Package harness runs convergence scenarios against real replicas.
//
// A scenario names a set of devices, a list of steps (local writes, syncs
// through an in-process authority, conflict resolutions) and assertions on
// the final state of every replica. Each run uses fresh in-memory stores,
// fixed wall clocks and sequential id generators, so the final state is
// byte-for-byte reproducible and can be compared against golden files.
//
// # Scenario Format
//
//	name: concurrent_rename
//	description: "Two tills rename a product offline"
//	devices: [A, B]
//	steps:
//	  - {device: A, op: set, aggregate: product/1, field: name, value: Milk}
//	  - {device: B, op: set, aggregate: product/1, field: name, value: Leche}
//	  - {op: sync}
//	  - {device: A, op: resolve, aggregate: product/1, field: name, decision: take_theirs}
//	  - {op: sync}
//	assertions:
//	  - {type: value, aggregate: product/1, field: name, expect: Milk}
//	  - {type: converged, aggregate: product/1}
//	  - {type: open_conflicts, aggregate: product/1, count: 0}
//
// # Step Ops
//
//   - set: write a register value
//   - add, remove: add or retract an OR-Set element
//   - increment, decrement: move a counter by amount
//   - append, insert_after, remove_node: edit a sequence; nodes are named by label
//   - movement, reverse: record or undo a cash movement on a session
//   - resolve: settle the open conflict on aggregate/field
//   - sync: flush every listed device, then pull into every listed device
//
// A step with reject set expects the write to fail with that ingest code.
//
// # Assertion Types
//
//   - value: a field's computed value on the listed replicas
//   - converged: every replica holds the same snapshot of an aggregate
//   - open_conflicts: the number of open conflicts on an aggregate
//   - balance: a cash session balance in one currency
//   - outbox: pending and dead entries of a device
//   - event_count: stored events of an aggregate
//
// Replicas are the device ids plus "authority". An assertion without "on"
// checks every replica.
package harness
