// Package crdt implements the replicated field types used by tillsync.
//
// Four primitives are provided:
//
//   - Register: last-writer-wins by (timestamp, tie-break id)
//   - ORSet: observed-remove set with per-add tags and tombstones
//   - PNCounter: per-device running maxima of increment and decrement totals
//   - RGA: replicated growable array with tombstoned nodes
//
// Each primitive is a pure value type with an Empty constructor, an Apply
// function for deltas, a Merge function for whole states and a Value
// projection. Merge is commutative, associative and idempotent; re-applying a
// delta is a no-op. The primitive functions are total over any input and never
// return errors. Structural checks on deltas (Validate) and reference checks
// against current state (CheckApplicable) are used by ingestion to reject
// malformed events before they reach the algebra.
//
// Delta and State are closed variants. Dispatch over them uses exhaustive type
// switches; the unexported marker methods keep other packages from adding
// implementations.
package crdt
