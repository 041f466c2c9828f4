// Package event defines the replicated Event, the unit every device emits and
// every replica ingests.
//
// An Event is created once by exactly one device and never mutated. It names
// an aggregate ("<kind>/<id>"), a field of that aggregate and a CRDT delta for
// the field. Its vector clock is the emitting device's clock for the aggregate
// after ticking its own component. A non-nil idempotency key is stable across
// retries of the same logical action; a nil key opts the event out of
// deduplication.
package event
