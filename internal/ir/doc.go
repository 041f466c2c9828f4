// Package ir provides the constrained value representation shared by every
// replicated field.
//
// Register values, sequence node values and event payload values are all
// IRValues: strings, int64s, bools, arrays and objects. Floats are rejected so
// that two replicas never disagree on a value because of rounding; monetary
// amounts travel as integer minor units (cents, céntimos).
//
// ir imports nothing internal. Canonical JSON (RFC 8785, NFC normalized)
// is the only encoding used for comparison and content hashing.
package ir
