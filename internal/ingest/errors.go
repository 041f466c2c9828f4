package ingest

import (
	"errors"
	"fmt"
)

// Code categorizes ingestion outcomes.
type Code string

const (
	// CodeDuplicateEvent means the idempotency key (or event id) was already
	// applied. It is reported as accepted; never an error.
	CodeDuplicateEvent Code = "DUPLICATE_EVENT"

	// CodeMalformedDelta means the event failed structural or reference
	// validation. The event is rejected; the batch continues.
	CodeMalformedDelta Code = "MALFORMED_DELTA"

	// CodeUnknownAggregate means the aggregate kind is not in the policy
	// table. The event is rejected; the batch continues.
	CodeUnknownAggregate Code = "UNKNOWN_AGGREGATE"

	// CodeDurabilityFailure means the store failed. The whole batch is
	// rolled back and may be retried as is.
	CodeDurabilityFailure Code = "DURABILITY_FAILURE"

	// CodeUnresolvedConflict marks a conflict record left open for a human.
	// It is a surfaced state, not an error.
	CodeUnresolvedConflict Code = "UNRESOLVED_CONFLICT"
)

// Error is an ingestion error with a category code.
type Error struct {
	Code    Code
	Message string
	EventID string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EventID != "" {
		msg += fmt.Sprintf(" (event=%s)", e.EventID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting the same batch may succeed.
func (e *Error) Retryable() bool {
	return e.Code == CodeDurabilityFailure
}

func hasCode(err error, code Code) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code == code
	}
	return false
}

// IsDurability reports whether err is a durability failure.
// Uses errors.As to handle wrapped errors.
func IsDurability(err error) bool { return hasCode(err, CodeDurabilityFailure) }

// IsMalformed reports whether err is a malformed-delta rejection.
func IsMalformed(err error) bool { return hasCode(err, CodeMalformedDelta) }

// IsUnknownAggregate reports whether err is an unknown-aggregate rejection.
func IsUnknownAggregate(err error) bool { return hasCode(err, CodeUnknownAggregate) }

// IsDuplicate reports whether err marks a duplicate event.
func IsDuplicate(err error) bool { return hasCode(err, CodeDuplicateEvent) }

// Rejection reports one rejected event of a batch.
type Rejection struct {
	EventID string `json:"event_id"`
	Code    Code   `json:"code"`
	Reason  string `json:"reason"`
}

// Result is the outcome of one batch.
type Result struct {
	// Accepted lists applied events and duplicates, in batch order.
	Accepted []string `json:"accepted"`
	// Duplicates is the subset of Accepted that was already applied.
	Duplicates []string `json:"duplicates"`
	// Rejected lists events that failed validation.
	Rejected []Rejection `json:"rejected"`
	// Conflicts lists conflict ids opened or updated by this batch.
	Conflicts []string `json:"conflicts"`
}

func newResult() Result {
	return Result{
		Accepted:   []string{},
		Duplicates: []string{},
		Rejected:   []Rejection{},
		Conflicts:  []string{},
	}
}
