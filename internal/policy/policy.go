// Package policy holds the per-field replication policy: which CRDT strategy
// each field of each aggregate kind uses, whether a concurrent
// last-writer-wins collision on it must be surfaced as a conflict, and how
// urgently such a conflict should be shown.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/tillsync/internal/crdt"
)

// Priority ranks how urgently a conflict needs attention.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities, critical highest. Unknown priorities rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// FieldPolicy is the policy for one field.
type FieldPolicy struct {
	Strategy crdt.Kind
	// RequiresConfirmation surfaces concurrent LWW collisions with differing
	// values as conflict records instead of resolving them silently.
	RequiresConfirmation bool
	Priority             Priority
}

var (
	// ErrUnknownAggregate means the aggregate kind is not in the table.
	ErrUnknownAggregate = errors.New("unknown aggregate kind")
	// ErrUnknownField means the kind is known but the field is not.
	ErrUnknownField = errors.New("unknown field")
)

// Table maps aggregate kind and field name to a FieldPolicy.
// A Table is immutable after construction and safe for concurrent use.
type Table struct {
	kinds map[string]map[string]FieldPolicy
}

// NewTable builds a table from nested maps, validating every entry.
func NewTable(kinds map[string]map[string]FieldPolicy) (*Table, error) {
	t := &Table{kinds: make(map[string]map[string]FieldPolicy, len(kinds))}
	for kind, fields := range kinds {
		if kind == "" {
			return nil, errors.New("policy: empty aggregate kind")
		}
		dst := make(map[string]FieldPolicy, len(fields))
		for field, fp := range fields {
			if field == "" {
				return nil, fmt.Errorf("policy %s: empty field name", kind)
			}
			if _, err := crdt.ParseKind(string(fp.Strategy)); err != nil {
				return nil, fmt.Errorf("policy %s.%s: %w", kind, field, err)
			}
			if fp.Priority.Rank() == 0 {
				return nil, fmt.Errorf("policy %s.%s: unknown priority %q", kind, field, fp.Priority)
			}
			if fp.RequiresConfirmation && fp.Strategy != crdt.KindLWW {
				return nil, fmt.Errorf("policy %s.%s: confirmation only applies to lww fields", kind, field)
			}
			dst[field] = fp
		}
		t.kinds[kind] = dst
	}
	return t, nil
}

// Lookup returns the policy for kind.field. The error wraps
// ErrUnknownAggregate or ErrUnknownField.
func (t *Table) Lookup(kind, field string) (FieldPolicy, error) {
	fields, ok := t.kinds[kind]
	if !ok {
		return FieldPolicy{}, fmt.Errorf("%w: %q", ErrUnknownAggregate, kind)
	}
	fp, ok := fields[field]
	if !ok {
		return FieldPolicy{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, kind, field)
	}
	return fp, nil
}

// HasAggregate reports whether kind is known.
func (t *Table) HasAggregate(kind string) bool {
	_, ok := t.kinds[kind]
	return ok
}

// Aggregates returns the known kinds, sorted.
func (t *Table) Aggregates() []string {
	out := make([]string, 0, len(t.kinds))
	for k := range t.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fields returns the fields of kind, sorted.
func (t *Table) Fields(kind string) []string {
	fields := t.kinds[kind]
	out := make([]string, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Default returns the compiled-in policy for the point-of-sale aggregates.
func Default() *Table {
	lww := func(confirm bool, p Priority) FieldPolicy {
		return FieldPolicy{Strategy: crdt.KindLWW, RequiresConfirmation: confirm, Priority: p}
	}
	of := func(k crdt.Kind, p Priority) FieldPolicy {
		return FieldPolicy{Strategy: k, Priority: p}
	}
	cash := of(crdt.KindPNCounter, PriorityCritical)

	t, err := NewTable(map[string]map[string]FieldPolicy{
		"product": {
			"name":          lww(true, PriorityMedium),
			"price_bs":      lww(true, PriorityHigh),
			"price_usd":     lww(true, PriorityHigh),
			"display_price": lww(false, PriorityLow),
			"active":        lww(false, PriorityLow),
			"stock":         of(crdt.KindPNCounter, PriorityHigh),
			"tags":          of(crdt.KindORSet, PriorityLow),
		},
		"customer": {
			"name":    lww(true, PriorityMedium),
			"phone":   lww(false, PriorityMedium),
			"address": lww(false, PriorityMedium),
		},
		"sale": {
			"lines":    of(crdt.KindRGA, PriorityLow),
			"payments": of(crdt.KindORSet, PriorityCritical),
		},
		"cash_session": {
			"status":       lww(true, PriorityCritical),
			"cash_in_bs":   cash,
			"cash_out_bs":  cash,
			"cash_in_usd":  cash,
			"cash_out_usd": cash,
		},
		"debt": {
			"payments": of(crdt.KindORSet, PriorityCritical),
			"status":   lww(false, PriorityLow),
		},
	})
	if err != nil {
		panic(fmt.Sprintf("default policy: %v", err))
	}
	return t
}
