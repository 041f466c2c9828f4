package crdt

import (
	"errors"
	"fmt"
)

// ErrUnknownReference marks a delta that refers to a tag or node the current
// state has never observed.
var ErrUnknownReference = errors.New("unknown reference")

// CheckApplicable verifies that d only references things present in s: an
// OR-Set remove must name an observed tag of its element, an RGA insert must
// anchor to the head or an existing node, and an RGA remove must target an
// existing node. Registers and counters have no references.
func CheckApplicable(s State, d Delta) error {
	switch dd := d.(type) {
	case RegisterDelta, PNCounterDelta:
		if s.Kind() != d.Kind() {
			return fmt.Errorf("check %s delta against %s state: %w", d.Kind(), s.Kind(), ErrKindMismatch)
		}
		return nil
	case ORSetDelta:
		set, ok := s.(ORSet)
		if !ok {
			return fmt.Errorf("check orset delta against %s state: %w", s.Kind(), ErrKindMismatch)
		}
		if dd.Op == SetRemove && !set.HasTag(dd.Element, dd.Tag) {
			return fmt.Errorf("remove %q tag %q: %w", dd.Element, dd.Tag, ErrUnknownReference)
		}
		return nil
	case RGADelta:
		seq, ok := s.(RGA)
		if !ok {
			return fmt.Errorf("check rga delta against %s state: %w", s.Kind(), ErrKindMismatch)
		}
		if dd.Insert != nil && !dd.Insert.After.IsHead() && !seq.Has(dd.Insert.After) {
			return fmt.Errorf("insert %s after %s: %w", dd.Insert.ID, dd.Insert.After, ErrUnknownReference)
		}
		if dd.Remove != nil && !seq.Has(*dd.Remove) {
			return fmt.Errorf("remove node %s: %w", *dd.Remove, ErrUnknownReference)
		}
		return nil
	default:
		return fmt.Errorf("check applicable: unsupported delta %T", d)
	}
}
