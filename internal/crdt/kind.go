package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Kind names a CRDT strategy.
type Kind string

const (
	KindLWW       Kind = "lww"
	KindORSet     Kind = "orset"
	KindPNCounter Kind = "pncounter"
	KindRGA       Kind = "rga"
)

// Kinds lists every strategy in a stable order.
var Kinds = []Kind{KindLWW, KindORSet, KindPNCounter, KindRGA}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown crdt kind %q", s)
}

// ErrKindMismatch is returned by the dispatch helpers when a delta or state
// does not match the expected strategy.
var ErrKindMismatch = errors.New("crdt kind mismatch")

// Delta is one replicated mutation of a single field.
// Implementations: RegisterDelta, ORSetDelta, PNCounterDelta, RGADelta.
type Delta interface {
	Kind() Kind
	// Validate checks the delta in isolation.
	Validate() error
	isDelta()
}

// State is the current replicated state of a single field.
// Implementations: Register, ORSet, PNCounter, RGA.
type State interface {
	Kind() Kind
	isState()
}

func (RegisterDelta) Kind() Kind  { return KindLWW }
func (ORSetDelta) Kind() Kind     { return KindORSet }
func (PNCounterDelta) Kind() Kind { return KindPNCounter }
func (RGADelta) Kind() Kind       { return KindRGA }

func (RegisterDelta) isDelta()  {}
func (ORSetDelta) isDelta()     {}
func (PNCounterDelta) isDelta() {}
func (RGADelta) isDelta()       {}

func (Register) Kind() Kind  { return KindLWW }
func (ORSet) Kind() Kind     { return KindORSet }
func (PNCounter) Kind() Kind { return KindPNCounter }
func (RGA) Kind() Kind       { return KindRGA }

func (Register) isState()  {}
func (ORSet) isState()     {}
func (PNCounter) isState() {}
func (RGA) isState()       {}

// Empty returns the empty state for a strategy.
func Empty(k Kind) (State, error) {
	switch k {
	case KindLWW:
		return EmptyRegister(), nil
	case KindORSet:
		return EmptyORSet(), nil
	case KindPNCounter:
		return EmptyPNCounter(), nil
	case KindRGA:
		return EmptyRGA(), nil
	default:
		return nil, fmt.Errorf("empty state: unknown crdt kind %q", k)
	}
}

// Apply applies d to s. The only error is a kind mismatch.
func Apply(s State, d Delta) (State, error) {
	switch st := s.(type) {
	case Register:
		if dd, ok := d.(RegisterDelta); ok {
			return ApplyRegister(st, dd), nil
		}
	case ORSet:
		if dd, ok := d.(ORSetDelta); ok {
			return ApplyORSet(st, dd), nil
		}
	case PNCounter:
		if dd, ok := d.(PNCounterDelta); ok {
			return ApplyPNCounter(st, dd), nil
		}
	case RGA:
		if dd, ok := d.(RGADelta); ok {
			return ApplyRGA(st, dd), nil
		}
	default:
		return nil, fmt.Errorf("apply: unsupported state %T", s)
	}
	return nil, fmt.Errorf("apply %s delta to %s state: %w", kindOf(d), s.Kind(), ErrKindMismatch)
}

// Merge joins two states of the same kind.
func Merge(a, b State) (State, error) {
	switch sa := a.(type) {
	case Register:
		if sb, ok := b.(Register); ok {
			return MergeRegister(sa, sb), nil
		}
	case ORSet:
		if sb, ok := b.(ORSet); ok {
			return MergeORSet(sa, sb), nil
		}
	case PNCounter:
		if sb, ok := b.(PNCounter); ok {
			return MergePNCounter(sa, sb), nil
		}
	case RGA:
		if sb, ok := b.(RGA); ok {
			return MergeRGA(sa, sb), nil
		}
	default:
		return nil, fmt.Errorf("merge: unsupported state %T", a)
	}
	return nil, fmt.Errorf("merge %s with %s: %w", a.Kind(), kindOf(b), ErrKindMismatch)
}

// Value projects the externally visible value of s.
//
//	Register  -> the register value (IRNull when never written)
//	ORSet     -> IRArray of live elements, sorted
//	PNCounter -> IRInt
//	RGA       -> IRArray of visible node values in list order
func Value(s State) ir.IRValue {
	switch st := s.(type) {
	case Register:
		return st.Value
	case ORSet:
		elems := st.Elements()
		out := make(ir.IRArray, len(elems))
		for i, e := range elems {
			out[i] = ir.IRString(e)
		}
		return out
	case PNCounter:
		return ir.IRInt(st.Value())
	case RGA:
		return ir.IRArray(st.Values())
	default:
		return ir.IRNull{}
	}
}

func kindOf(v interface{ Kind() Kind }) Kind {
	if v == nil {
		return ""
	}
	return v.Kind()
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalDelta encodes d as {"kind": ..., "data": ...}.
func MarshalDelta(d Delta) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("marshal delta: nil")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s delta: %w", d.Kind(), err)
	}
	return json.Marshal(envelope{Kind: d.Kind(), Data: data})
}

// UnmarshalDelta decodes the form produced by MarshalDelta.
func UnmarshalDelta(raw []byte) (Delta, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode delta envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("decode %s delta: missing data", env.Kind)
	}
	switch env.Kind {
	case KindLWW:
		var d RegisterDelta
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode lww delta: %w", err)
		}
		return d, nil
	case KindORSet:
		var d ORSetDelta
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode orset delta: %w", err)
		}
		return d, nil
	case KindPNCounter:
		var d PNCounterDelta
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode pncounter delta: %w", err)
		}
		return d, nil
	case KindRGA:
		var d RGADelta
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode rga delta: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("decode delta: unknown crdt kind %q", env.Kind)
	}
}

// MarshalState encodes s as {"kind": ..., "data": ...}. Output is
// deterministic for equal states.
func MarshalState(s State) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("marshal state: nil")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s state: %w", s.Kind(), err)
	}
	return json.Marshal(envelope{Kind: s.Kind(), Data: data})
}

// UnmarshalState decodes the form produced by MarshalState.
func UnmarshalState(raw []byte) (State, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode state envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("decode %s state: missing data", env.Kind)
	}
	switch env.Kind {
	case KindLWW:
		var s Register
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("decode lww state: %w", err)
		}
		return s, nil
	case KindORSet:
		var s ORSet
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("decode orset state: %w", err)
		}
		return s, nil
	case KindPNCounter:
		var s PNCounter
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("decode pncounter state: %w", err)
		}
		return s, nil
	case KindRGA:
		var s RGA
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("decode rga state: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("decode state: unknown crdt kind %q", env.Kind)
	}
}
