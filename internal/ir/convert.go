package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// FromGo converts plain Go values, as yaml or json produce them when decoding
// into any, into an IRValue. nil and floats are rejected.
func FromGo(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a value")
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return IRInt(val), nil
	case float32, float64:
		return nil, fmt.Errorf("float %v is not a value; use integer minor units", val)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			iv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = iv
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			iv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = iv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// Compare orders two values by their canonical JSON bytes. nil and IRNull
// sort before everything else. It fails only when a value cannot be
// canonicalized, for example because it holds a nested null.
func Compare(a, b IRValue) (int, error) {
	ab, err := canonicalKey(a)
	if err != nil {
		return 0, err
	}
	bb, err := canonicalKey(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ab, bb), nil
}

// Equal reports whether a and b have identical canonical JSON.
func Equal(a, b IRValue) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

func canonicalKey(v IRValue) ([]byte, error) {
	switch v.(type) {
	case nil, IRNull:
		return nil, nil
	}
	return MarshalCanonical(v)
}

const stateHashDomain = "tillsync/state/v1"

// StateHash returns the hex SHA-256 of a canonical state encoding, separated
// from other hash uses by a versioned domain prefix.
func StateHash(canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(stateHashDomain))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
