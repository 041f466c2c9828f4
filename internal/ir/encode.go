package ir

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// encoder writes IRValues as JSON. The canonical mode is RFC 8785 over the
// integer-only value space: NFC strings, no HTML escaping, null rejected.
type encoder struct {
	canonical bool
	buf       []byte
}

// MarshalIRValue encodes v as JSON with object keys in SortedKeys order.
// It is not canonical: strings are escaped the way encoding/json does it and
// null is allowed. Use MarshalCanonical for comparison and hashing.
func MarshalIRValue(v IRValue) ([]byte, error) {
	e := &encoder{}
	if err := e.value(v); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// MarshalCanonical encodes v as canonical JSON. v may be an IRValue or any
// plain Go value FromGo accepts.
func MarshalCanonical(v any) ([]byte, error) {
	iv, ok := v.(IRValue)
	if !ok {
		var err error
		if iv, err = FromGo(v); err != nil {
			return nil, err
		}
	}
	e := &encoder{canonical: true}
	if err := e.value(iv); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *encoder) value(v IRValue) error {
	switch val := v.(type) {
	case nil, IRNull:
		if e.canonical {
			return fmt.Errorf("null is not allowed in canonical JSON")
		}
		e.buf = append(e.buf, "null"...)
	case IRString:
		return e.str(string(val))
	case IRInt:
		e.buf = strconv.AppendInt(e.buf, int64(val), 10)
	case IRBool:
		e.buf = strconv.AppendBool(e.buf, bool(val))
	case IRArray:
		e.buf = append(e.buf, '[')
		for i, elem := range val {
			if i > 0 {
				e.buf = append(e.buf, ',')
			}
			if err := e.value(elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		e.buf = append(e.buf, ']')
	case IRObject:
		e.buf = append(e.buf, '{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				e.buf = append(e.buf, ',')
			}
			if err := e.str(k); err != nil {
				return err
			}
			e.buf = append(e.buf, ':')
			if err := e.value(val[k]); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
		e.buf = append(e.buf, '}')
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func (e *encoder) str(s string) error {
	if !e.canonical {
		b, err := json.Marshal(s)
		if err != nil {
			return err
		}
		e.buf = append(e.buf, b...)
		return nil
	}
	e.buf = append(e.buf, '"')
	for _, r := range norm.NFC.String(s) {
		switch r {
		case '"':
			e.buf = append(e.buf, `\"`...)
		case '\\':
			e.buf = append(e.buf, `\\`...)
		case '\b':
			e.buf = append(e.buf, `\b`...)
		case '\f':
			e.buf = append(e.buf, `\f`...)
		case '\n':
			e.buf = append(e.buf, `\n`...)
		case '\r':
			e.buf = append(e.buf, `\r`...)
		case '\t':
			e.buf = append(e.buf, `\t`...)
		default:
			if r < 0x20 {
				e.buf = fmt.Appendf(e.buf, `\u%04x`, r)
			} else {
				e.buf = append(e.buf, string(r)...)
			}
		}
	}
	e.buf = append(e.buf, '"')
	return nil
}

// SortedKeys returns the keys ordered by UTF-16 code units, as RFC 8785
// requires. Plain string order differs for characters outside the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
	})
	return keys
}
