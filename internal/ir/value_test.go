package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_Scalars(t *testing.T) {
	tests := []struct {
		name     string
		input    IRValue
		expected string
	}{
		{"string", IRString("Leche"), `"Leche"`},
		{"int", IRInt(-3000), "-3000"},
		{"bool", IRBool(true), "true"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"control char", IRString("a\x01b\n"), `"a\u0001b\n"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalCanonical_SortsKeysAndSkipsHTMLEscaping(t *testing.T) {
	obj := IRObject{
		"sku":  IRString("A&B<1>"),
		"name": IRString("Milk"),
		"qty":  IRObject{"unit": IRString("l"), "amount": IRInt(2)},
	}

	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Milk","qty":{"amount":2,"unit":"l"},"sku":"A&B<1>"}`, string(got))
}

func TestMarshalCanonical_PlainGoValues(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"clock": map[string]any{"B": uint64(2), "A": 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"clock":{"A":1,"B":2}}`, string(got))
}

func TestMarshalCanonical_RejectsNullAndFloat(t *testing.T) {
	_, err := MarshalCanonical(IRNull{})
	assert.Error(t, err)

	_, err = MarshalCanonical(IRArray{IRString("x"), IRNull{}})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"price": 1.5})
	assert.Error(t, err)
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed, err := MarshalCanonical(IRString("cafe\u0301"))
	require.NoError(t, err)
	composed, err := MarshalCanonical(IRString("caf\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) and sorts before U+FF61
	// in UTF-16, although its UTF-8 bytes sort after.
	obj := IRObject{"\uff61": IRInt(1), "\U0001F600": IRInt(2), "a": IRInt(3)}
	assert.Equal(t, []string{"a", "\U0001F600", "\uff61"}, obj.SortedKeys())
}

func TestMarshalIRValue_AllowsNull(t *testing.T) {
	got, err := MarshalIRValue(IRObject{"name": IRNull{}, "tags": IRArray{IRString("a")}})
	require.NoError(t, err)
	assert.Equal(t, `{"name":null,"tags":["a"]}`, string(got))
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue([]byte(`{"price_bs": 1050, "tags": ["x", null], "ok": true}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"price_bs": IRInt(1050),
		"tags":     IRArray{IRString("x"), IRNull{}},
		"ok":       IRBool(true),
	}, v)

	v, err = DecodeValue([]byte("null"))
	require.NoError(t, err)
	assert.Equal(t, IRNull{}, v)

	_, err = DecodeValue([]byte(`{"price_bs": 10.5}`))
	assert.Error(t, err)

	_, err = DecodeValue([]byte(`1 2`))
	assert.Error(t, err, "trailing data")
}

func TestIRObject_JSONRoundTripKeepsLargeInts(t *testing.T) {
	in := IRObject{"amount": IRInt(9007199254740993)}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out IRObject
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestIRArray_UnmarshalRejectsObject(t *testing.T) {
	var arr IRArray
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &arr))

	require.NoError(t, json.Unmarshal([]byte(`["a",2]`), &arr))
	assert.Equal(t, IRArray{IRString("a"), IRInt(2)}, arr)
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{"name": "Milk", "qty": 2, "tags": []any{"dairy", true}})
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"name": IRString("Milk"),
		"qty":  IRInt(2),
		"tags": IRArray{IRString("dairy"), IRBool(true)},
	}, v)

	_, err = FromGo(3.14)
	assert.Error(t, err)
	_, err = FromGo(nil)
	assert.Error(t, err)
	_, err = FromGo(uint64(1) << 63)
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	c, err := Compare(IRString("Leche"), IRString("Milk"))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = Compare(nil, IRString("Milk"))
	require.NoError(t, err)
	assert.Equal(t, -1, c, "nil sorts first")

	assert.True(t, Equal(IRObject{"a": IRInt(1)}, IRObject{"a": IRInt(1)}))
	assert.False(t, Equal(IRInt(1), IRString("1")))
	assert.True(t, Equal(IRNull{}, nil))
}

func TestStateHash(t *testing.T) {
	data := []byte(`{"kind":"lww"}`)
	assert.Equal(t, StateHash(data), StateHash(data))
	assert.Len(t, StateHash(data), 64)
	assert.NotEqual(t, StateHash(data), StateHash([]byte(`{"kind":"orset"}`)))
}
