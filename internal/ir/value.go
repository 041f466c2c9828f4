package ir

// IRValue is one of IRNull, IRString, IRInt, IRBool, IRArray or IRObject.
// There is deliberately no float variant.
type IRValue interface {
	irValue()
}

// IRNull is the value of a register that was never written.
type IRNull struct{}

// IRString is a string value.
type IRString string

// IRInt is an integer value. Amounts are carried in minor units.
type IRInt int64

// IRBool is a boolean value.
type IRBool bool

// IRArray is an ordered list of values.
type IRArray []IRValue

// IRObject maps string keys to values. Encoders walk it in SortedKeys order.
type IRObject map[string]IRValue

func (IRNull) irValue()   {}
func (IRString) irValue() {}
func (IRInt) irValue()    {}
func (IRBool) irValue()   {}
func (IRArray) irValue()  {}
func (IRObject) irValue() {}

// MarshalJSON implements json.Marshaler.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// MarshalJSON implements json.Marshaler. Keys are written in SortedKeys order.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	return MarshalIRValue(obj)
}

// MarshalJSON implements json.Marshaler.
func (arr IRArray) MarshalJSON() ([]byte, error) {
	return MarshalIRValue(arr)
}

// UnmarshalJSON implements json.Unmarshaler. A top-level null leaves a nil
// map; nested nulls decode to IRNull.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	if _, null := v.(IRNull); null {
		*obj = nil
		return nil
	}
	o, ok := v.(IRObject)
	if !ok {
		return errNotA("object", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Nested nulls decode to IRNull.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	if _, null := v.(IRNull); null {
		*arr = nil
		return nil
	}
	a, ok := v.(IRArray)
	if !ok {
		return errNotA("array", v)
	}
	*arr = a
	return nil
}
