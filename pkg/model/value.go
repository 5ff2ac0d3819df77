package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind pins the type of a metric value. The wire format permits
// heterogeneous values; the definition created on first appearance fixes the
// kind and later type drift is rejected.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindString ValueKind = "string"
)

func (k ValueKind) Valid() bool {
	switch k {
	case KindNumber, KindBool, KindString:
		return true
	}
	return false
}

// Value is a tagged variant over the three metric value types.
type Value struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Str  string
}

func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// MarshalJSON emits the raw scalar, not the tagged struct.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return json.Marshal(v.String())
		}
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindString:
		return json.Marshal(v.Str)
	}
	return nil, fmt.Errorf("value has no kind")
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		*v = NumberValue(x)
	case bool:
		*v = BoolValue(x)
	case string:
		*v = StringValue(x)
	default:
		return fmt.Errorf("unsupported value type %T", raw)
	}
	return nil
}

// ParseValue coerces a wire value into the given kind. Numbers arriving as
// strings are parsed; NaN is preserved and left for the evaluator to treat as
// UNKNOWN.
func ParseValue(kind ValueKind, raw Value) (Value, error) {
	if raw.Kind == kind {
		return raw, nil
	}
	switch kind {
	case KindNumber:
		if raw.Kind == KindString {
			n, err := strconv.ParseFloat(raw.Str, 64)
			if err != nil {
				return Value{}, fmt.Errorf("value %q is not a number", raw.Str)
			}
			return NumberValue(n), nil
		}
	case KindString:
		return StringValue(raw.String()), nil
	}
	return Value{}, fmt.Errorf("value of type %s where %s expected", raw.Kind, kind)
}
