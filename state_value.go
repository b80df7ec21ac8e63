package statehistory

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"sync/atomic"
	"unicode"
)

// Kind identifies the variant held by a StateValue.
type Kind uint8

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindLong
	KindDouble
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "int"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

const (
	valueCacheSize  = 128
	stringCacheSize = 256
)

// StateValue is an immutable, tagged value held by an attribute during a
// state interval. The zero StateValue is the Null value.
//
// Values built through the constructors may share storage with earlier equal
// values; always compare with Equal.
type StateValue struct {
	v *stateValue
}

type stateValue struct {
	kind Kind
	n    int64
	d    float64
	s    string
}

var (
	trueValue  = StateValue{&stateValue{kind: KindBoolean, n: 1}}
	falseValue = StateValue{&stateValue{kind: KindBoolean}}

	intCache    [valueCacheSize]atomic.Pointer[stateValue]
	longCache   [valueCacheSize]atomic.Pointer[stateValue]
	doubleCache [valueCacheSize]atomic.Pointer[stateValue]
	stringCache [stringCacheSize]atomic.Pointer[stateValue]
)

// NullValue returns the Null state value.
func NullValue() StateValue {
	return StateValue{}
}

// BoolValue returns the canonical boolean state value.
func BoolValue(b bool) StateValue {
	if b {
		return trueValue
	}
	return falseValue
}

// IntValue returns a 32-bit integer state value.
func IntValue(i int32) StateValue {
	slot := &intCache[i&(valueCacheSize-1)]
	if cached := slot.Load(); cached != nil && cached.n == int64(i) {
		return StateValue{cached}
	}
	sv := &stateValue{kind: KindInteger, n: int64(i)}
	slot.Store(sv)
	return StateValue{sv}
}

// LongValue returns a 64-bit integer state value.
func LongValue(l int64) StateValue {
	slot := &longCache[l&(valueCacheSize-1)]
	if cached := slot.Load(); cached != nil && cached.n == l {
		return StateValue{cached}
	}
	sv := &stateValue{kind: KindLong, n: l}
	slot.Store(sv)
	return StateValue{sv}
}

// DoubleValue returns a floating point state value.
func DoubleValue(d float64) StateValue {
	slot := &doubleCache[math.Float64bits(d)&(valueCacheSize-1)]
	if cached := slot.Load(); cached != nil && sameDouble(cached.d, d) {
		return StateValue{cached}
	}
	sv := &stateValue{kind: KindDouble, d: d}
	slot.Store(sv)
	return StateValue{sv}
}

// StringValue returns a string state value. Strings containing control
// characters are rejected with ErrInvalidValue.
func StringValue(s string) (StateValue, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	slot := &stringCache[h.Sum32()&(stringCacheSize-1)]
	if cached := slot.Load(); cached != nil && cached.s == s {
		return StateValue{cached}, nil
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return StateValue{}, fmt.Errorf("string %q: %w", s, ErrInvalidValue)
		}
	}
	sv := &stateValue{kind: KindString, s: s}
	slot.Store(sv)
	return StateValue{sv}, nil
}

// MustStringValue is like StringValue but panics on invalid input.
func MustStringValue(s string) StateValue {
	v, err := StringValue(s)
	if err != nil {
		panic("statehistory: MustStringValue: " + err.Error())
	}
	return v
}

// Kind returns the variant of v.
func (v StateValue) Kind() Kind {
	if v.v == nil {
		return KindNull
	}
	return v.v.kind
}

// IsNull reports whether v is the Null value.
func (v StateValue) IsNull() bool {
	return v.v == nil || v.v.kind == KindNull
}

// Bool returns the boolean payload.
func (v StateValue) Bool() (bool, bool) {
	if v.Kind() != KindBoolean {
		return false, false
	}
	return v.v.n != 0, true
}

// Int returns the 32-bit integer payload.
func (v StateValue) Int() (int32, bool) {
	if v.Kind() != KindInteger {
		return 0, false
	}
	return int32(v.v.n), true
}

// Long returns the 64-bit integer payload.
func (v StateValue) Long() (int64, bool) {
	if v.Kind() != KindLong {
		return 0, false
	}
	return v.v.n, true
}

// Double returns the floating point payload.
func (v StateValue) Double() (float64, bool) {
	if v.Kind() != KindDouble {
		return 0, false
	}
	return v.v.d, true
}

// Str returns the string payload.
func (v StateValue) Str() (string, bool) {
	if v.Kind() != KindString {
		return "", false
	}
	return v.v.s, true
}

// Unboxed returns the payload as a plain Go value, nil for Null.
func (v StateValue) Unboxed() any {
	switch v.Kind() {
	case KindBoolean:
		return v.v.n != 0
	case KindInteger:
		return int32(v.v.n)
	case KindLong:
		return v.v.n
	case KindDouble:
		return v.v.d
	case KindString:
		return v.v.s
	default:
		return nil
	}
}

// Equal reports structural equality. NaN doubles are equal to each other.
func (v StateValue) Equal(o StateValue) bool {
	if v.v == o.v {
		return true
	}
	k := v.Kind()
	if k != o.Kind() {
		return false
	}
	switch k {
	case KindNull:
		return true
	case KindDouble:
		return sameDouble(v.v.d, o.v.d)
	case KindString:
		return v.v.s == o.v.s
	default:
		return v.v.n == o.v.n
	}
}

func (v StateValue) String() string {
	switch v.Kind() {
	case KindNull:
		return "nullValue"
	case KindBoolean:
		return strconv.FormatBool(v.v.n != 0)
	case KindInteger, KindLong:
		return strconv.FormatInt(v.v.n, 10)
	case KindDouble:
		return strconv.FormatFloat(v.v.d, 'g', -1, 64)
	default:
		return v.v.s
	}
}

func sameDouble(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}
