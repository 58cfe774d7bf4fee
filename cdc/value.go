package cdc

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind discriminates the standardized value variants. The set is
// source-independent: engines map their native column types onto it.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindBytes
	KindString
	KindDecimal
	KindDate
	KindTime
	KindDateTime
	KindJSON
	KindBit
)

var kindNames = [...]string{
	KindNull:     "null",
	KindBool:     "bool",
	KindInt:      "int",
	KindUint:     "uint",
	KindFloat:    "float",
	KindBytes:    "bytes",
	KindString:   "string",
	KindDecimal:  "decimal",
	KindDate:     "date",
	KindTime:     "time",
	KindDateTime: "datetime",
	KindJSON:     "json",
	KindBit:      "bit",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged union over the standardized variant set. Only the
// payload field matching Kind is meaningful. Values are immutable once
// constructed; the Bytes payload must not be aliased by callers.
type Value struct {
	Kind ValueKind

	BoolVal   bool
	IntVal    int64
	UintVal   uint64
	FloatVal  float64
	BytesVal  []byte // Bytes, JSON, and Bit payloads
	StringVal string // String, Decimal, Date, and Time payloads
	TimeVal   time.Time
	BitLength uint16 // Bit only: number of significant bits
}

func NullValue() Value            { return Value{Kind: KindNull} }
func BoolValue(v bool) Value      { return Value{Kind: KindBool, BoolVal: v} }
func IntValue(v int64) Value      { return Value{Kind: KindInt, IntVal: v} }
func UintValue(v uint64) Value    { return Value{Kind: KindUint, UintVal: v} }
func FloatValue(v float64) Value  { return Value{Kind: KindFloat, FloatVal: v} }
func BytesValue(v []byte) Value   { return Value{Kind: KindBytes, BytesVal: v} }
func StringValue(v string) Value  { return Value{Kind: KindString, StringVal: v} }
func DecimalValue(v string) Value { return Value{Kind: KindDecimal, StringVal: v} }
func DateValue(v string) Value    { return Value{Kind: KindDate, StringVal: v} }
func TimeValue(v string) Value    { return Value{Kind: KindTime, StringVal: v} }
func DateTimeValue(v time.Time) Value {
	return Value{Kind: KindDateTime, TimeVal: v}
}
func JSONValue(v []byte) Value { return Value{Kind: KindJSON, BytesVal: v} }
func BitValue(bits []byte, length uint16) Value {
	return Value{Kind: KindBit, BytesVal: bits, BitLength: length}
}

// IsNull reports whether the value is the Null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// MarshalJSON renders the value as {"kind": ..., "value": ...} so that
// heterogeneous rows serialize losslessly for downstream consumers.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind {
	case KindNull:
		payload = nil
	case KindBool:
		payload = v.BoolVal
	case KindInt:
		payload = v.IntVal
	case KindUint:
		payload = v.UintVal
	case KindFloat:
		payload = v.FloatVal
	case KindBytes, KindJSON, KindBit:
		payload = v.BytesVal
	case KindString, KindDecimal, KindDate, KindTime:
		payload = v.StringVal
	case KindDateTime:
		payload = v.TimeVal
	default:
		return nil, fmt.Errorf("cannot marshal value of kind %v", v.Kind)
	}
	return json.Marshal(struct {
		Kind  string `json:"kind"`
		Value any    `json:"value"`
	}{v.Kind.String(), payload})
}

// String renders a compact human-readable form for logs and tests.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.BoolVal)
	case KindInt:
		return fmt.Sprintf("%d", v.IntVal)
	case KindUint:
		return fmt.Sprintf("%du", v.UintVal)
	case KindFloat:
		return fmt.Sprintf("%g", v.FloatVal)
	case KindBytes, KindJSON, KindBit:
		return fmt.Sprintf("%s(%x)", v.Kind, v.BytesVal)
	case KindString, KindDecimal, KindDate, KindTime:
		return fmt.Sprintf("%s(%q)", v.Kind, v.StringVal)
	case KindDateTime:
		return v.TimeVal.Format(time.RFC3339Nano)
	}
	return v.Kind.String()
}
