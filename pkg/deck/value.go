package deck

import (
	"sort"
	"strconv"
)

// Kind classifies a parameter value: integer, boolean, one-of-enum or
// free text.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindBool
	KindEnum
)

// String returns the kind name used in validation messages.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindBool:
		return "boolean"
	case KindEnum:
		return "enum"
	default:
		return "text"
	}
}

// Value is one validated parameter value, tagged with its kind. Exactly one
// of the typed fields is meaningful for a given kind; Text additionally
// carries the canonical textual form for every kind.
type Value struct {
	Kind Kind
	Text string
	Int  int
	Bool bool
}

// IntValue builds an integer Value.
func IntValue(i int) Value {
	return Value{Kind: KindInt, Int: i, Text: strconv.Itoa(i)}
}

// BoolValue builds a boolean Value.
func BoolValue(b bool) Value {
	return Value{Kind: KindBool, Bool: b, Text: strconv.FormatBool(b)}
}

// TextValue builds a free-text Value.
func TextValue(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// EnumValue builds an enum Value holding one of its allowed literals.
func EnumValue(s string) Value {
	return Value{Kind: KindEnum, Text: s}
}

// Params is the fixed, validated parameter set of one card: every key of
// the applicable default record, no more and no less. Step builders read it
// through typed accessors; missing keys yield zero values.
type Params struct {
	values map[string]Value
}

// NewParams builds a Params from validated values.
func NewParams(values map[string]Value) Params {
	return Params{values: values}
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Get returns the tagged value for key.
func (p Params) Get(key string) (Value, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Int returns the integer value of key, or zero when absent.
func (p Params) Int(key string) int {
	return p.values[key].Int
}

// Bool returns the boolean value of key, or false when absent.
func (p Params) Bool(key string) bool {
	return p.values[key].Bool
}

// Text returns the textual value of key (free text and enums), or "" when
// absent.
func (p Params) Text(key string) string {
	return p.values[key].Text
}

// Name returns the step's configured name.
func (p Params) Name() string {
	return p.values["name"].Text
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StringMap renders every parameter to its textual form, for ledgers and
// report rendering.
func (p Params) StringMap() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v.Text
	}
	return out
}
