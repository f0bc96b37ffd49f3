package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ValueType is the type tag of an attribute value.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "bool"
	TypeRef    ValueType = "ref"
)

// Value is a typed attribute value: a string, number, boolean, or a reference
// to another card id.
type Value struct {
	Type ValueType
	Str  string
	Num  float64
	Bool bool
}

// String returns a string value.
func String(s string) Value { return Value{Type: TypeString, Str: s} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{Type: TypeNumber, Num: n} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Type: TypeBool, Bool: b} }

// Ref returns a reference to the card with the given id.
func Ref(cardID string) Value { return Value{Type: TypeRef, Str: cardID} }

// Validate reports whether v is a well-formed value.
func (v Value) Validate() error {
	switch v.Type {
	case TypeString, TypeBool:
		return nil
	case TypeNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return &ValidationError{Field: "value", Reason: "number must be finite"}
		}
		return nil
	case TypeRef:
		if strings.TrimSpace(v.Str) == "" {
			return &ValidationError{Field: "value", Reason: "reference must name a card id"}
		}
		return nil
	default:
		return &ValidationError{Field: "value", Reason: fmt.Sprintf("unsupported value type %q", v.Type)}
	}
}

// Equal compares two values after normalization. Strings are compared
// case-folded, NFKC-normalized and with whitespace collapsed.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeString:
		return Normalize(v.Str) == Normalize(o.Str)
	case TypeNumber:
		return v.Num == o.Num
	case TypeBool:
		return v.Bool == o.Bool
	case TypeRef:
		return v.Str == o.Str
	}
	return false
}

// String renders the value for display and text matching.
func (v Value) String() string {
	switch v.Type {
	case TypeString, TypeRef:
		return v.Str
	case TypeNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// Normalize folds case, applies NFKC and collapses runs of whitespace.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// ValueFrom converts a decoded JSON/YAML scalar into a Value. Objects of the
// form {"ref": "<card id>"} become references.
func ValueFrom(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		return x, x.Validate()
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		v := Number(x)
		return v, v.Validate()
	case float32:
		return ValueFrom(float64(x))
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, &ValidationError{Field: "value", Reason: "invalid number " + x.String()}
		}
		return ValueFrom(f)
	case map[string]any:
		if id, ok := x["ref"].(string); ok && len(x) == 1 {
			v := Ref(id)
			return v, v.Validate()
		}
	}
	return Value{}, &ValidationError{Field: "value", Reason: fmt.Sprintf("unsupported attribute type %T", raw)}
}

// MarshalJSON encodes scalars as plain JSON values and references as
// {"ref": id}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case TypeString:
		return json.Marshal(v.Str)
	case TypeNumber:
		return json.Marshal(v.Num)
	case TypeBool:
		return json.Marshal(v.Bool)
	case TypeRef:
		return json.Marshal(map[string]string{"ref": v.Str})
	}
	return nil, &ValidationError{Field: "value", Reason: fmt.Sprintf("unsupported value type %q", v.Type)}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out, err := ValueFrom(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}
