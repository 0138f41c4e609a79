package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value is a scalar custom field value: string, number, bool or null.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Raw  string // JSON number literal as decoded; empty when built from a float
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue returns a number Value.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BoolValue returns a bool Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Text renders the value the way PostgreSQL's ->> operator does for the
// corresponding JSON scalar. Null renders as "".
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		if text, ok := numericText(v.Raw); ok {
			return text
		}
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// numericText renders a JSON number literal as PostgreSQL prints the numeric
// it becomes: exponent applied, fractional scale kept ("1.0" stays "1.0",
// "1.50e1" is "15.0"). ok is false for literals it cannot place.
func numericText(lit string) (string, bool) {
	if lit == "" {
		return "", false
	}
	neg := strings.HasPrefix(lit, "-")
	mant, exp := strings.TrimPrefix(lit, "-"), 0
	if i := strings.IndexAny(mant, "eE"); i >= 0 {
		e, err := strconv.Atoi(strings.TrimPrefix(mant[i+1:], "+"))
		if err != nil {
			return "", false
		}
		mant, exp = mant[:i], e
	}
	whole, frac, _ := strings.Cut(mant, ".")
	digits := whole + frac
	shift := exp - len(frac)
	if digits == "" || shift > 1000 || shift < -1000 {
		return "", false
	}

	var out string
	if shift >= 0 {
		out = digits + strings.Repeat("0", shift)
	} else {
		scale := -shift
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		out = digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	}
	out = strings.TrimLeft(out, "0")
	if out == "" || out[0] == '.' {
		out = "0" + out
	}
	if neg && strings.Trim(out, "0.") != "" {
		out = "-" + out
	}
	return out, true
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		if v.Raw != "" {
			return []byte(v.Raw), nil
		}
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Arrays and objects are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '[', '{':
		return fmt.Errorf("custom field values must be scalars, got %s", data)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Value{Kind: KindNumber, Num: n, Raw: string(data)}
	}
	return nil
}

// CustomFields is the open-ended key/value mapping on a subscriber. Keys are
// flat; "custom_fields.<key>" resolves with a single lookup.
type CustomFields map[string]Value

// Lookup returns the value stored under key; missing keys yield a null Value
// and ok=false.
func (c CustomFields) Lookup(key string) (Value, bool) {
	v, ok := c[key]
	return v, ok
}
