package segmentation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
)

// OperandKind is the comparison type of a typed condition value.
type OperandKind uint8

const (
	OperandText OperandKind = iota + 1
	OperandNumber
	OperandTime
	OperandBool
)

func (k OperandKind) String() string {
	switch k {
	case OperandText:
		return "text"
	case OperandNumber:
		return "number"
	case OperandTime:
		return "timestamp"
	case OperandBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Operand is a condition value typed against its field.
type Operand struct {
	Kind     OperandKind
	Text     string
	Num      float64
	Time     time.Time
	Bool     bool
	DateOnly bool // Time came from a bare YYYY-MM-DD
}

func textOperand(s string) Operand      { return Operand{Kind: OperandText, Text: s} }
func numberOperand(n float64) Operand   { return Operand{Kind: OperandNumber, Num: n} }
func boolOperand(b bool) Operand        { return Operand{Kind: OperandBool, Bool: b} }
func timeOperand(t time.Time, dateOnly bool) Operand {
	return Operand{Kind: OperandTime, Time: t.UTC(), DateOnly: dateOnly}
}

// SQLArg returns the value bound for this operand in a query.
func (o Operand) SQLArg() any {
	switch o.Kind {
	case OperandNumber:
		return o.Num
	case OperandTime:
		return o.Time
	case OperandBool:
		return o.Bool
	default:
		return o.Text
	}
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandNumber:
		return strconv.FormatFloat(o.Num, 'f', -1, 64)
	case OperandTime:
		if o.DateOnly {
			return o.Time.Format(time.DateOnly)
		}
		return o.Time.Format(time.RFC3339)
	case OperandBool:
		return strconv.FormatBool(o.Bool)
	default:
		return o.Text
	}
}

// compareTo orders two operands of the same kind.
func (o Operand) compareTo(other Operand) int {
	switch o.Kind {
	case OperandNumber:
		switch {
		case o.Num < other.Num:
			return -1
		case o.Num > other.Num:
			return 1
		}
		return 0
	case OperandTime:
		return o.Time.Compare(other.Time)
	default:
		return strings.Compare(o.String(), other.String())
	}
}

// TimestampPattern admits exactly the text forms ParseTimestamp reads: a
// date, optionally followed by a clock with fractional seconds, and a zone
// only after a "T" separator. The same expression guards custom timestamps
// in SQL, so it sticks to syntax shared by RE2 and PostgreSQL regexes.
const TimestampPattern = `^[0-9]{4}-[0-9]{2}-[0-9]{2}` +
	`(T([01][0-9]|2[0-3]):[0-5][0-9]:[0-5][0-9](\.[0-9]+)?(Z|[+-](0[0-9]|1[0-4]):[0-5][0-9])?` +
	`| ([01][0-9]|2[0-3]):[0-5][0-9]:[0-5][0-9](\.[0-9]+)?)?$`

var timestampRE = regexp.MustCompile(TimestampPattern)

var timeLayouts = []struct {
	layout   string
	dateOnly bool
}{
	{time.RFC3339Nano, false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{time.DateOnly, true},
}

// ParseTimestamp parses the timestamp formats accepted in rules. Values
// without a zone are UTC.
func ParseTimestamp(s string) (time.Time, bool, error) {
	if t, dateOnly, ok := parseStoredTimestamp(strings.TrimSpace(s)); ok {
		return t, dateOnly, nil
	}
	return time.Time{}, false, fmt.Errorf("%q is not a timestamp (want RFC 3339 or YYYY-MM-DD)", s)
}

// parseStoredTimestamp reads a custom field string the way the SQL guard
// and timestamptz cast do. Precision is rounded to microseconds and year 0
// is rejected, both as PostgreSQL does.
func parseStoredTimestamp(s string) (time.Time, bool, bool) {
	if !timestampRE.MatchString(s) {
		return time.Time{}, false, false
	}
	for _, l := range timeLayouts {
		t, err := time.ParseInLocation(l.layout, s, time.UTC)
		if err != nil {
			continue
		}
		if t.Year() < 1 {
			return time.Time{}, false, false
		}
		return t.Round(time.Microsecond).UTC(), l.dateOnly, true
	}
	return time.Time{}, false, false
}

// decodeScalar decodes one JSON scalar. Arrays and objects are rejected.
func decodeScalar(raw json.RawMessage) (domain.Value, error) {
	var v domain.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.Value{}, err
	}
	return v, nil
}

// decodeList decodes the value of in_list/not_in_list. A scalar is coerced
// to a single-element list.
func decodeList(raw json.RawMessage) ([]domain.Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []domain.Value
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	v, err := decodeScalar(trimmed)
	if err != nil {
		return nil, err
	}
	return []domain.Value{v}, nil
}

// decodeRange decodes the two-element value of between.
func decodeRange(raw json.RawMessage) ([]domain.Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("between requires a two-element array")
	}
	var items []domain.Value
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	if len(items) != 2 {
		return nil, fmt.Errorf("between requires exactly two elements, got %d", len(items))
	}
	return items, nil
}

// typeOperand types one decoded value for the field and operator.
func typeOperand(f FieldRef, op domain.Operator, v domain.Value) (Operand, error) {
	if v.IsNull() {
		return Operand{}, fmt.Errorf("%s on %s requires a non-null value", op, f.Name)
	}
	switch f.Type {
	case FieldText:
		if v.Kind != domain.KindString {
			return Operand{}, fmt.Errorf("%s expects a string value, got %s", f.Name, v.Kind)
		}
		return textOperand(v.Str), nil

	case FieldEnum:
		if v.Kind != domain.KindString {
			return Operand{}, fmt.Errorf("%s expects a string value, got %s", f.Name, v.Kind)
		}
		if !isPatternOp(op) && !domain.SubscriberStatus(v.Str).Valid() {
			return Operand{}, fmt.Errorf("%q is not a subscriber status", v.Str)
		}
		return textOperand(v.Str), nil

	case FieldInteger:
		switch v.Kind {
		case domain.KindNumber:
			return numberOperand(v.Num), nil
		case domain.KindString:
			n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
			if err != nil {
				return Operand{}, fmt.Errorf("%s expects a number, got %q", f.Name, v.Str)
			}
			return numberOperand(n), nil
		}
		return Operand{}, fmt.Errorf("%s expects a number, got %s", f.Name, v.Kind)

	case FieldTimestamp:
		if v.Kind != domain.KindString {
			return Operand{}, fmt.Errorf("%s expects a timestamp string, got %s", f.Name, v.Kind)
		}
		t, dateOnly, err := ParseTimestamp(v.Str)
		if err != nil {
			return Operand{}, fmt.Errorf("%s: %w", f.Name, err)
		}
		return timeOperand(t, dateOnly), nil

	case FieldCustom:
		return typeCustomOperand(f, op, v)
	}
	return Operand{}, fmt.Errorf("unsupported field type %s", f.Type)
}

// typeCustomOperand types a value for a custom field. Custom fields carry no
// schema, so the operand decides the comparison type.
func typeCustomOperand(f FieldRef, op domain.Operator, v domain.Value) (Operand, error) {
	switch {
	case isPatternOp(op):
		if v.Kind != domain.KindString {
			return Operand{}, fmt.Errorf("%s on %s expects a string value", op, f.Name)
		}
		return textOperand(v.Str), nil

	case op == domain.OpBefore || op == domain.OpAfter || op == domain.OpBetween:
		switch v.Kind {
		case domain.KindNumber:
			return numberOperand(v.Num), nil
		case domain.KindString:
			t, dateOnly, err := ParseTimestamp(v.Str)
			if err != nil {
				return Operand{}, fmt.Errorf("%s on %s: %w", op, f.Name, err)
			}
			return timeOperand(t, dateOnly), nil
		}
		return Operand{}, fmt.Errorf("%s on %s expects a number or timestamp", op, f.Name)
	}

	switch v.Kind {
	case domain.KindNumber:
		return numberOperand(v.Num), nil
	case domain.KindBool:
		return boolOperand(v.Bool), nil
	default:
		return textOperand(v.Str), nil
	}
}

func isPatternOp(op domain.Operator) bool {
	switch op {
	case domain.OpContains, domain.OpNotContains, domain.OpStartsWith, domain.OpEndsWith:
		return true
	}
	return false
}

// nextDay returns midnight after t's day.
func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
