package segmentation

import (
	"bytes"
	"fmt"

	"github.com/ignite/audience-engine/internal/domain"
)

// compileFunc turns one condition on a resolved field into a predicate.
type compileFunc func(f FieldRef, c domain.Condition) (Predicate, error)

// operatorTable is the single mapping from operator to compilation. Every
// domain.Operator must have an entry.
var operatorTable = map[domain.Operator]compileFunc{
	domain.OpEquals:      compileEquals(false),
	domain.OpNotEquals:   compileEquals(true),
	domain.OpContains:    compileLike(LikeContains, false),
	domain.OpNotContains: compileLike(LikeContains, true),
	domain.OpStartsWith:  compileLike(LikePrefix, false),
	domain.OpEndsWith:    compileLike(LikeSuffix, false),
	domain.OpBefore:      compileBefore,
	domain.OpAfter:       compileAfter,
	domain.OpBetween:     compileBetween,
	domain.OpIsEmpty:     compileEmpty(false),
	domain.OpIsNotEmpty:  compileEmpty(true),
	domain.OpInList:      compileIn(false),
	domain.OpNotInList:   compileIn(true),
}

// CompileCondition compiles one atomic condition.
func CompileCondition(c domain.Condition) (Predicate, error) {
	if c.Field == "" {
		return nil, fmt.Errorf("field is required")
	}
	if c.Operator == "" {
		return nil, fmt.Errorf("operator is required")
	}
	f, err := ResolveField(c.Field)
	if err != nil {
		return nil, err
	}
	fn, ok := operatorTable[c.Operator]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", c.Operator)
	}
	if !operatorApplies(c.Operator, f.Type) {
		return nil, fmt.Errorf("operator %s does not apply to %s field %s", c.Operator, f.Type, f.Name)
	}
	if c.Operator.RequiresValue() && isAbsent(c.Value) {
		return nil, fmt.Errorf("operator %s on %s requires a value", c.Operator, f.Name)
	}
	return fn(f, c)
}

// CompileGroup combines a group's conditions by its match mode. An absent or
// unrecognized mode is treated as "all".
func CompileGroup(g domain.ConditionGroup) (Predicate, error) {
	terms := make([]Predicate, 0, len(g.Conditions))
	for i, c := range g.Conditions {
		p, err := CompileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i+1, err)
		}
		terms = append(terms, p)
	}
	if g.Match == domain.MatchAny {
		return Or{Terms: terms}, nil
	}
	return And{Terms: terms}, nil
}

// CompileRules ANDs one predicate per group. Problems in every condition are
// collected into a single *ValidationError.
func CompileRules(rules domain.Rules) (Predicate, error) {
	verr := &ValidationError{}
	groups := make([]Predicate, 0, len(rules))
	for gi, g := range rules {
		terms := make([]Predicate, 0, len(g.Conditions))
		for ci, c := range g.Conditions {
			p, err := CompileCondition(c)
			if err != nil {
				verr.add("group %d condition %d: %v", gi+1, ci+1, err)
				continue
			}
			terms = append(terms, p)
		}
		if g.Match == domain.MatchAny {
			groups = append(groups, Or{Terms: terms})
		} else {
			groups = append(groups, And{Terms: terms})
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return And{Terms: groups}, nil
}

func isAbsent(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func compileEquals(negate bool) compileFunc {
	return func(f FieldRef, c domain.Condition) (Predicate, error) {
		v, err := decodeScalar(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", c.Operator, f.Name, err)
		}
		o, err := typeOperand(f, c.Operator, v)
		if err != nil {
			return nil, err
		}
		if o.Kind == OperandTime && o.DateOnly {
			end := timeOperand(nextDay(o.Time), false)
			if negate {
				return Or{Terms: []Predicate{
					Compare{Field: f, Op: CmpLt, Operand: o},
					Compare{Field: f, Op: CmpGe, Operand: end},
				}}, nil
			}
			return And{Terms: []Predicate{
				Compare{Field: f, Op: CmpGe, Operand: o},
				Compare{Field: f, Op: CmpLt, Operand: end},
			}}, nil
		}
		op := CmpEq
		if negate {
			op = CmpNe
		}
		return Compare{Field: f, Op: op, Operand: o}, nil
	}
}

func compileLike(mode LikeMode, negate bool) compileFunc {
	return func(f FieldRef, c domain.Condition) (Predicate, error) {
		v, err := decodeScalar(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", c.Operator, f.Name, err)
		}
		o, err := typeOperand(f, c.Operator, v)
		if err != nil {
			return nil, err
		}
		if o.Kind != OperandText {
			return nil, fmt.Errorf("%s on %s expects a string value", c.Operator, f.Name)
		}
		return Like{Field: f, Mode: mode, Text: o.Text, Negate: negate}, nil
	}
}

func compileBefore(f FieldRef, c domain.Condition) (Predicate, error) {
	o, err := orderedOperand(f, c)
	if err != nil {
		return nil, err
	}
	return Compare{Field: f, Op: CmpLt, Operand: o}, nil
}

// compileAfter treats a date-only value as the whole day: after 2024-01-31
// starts at 2024-02-01T00:00:00Z.
func compileAfter(f FieldRef, c domain.Condition) (Predicate, error) {
	o, err := orderedOperand(f, c)
	if err != nil {
		return nil, err
	}
	if o.Kind == OperandTime && o.DateOnly {
		return Compare{Field: f, Op: CmpGe, Operand: timeOperand(nextDay(o.Time), false)}, nil
	}
	return Compare{Field: f, Op: CmpGt, Operand: o}, nil
}

func orderedOperand(f FieldRef, c domain.Condition) (Operand, error) {
	v, err := decodeScalar(c.Value)
	if err != nil {
		return Operand{}, fmt.Errorf("%s on %s: %w", c.Operator, f.Name, err)
	}
	o, err := typeOperand(f, c.Operator, v)
	if err != nil {
		return Operand{}, err
	}
	if o.Kind != OperandNumber && o.Kind != OperandTime {
		return Operand{}, fmt.Errorf("%s on %s expects a number or timestamp", c.Operator, f.Name)
	}
	return o, nil
}

// compileBetween builds an inclusive range. A date-only upper bound includes
// its whole day.
func compileBetween(f FieldRef, c domain.Condition) (Predicate, error) {
	items, err := decodeRange(c.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name, err)
	}
	low, err := typeOperand(f, c.Operator, items[0])
	if err != nil {
		return nil, err
	}
	high, err := typeOperand(f, c.Operator, items[1])
	if err != nil {
		return nil, err
	}
	if low.Kind != high.Kind {
		return nil, fmt.Errorf("between bounds on %s must have the same type (%s, %s)", f.Name, low.Kind, high.Kind)
	}
	if low.Kind != OperandNumber && low.Kind != OperandTime {
		return nil, fmt.Errorf("between on %s expects numbers or timestamps", f.Name)
	}
	if low.compareTo(high) > 0 {
		return nil, fmt.Errorf("between on %s: low %s is greater than high %s", f.Name, low, high)
	}
	upper := Predicate(Compare{Field: f, Op: CmpLe, Operand: high})
	if high.Kind == OperandTime && high.DateOnly {
		upper = Compare{Field: f, Op: CmpLt, Operand: timeOperand(nextDay(high.Time), false)}
	}
	return And{Terms: []Predicate{
		Compare{Field: f, Op: CmpGe, Operand: low},
		upper,
	}}, nil
}

func compileEmpty(negate bool) compileFunc {
	return func(f FieldRef, _ domain.Condition) (Predicate, error) {
		return Empty{Field: f, Negate: negate}, nil
	}
}

func compileIn(negate bool) compileFunc {
	return func(f FieldRef, c domain.Condition) (Predicate, error) {
		items, err := decodeList(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", c.Operator, f.Name, err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%s on %s requires at least one value", c.Operator, f.Name)
		}
		operands := make([]Operand, 0, len(items))
		for _, item := range items {
			o, err := typeOperand(f, c.Operator, item)
			if err != nil {
				return nil, err
			}
			if len(operands) > 0 && operands[0].Kind != o.Kind {
				return nil, fmt.Errorf("%s values on %s must share one type", c.Operator, f.Name)
			}
			operands = append(operands, o)
		}
		return In{Field: f, Operands: operands, Negate: negate}, nil
	}
}
