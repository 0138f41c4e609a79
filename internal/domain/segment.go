package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operator is a condition comparison operator. The set is closed; see
// Operators.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpBefore      Operator = "before"
	OpAfter       Operator = "after"
	OpBetween     Operator = "between"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpInList      Operator = "in_list"
	OpNotInList   Operator = "not_in_list"
)

// Operators returns every operator in declaration order.
func Operators() []Operator {
	return []Operator{
		OpEquals, OpNotEquals,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpBefore, OpAfter, OpBetween,
		OpIsEmpty, OpIsNotEmpty,
		OpInList, OpNotInList,
	}
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	for _, known := range Operators() {
		if op == known {
			return true
		}
	}
	return false
}

// RequiresValue reports whether the operator takes a value operand.
func (op Operator) RequiresValue() bool {
	return op != OpIsEmpty && op != OpIsNotEmpty
}

// MatchMode combines the conditions of one group.
type MatchMode string

const (
	MatchAll MatchMode = "all"
	MatchAny MatchMode = "any"
)

// Condition is one atomic predicate. Value holds the raw JSON operand so the
// definition round-trips byte for byte; it is typed at validation time.
type Condition struct {
	Field    string          `json:"field"`
	Operator Operator        `json:"operator"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// ConditionGroup joins its conditions by Match.
type ConditionGroup struct {
	Match      MatchMode   `json:"match"`
	Conditions []Condition `json:"conditions"`
}

// Rules is the top-level rule set. Groups are always ANDed together.
type Rules []ConditionGroup

// Segment is a named, reusable rule set owned by one team.
//
// SubscriberCount is a cache valid as of LastCalculatedAt; it is only
// refreshed by explicit recalculation.
type Segment struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	TeamID           uuid.UUID  `json:"team_id" db:"team_id"`
	Name             string     `json:"name" db:"name"`
	Description      string     `json:"description,omitempty" db:"description"`
	Conditions       Rules      `json:"conditions" db:"conditions"`
	SubscriberCount  int        `json:"subscriber_count" db:"subscriber_count"`
	LastCalculatedAt *time.Time `json:"last_calculated_at,omitempty" db:"last_calculated_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt        *time.Time `json:"-" db:"deleted_at"`
}
