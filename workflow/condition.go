package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator compares a form value against a condition's reference value.
type Operator string

// Condition operators.
const (
	OpEquals              Operator = "EQUALS"
	OpNotEquals           Operator = "NOT_EQUALS"
	OpGreaterThan         Operator = "GREATER_THAN"
	OpLessThan            Operator = "LESS_THAN"
	OpGreaterThanOrEquals Operator = "GREATER_THAN_OR_EQUALS"
	OpLessThanOrEquals    Operator = "LESS_THAN_OR_EQUALS"
	OpContains            Operator = "CONTAINS"
	OpNotContains         Operator = "NOT_CONTAINS"
	OpIn                  Operator = "IN"
	OpNotIn               Operator = "NOT_IN"
	OpIsEmpty             Operator = "IS_EMPTY"
	OpIsNotEmpty          Operator = "IS_NOT_EMPTY"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpGreaterThanOrEquals, OpLessThanOrEquals, OpContains,
		OpNotContains, OpIn, OpNotIn, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// ConditionLogic combines the clauses of a group.
type ConditionLogic string

// Group logic.
const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// Condition is a single comparison against a form value key.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// ConditionGroup combines conditions with AND/OR logic.
type ConditionGroup struct {
	Logic      ConditionLogic `json:"logic"`
	Conditions []Condition    `json:"conditions"`
}

// Evaluate applies the group against the ticket's form values. An empty
// group is vacuously true.
func (g *ConditionGroup) Evaluate(values map[string]any) (bool, error) {
	if g == nil || len(g.Conditions) == 0 {
		return true, nil
	}
	for _, c := range g.Conditions {
		ok, err := c.Evaluate(values)
		if err != nil {
			return false, err
		}
		switch g.Logic {
		case LogicOr:
			if ok {
				return true, nil
			}
		default: // AND
			if !ok {
				return false, nil
			}
		}
	}
	return g.Logic != LogicOr, nil
}

// Evaluate applies a single condition against the form values.
func (c *Condition) Evaluate(values map[string]any) (bool, error) {
	actual, present := values[c.Field]

	switch c.Operator {
	case OpIsEmpty:
		return !present || isEmptyValue(actual), nil
	case OpIsNotEmpty:
		return present && !isEmptyValue(actual), nil
	}

	if !present {
		// Absent values never satisfy a positive comparison, but they
		// do satisfy the negated ones.
		return c.Operator == OpNotEquals || c.Operator == OpNotContains || c.Operator == OpNotIn, nil
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(actual, c.Value), nil
	case OpNotEquals:
		return !looseEqual(actual, c.Value), nil
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEquals, OpLessThanOrEquals:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("operator %s requires numeric values for field %s", c.Operator, c.Field)
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b, nil
		case OpLessThan:
			return a < b, nil
		case OpGreaterThanOrEquals:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		return contains(actual, c.Value), nil
	case OpNotContains:
		return !contains(actual, c.Value), nil
	case OpIn:
		return memberOf(actual, c.Value), nil
	case OpNotIn:
		return !memberOf(actual, c.Value), nil
	}
	return false, fmt.Errorf("unknown operator: %s", c.Operator)
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// looseEqual compares after string/number normalization: JSON round-trips
// turn numbers into float64 while authors write them as strings or ints.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// contains handles both substring match on strings and element match on
// slices.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, toString(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == toString(needle) {
				return true
			}
		}
	}
	return false
}

// memberOf reports whether the actual value appears in the condition's
// list value.
func memberOf(actual, list any) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if looseEqual(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if toString(actual) == item {
				return true
			}
		}
	}
	return false
}
