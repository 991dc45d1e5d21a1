package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluate(t *testing.T) {
	values := map[string]any{
		"amount":   float64(2500), // JSON numbers decode as float64
		"category": "hardware",
		"tags":     []any{"urgent", "laptop"},
		"notes":    "",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "category", Operator: OpEquals, Value: "hardware"}, true},
		{"equals mismatched", Condition{Field: "category", Operator: OpEquals, Value: "software"}, false},
		{"equals numeric across types", Condition{Field: "amount", Operator: OpEquals, Value: 2500}, true},
		{"equals numeric string", Condition{Field: "amount", Operator: OpEquals, Value: "2500"}, true},
		{"not equals", Condition{Field: "category", Operator: OpNotEquals, Value: "software"}, true},
		{"greater than", Condition{Field: "amount", Operator: OpGreaterThan, Value: 1000}, true},
		{"greater than boundary", Condition{Field: "amount", Operator: OpGreaterThan, Value: 2500}, false},
		{"greater than or equals boundary", Condition{Field: "amount", Operator: OpGreaterThanOrEquals, Value: 2500}, true},
		{"less than", Condition{Field: "amount", Operator: OpLessThan, Value: 5000}, true},
		{"contains substring", Condition{Field: "category", Operator: OpContains, Value: "hard"}, true},
		{"contains slice element", Condition{Field: "tags", Operator: OpContains, Value: "urgent"}, true},
		{"not contains", Condition{Field: "tags", Operator: OpNotContains, Value: "desktop"}, true},
		{"in list", Condition{Field: "category", Operator: OpIn, Value: []any{"hardware", "software"}}, true},
		{"not in list", Condition{Field: "category", Operator: OpNotIn, Value: []any{"travel"}}, true},
		{"is empty on blank string", Condition{Field: "notes", Operator: OpIsEmpty}, true},
		{"is not empty", Condition{Field: "category", Operator: OpIsNotEmpty}, true},
		{"is empty on absent field", Condition{Field: "missing", Operator: OpIsEmpty}, true},
		{"absent field fails positive comparison", Condition{Field: "missing", Operator: OpEquals, Value: "x"}, false},
		{"absent field satisfies not equals", Condition{Field: "missing", Operator: OpNotEquals, Value: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Evaluate(values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionNumericOperatorRejectsText(t *testing.T) {
	cond := Condition{Field: "category", Operator: OpGreaterThan, Value: 10}
	_, err := cond.Evaluate(map[string]any{"category": "hardware"})
	assert.Error(t, err)
}

func TestConditionGroupEvaluate(t *testing.T) {
	values := map[string]any{"amount": float64(2500), "category": "hardware"}

	t.Run("empty group is vacuously true", func(t *testing.T) {
		ok, err := (&ConditionGroup{}).Evaluate(values)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = (*ConditionGroup)(nil).Evaluate(values)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("and requires every clause", func(t *testing.T) {
		g := &ConditionGroup{Logic: LogicAnd, Conditions: []Condition{
			{Field: "amount", Operator: OpGreaterThan, Value: 1000},
			{Field: "category", Operator: OpEquals, Value: "software"},
		}}
		ok, err := g.Evaluate(values)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("or requires any clause", func(t *testing.T) {
		g := &ConditionGroup{Logic: LogicOr, Conditions: []Condition{
			{Field: "amount", Operator: OpGreaterThan, Value: 10000},
			{Field: "category", Operator: OpEquals, Value: "hardware"},
		}}
		ok, err := g.Evaluate(values)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
