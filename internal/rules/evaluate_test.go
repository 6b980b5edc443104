package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/internal/rules"
)

func TestConditionMatchesThreshold(t *testing.T) {
	ctx := rules.EvalContext{"amount": 1500.0}

	cases := []struct {
		name     string
		cond     rules.Condition
		expected bool
	}{
		{"greater_than_true", rules.Condition{Type: "threshold", Field: "amount", Operator: ">", Value: 1000}, true},
		{"greater_than_false", rules.Condition{Type: "threshold", Field: "amount", Operator: ">", Value: 2000}, false},
		{"less_equal_boundary", rules.Condition{Type: "threshold", Field: "amount", Operator: "<=", Value: 1500}, true},
		{"missing_field", rules.Condition{Type: "threshold", Field: "nonexistent", Operator: ">", Value: 0}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.cond.Matches(ctx))
		})
	}
}

func TestConditionMatchesEquality(t *testing.T) {
	ctx := rules.EvalContext{"is_sanctioned_country": true, "country": "KP"}

	boolCond := rules.Condition{Type: "threshold", Field: "is_sanctioned_country", Operator: "=", Value: true}
	assert.True(t, boolCond.Matches(ctx))

	stringCond := rules.Condition{Type: "threshold", Field: "country", Operator: "=", Value: "KP"}
	assert.True(t, stringCond.Matches(ctx))

	negated := rules.Condition{Type: "threshold", Field: "country", Operator: "!=", Value: "US"}
	assert.True(t, negated.Matches(ctx))
}

func TestConditionMatchesCompound(t *testing.T) {
	ctx := rules.EvalContext{"is_new_location": true, "amount": 1500.0}

	and := rules.Condition{
		Type:     "compound",
		Operator: "AND",
		Conditions: []rules.Condition{
			{Type: "threshold", Field: "is_new_location", Operator: "=", Value: true},
			{Type: "threshold", Field: "amount", Operator: ">", Value: 1000},
		},
	}
	assert.True(t, and.Matches(ctx))

	andFalse := rules.Condition{
		Type:     "compound",
		Operator: "AND",
		Conditions: []rules.Condition{
			{Type: "threshold", Field: "is_new_location", Operator: "=", Value: true},
			{Type: "threshold", Field: "amount", Operator: ">", Value: 5000},
		},
	}
	assert.False(t, andFalse.Matches(ctx))

	or := rules.Condition{
		Type:     "compound",
		Operator: "OR",
		Conditions: []rules.Condition{
			{Type: "threshold", Field: "amount", Operator: ">", Value: 5000},
			{Type: "threshold", Field: "is_new_location", Operator: "=", Value: true},
		},
	}
	assert.True(t, or.Matches(ctx))

	empty := rules.Condition{Type: "compound", Operator: "AND"}
	assert.False(t, empty.Matches(ctx))
}

func TestConditionMatchesTimeRange(t *testing.T) {
	night := rules.Condition{Type: "time_range", Field: "hour", Start: 0, End: 5}

	assert.True(t, night.Matches(rules.EvalContext{"hour": 2.0}))
	assert.False(t, night.Matches(rules.EvalContext{"hour": 5.0}))
	assert.False(t, night.Matches(rules.EvalContext{"hour": 12.0}))
	assert.False(t, night.Matches(rules.EvalContext{}))
}

func TestConditionMatchesUnknownType(t *testing.T) {
	cond := rules.Condition{Type: "bogus"}
	assert.False(t, cond.Matches(rules.EvalContext{}))
}
