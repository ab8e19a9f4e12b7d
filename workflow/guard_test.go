package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateGuardEmpty(t *testing.T) {
	execContext := NewJSONContextFromMap(map[string]any{"montant": 100})

	assert.True(t, EvaluateGuard(nil, execContext))
	assert.True(t, EvaluateGuard(&Guard{}, execContext))
}

func TestEvaluateGuardOperators(t *testing.T) {
	execContext := NewJSONContextFromMap(map[string]any{
		"montant":   1500000,
		"procedure": "AOO",
		"urgent":    true,
		"dossier": map[string]any{
			"statut": "complet",
		},
	})

	cases := []struct {
		name string
		cond GuardCondition
		want bool
	}{
		{"eq string", GuardCondition{Field: "procedure", Operator: OperatorEq, Value: "AOO"}, true},
		{"eq bool", GuardCondition{Field: "urgent", Operator: OperatorEq, Value: true}, true},
		{"eq cross numeric", GuardCondition{Field: "montant", Operator: OperatorEq, Value: float64(1500000)}, true},
		{"neq", GuardCondition{Field: "procedure", Operator: OperatorNeq, Value: "AOR"}, true},
		{"gt", GuardCondition{Field: "montant", Operator: OperatorGt, Value: 1000000}, true},
		{"gt false", GuardCondition{Field: "montant", Operator: OperatorGt, Value: 2000000}, false},
		{"gte boundary", GuardCondition{Field: "montant", Operator: OperatorGte, Value: 1500000}, true},
		{"lt", GuardCondition{Field: "montant", Operator: OperatorLt, Value: 2000000}, true},
		{"lte boundary", GuardCondition{Field: "montant", Operator: OperatorLte, Value: 1500000}, true},
		{"in", GuardCondition{Field: "procedure", Operator: OperatorIn, Value: []any{"AOO", "AOR"}}, true},
		{"in miss", GuardCondition{Field: "procedure", Operator: OperatorIn, Value: []any{"AOR", "DC"}}, false},
		{"not_in", GuardCondition{Field: "procedure", Operator: OperatorNotIn, Value: []any{"AOR", "DC"}}, true},
		{"contains", GuardCondition{Field: "dossier.statut", Operator: OperatorContains, Value: "compl"}, true},
		{"regex", GuardCondition{Field: "procedure", Operator: OperatorRegex, Value: "^AO[OR]$"}, true},
		{"regex miss", GuardCondition{Field: "procedure", Operator: OperatorRegex, Value: "^DC$"}, false},
		{"nested path", GuardCondition{Field: "dossier.statut", Operator: OperatorEq, Value: "complet"}, true},
		{"ordering on string fails", GuardCondition{Field: "procedure", Operator: OperatorGt, Value: 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			guard := &Guard{Conditions: []GuardCondition{tc.cond}}
			assert.Equal(t, tc.want, EvaluateGuard(guard, execContext))
		})
	}
}

func TestEvaluateGuardAbsentField(t *testing.T) {
	execContext := NewJSONContextFromMap(map[string]any{"montant": 100})

	check := func(cond GuardCondition, want bool) {
		t.Helper()
		assert.Equal(t, want, EvaluateGuard(&Guard{Conditions: []GuardCondition{cond}}, execContext))
	}

	check(GuardCondition{Field: "absent", Operator: OperatorEq, Value: "x"}, false)
	check(GuardCondition{Field: "absent", Operator: OperatorGt, Value: 1}, false)
	check(GuardCondition{Field: "absent", Operator: OperatorIn, Value: []any{"x"}}, false)
	check(GuardCondition{Field: "absent", Operator: OperatorContains, Value: "x"}, false)
	check(GuardCondition{Field: "absent", Operator: OperatorRegex, Value: ".*"}, false)
	// the two negative operators treat absence as trivially satisfied
	check(GuardCondition{Field: "absent", Operator: OperatorNeq, Value: "x"}, true)
	check(GuardCondition{Field: "absent", Operator: OperatorNotIn, Value: []any{"x"}}, true)
}

func TestEvaluateGuardConjunction(t *testing.T) {
	execContext := NewJSONContextFromMap(map[string]any{
		"montant":   1500000,
		"procedure": "AOO",
	})

	both := &Guard{Conditions: []GuardCondition{
		{Field: "procedure", Operator: OperatorEq, Value: "AOO"},
		{Field: "montant", Operator: OperatorGt, Value: 1000000},
	}}
	assert.True(t, EvaluateGuard(both, execContext))

	oneFails := &Guard{Conditions: []GuardCondition{
		{Field: "procedure", Operator: OperatorEq, Value: "AOO"},
		{Field: "montant", Operator: OperatorGt, Value: 2000000},
	}}
	assert.False(t, EvaluateGuard(oneFails, execContext))
}

func TestEvaluateGuardInvalidRegex(t *testing.T) {
	execContext := NewJSONContextFromMap(map[string]any{"procedure": "AOO"})

	guard := &Guard{Conditions: []GuardCondition{
		{Field: "procedure", Operator: OperatorRegex, Value: "(["},
	}}
	assert.False(t, EvaluateGuard(guard, execContext))
}

func TestGuardUnmarshalShapes(t *testing.T) {
	t.Run("null", func(t *testing.T) {
		var guard Guard
		require.NoError(t, json.Unmarshal([]byte(`null`), &guard))
		assert.True(t, guard.IsEmpty())
	})

	t.Run("single object", func(t *testing.T) {
		var guard Guard
		raw := `{"field": "montant", "operator": "gt", "value": 1000000}`
		require.NoError(t, json.Unmarshal([]byte(raw), &guard))
		require.Len(t, guard.Conditions, 1)
		assert.Equal(t, OperatorGt, guard.Conditions[0].Operator)
	})

	t.Run("array", func(t *testing.T) {
		var guard Guard
		raw := `[{"field": "a", "operator": "eq", "value": 1}, {"field": "b", "operator": "neq", "value": 2}]`
		require.NoError(t, json.Unmarshal([]byte(raw), &guard))
		assert.Len(t, guard.Conditions, 2)
	})
}
