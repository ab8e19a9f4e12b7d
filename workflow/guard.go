package workflow

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
)

type GuardOperator = string

const (
	OperatorEq       GuardOperator = "eq"
	OperatorNeq      GuardOperator = "neq"
	OperatorGt       GuardOperator = "gt"
	OperatorGte      GuardOperator = "gte"
	OperatorLt       GuardOperator = "lt"
	OperatorLte      GuardOperator = "lte"
	OperatorIn       GuardOperator = "in"
	OperatorNotIn    GuardOperator = "not_in"
	OperatorContains GuardOperator = "contains"
	OperatorRegex    GuardOperator = "regex"
)

func IsValidGuardOperator(op GuardOperator) bool {
	switch op {
	case OperatorEq, OperatorNeq, OperatorGt, OperatorGte, OperatorLt, OperatorLte,
		OperatorIn, OperatorNotIn, OperatorContains, OperatorRegex:
		return true
	}
	return false
}

// GuardCondition is one {field, operator, value} predicate. Field is a
// dot-separated path into the execution context.
type GuardCondition struct {
	Field    string        `json:"field" validate:"required"`
	Operator GuardOperator `json:"operator" validate:"required"`
	Value    any           `json:"value"`
}

// Guard is the stored guard shape: nil means always true, otherwise a
// conjunction of conditions. The authoring format accepts either a single
// condition object or an array; both unmarshal into Conditions.
type Guard struct {
	Conditions []GuardCondition
}

func (g *Guard) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		g.Conditions = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(b, &g.Conditions)
	}
	var single GuardCondition
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	g.Conditions = []GuardCondition{single}
	return nil
}

func (g *Guard) MarshalJSON() ([]byte, error) {
	if g == nil || len(g.Conditions) == 0 {
		return []byte("null"), nil
	}
	if len(g.Conditions) == 1 {
		return json.Marshal(g.Conditions[0])
	}
	return json.Marshal(g.Conditions)
}

// IsEmpty reports whether the guard always passes.
func (g *Guard) IsEmpty() bool {
	return g == nil || len(g.Conditions) == 0
}

// EvaluateGuard evaluates a guard against an execution context.
// A nil guard is always true; multiple conditions combine with AND.
// The function is pure and safe for concurrent use from many instances.
func EvaluateGuard(guard *Guard, execContext *JSONContext) bool {
	if guard.IsEmpty() {
		return true
	}
	if execContext == nil {
		execContext = NewJSONContext(nil)
	}
	for _, cond := range guard.Conditions {
		if !evaluateCondition(cond, execContext) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond GuardCondition, execContext *JSONContext) bool {
	actual, present := execContext.GetPath(cond.Field)

	switch cond.Operator {
	case OperatorEq:
		return present && looseEqual(actual, cond.Value)
	case OperatorNeq:
		// an absent field is not equal to anything
		if !present {
			return true
		}
		return !looseEqual(actual, cond.Value)
	case OperatorGt, OperatorGte, OperatorLt, OperatorLte:
		return evaluateOrdering(cond.Operator, actual, cond.Value, present)
	case OperatorIn:
		values, ok := cond.Value.([]any)
		if !ok || !present {
			return false
		}
		return containsValue(values, actual)
	case OperatorNotIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		if !present {
			// absent is not contained in any list
			return true
		}
		return !containsValue(values, actual)
	case OperatorContains:
		haystack, okA := actual.(string)
		needle, okB := cond.Value.(string)
		return present && okA && okB && strings.Contains(haystack, needle)
	case OperatorRegex:
		subject, okA := actual.(string)
		pattern, okB := cond.Value.(string)
		if !present || !okA || !okB {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// an invalid pattern evaluates to false, never raises
			return false
		}
		return re.MatchString(subject)
	}
	return false
}

// evaluateOrdering handles gt/gte/lt/lte, numeric operands only.
func evaluateOrdering(op GuardOperator, actual, expected any, present bool) bool {
	if !present {
		return false
	}
	a, okA := toFloat(actual)
	b, okB := toFloat(expected)
	if !okA || !okB {
		// type mismatch on an ordering operator is false, not an error
		return false
	}
	switch op {
	case OperatorGt:
		return a > b
	case OperatorGte:
		return a >= b
	case OperatorLt:
		return a < b
	case OperatorLte:
		return a <= b
	}
	return false
}

func containsValue(values []any, target any) bool {
	for _, v := range values {
		if looseEqual(v, target) {
			return true
		}
	}
	return false
}

// looseEqual compares across the numeric types JSON decoding produces,
// so 3 written by Go code matches 3.0 read back from storage.
func looseEqual(a, b any) bool {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		// maps and slices out of the context are never comparable with ==
		return reflect.DeepEqual(a, b)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
