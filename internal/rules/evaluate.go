package rules

import (
	"encoding/json"
	"fmt"
)

// EvalContext is the flat field map a Condition is evaluated against. The
// risk engine builds one per event from the event payload plus derived
// velocity/geo signals.
type EvalContext map[string]interface{}

// Matches reports whether c holds against ctx. Grounded in the teacher's
// scoring.RuleEngine condition evaluator, generalized from a fixed struct to
// an open field map since rule sources are author-defined.
func (c Condition) Matches(ctx EvalContext) bool {
	switch c.Type {
	case "threshold":
		return c.matchThreshold(ctx)
	case "compound":
		return c.matchCompound(ctx)
	case "time_range":
		return c.matchTimeRange(ctx)
	default:
		return false
	}
}

func (c Condition) matchThreshold(ctx EvalContext) bool {
	fieldValue, ok := ctx[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case ">":
		return compareFloat(fieldValue, c.Value, func(a, b float64) bool { return a > b })
	case "<":
		return compareFloat(fieldValue, c.Value, func(a, b float64) bool { return a < b })
	case ">=":
		return compareFloat(fieldValue, c.Value, func(a, b float64) bool { return a >= b })
	case "<=":
		return compareFloat(fieldValue, c.Value, func(a, b float64) bool { return a <= b })
	case "=", "==":
		return compareEqual(fieldValue, c.Value)
	case "!=":
		return !compareEqual(fieldValue, c.Value)
	default:
		return false
	}
}

func (c Condition) matchCompound(ctx EvalContext) bool {
	if len(c.Conditions) == 0 {
		return false
	}

	switch c.Operator {
	case "AND":
		for _, sub := range c.Conditions {
			if !sub.Matches(ctx) {
				return false
			}
		}
		return true
	case "OR":
		for _, sub := range c.Conditions {
			if sub.Matches(ctx) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (c Condition) matchTimeRange(ctx EvalContext) bool {
	hourVal, ok := ctx["hour"]
	if !ok {
		return false
	}
	hour, ok := toFloat64(hourVal)
	if !ok {
		return false
	}
	return int(hour) >= c.Start && int(hour) < c.End
}

func compareFloat(a, b interface{}, cmp func(float64, float64) bool) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if !aOk || !bOk {
		return false
	}
	return cmp(aFloat, bFloat)
}

func compareEqual(a, b interface{}) bool {
	if aBool, ok := a.(bool); ok {
		if bBool, ok := b.(bool); ok {
			return aBool == bBool
		}
	}
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if aOk && bOk {
		return aFloat == bFloat
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
