package normalize

import (
	"fmt"
	"math"
	"strconv"
)

// NilPolicy controls what happens to fields whose value is nil. The remote
// store treats an omitted key and an explicit null differently: omission
// leaves the stored value untouched, an explicit null clears it. One policy
// applies to a whole sync run; mixing them mid-run corrupts semantics.
type NilPolicy int

const (
	// PreserveExisting omits nil fields so prior store values survive.
	PreserveExisting NilPolicy = iota
	// ExplicitClear keeps nil fields so the store overwrites with null.
	ExplicitClear
)

// Rule describes how one field is coerced: an optional unit conversion
// applied first, then rounding to Precision decimal places. Fields without a
// rule pass through untouched.
type Rule struct {
	Precision int
	Convert   func(float64) float64
	Integer   bool
}

// Diagnostic records a field that could not be normalized. The field is
// passed through unmodified; a single malformed value never aborts a record.
type Diagnostic struct {
	Field  string
	Reason string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Field, d.Reason)
}

// Record coerces raw field values into store-ready form according to rules
// and the nil policy. Returns the normalized fields and any diagnostics.
func Record(raw map[string]any, rules map[string]Rule, policy NilPolicy) (map[string]any, []Diagnostic) {
	out := make(map[string]any, len(raw))
	var diags []Diagnostic

	for field, value := range raw {
		if isNil(value) {
			if policy == ExplicitClear {
				out[field] = nil
			}
			continue
		}

		rule, ok := rules[field]
		if !ok {
			out[field] = value
			continue
		}

		num, err := toFloat(value)
		if err != nil {
			out[field] = value
			diags = append(diags, Diagnostic{Field: field, Reason: err.Error()})
			continue
		}

		if rule.Convert != nil {
			num = rule.Convert(num)
		}
		if rule.Integer {
			out[field] = int(math.Round(num))
			continue
		}
		out[field] = roundTo(num, rule.Precision)
	}

	return out, diags
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	if p, ok := v.(*float64); ok {
		return p == nil
	}
	return false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case *float64:
		return *n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func roundTo(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

// KmhToMph converts a wind speed from km/h to mph.
func KmhToMph(kmh float64) float64 {
	return kmh * 0.621371
}

// CToF converts a temperature from Celsius to Fahrenheit.
func CToF(c float64) float64 {
	return c*9.0/5.0 + 32.0
}
