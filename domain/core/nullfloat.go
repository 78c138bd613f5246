package core

import (
	"encoding/json"
	"math"
)

// NullFloat is a float64 that may be missing. Every derived quantity in the
// engine (logs, ratios, z-scores) resolves domain errors to a null value
// instead of propagating NaN or Inf.
type NullFloat struct {
	Value float64
	Valid bool
}

// Float returns a valid NullFloat, unless v is NaN or infinite, in which
// case the result is null.
func Float(v float64) NullFloat {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NullFloat{}
	}
	return NullFloat{Value: v, Valid: true}
}

// NullValue returns the missing sentinel.
func NullValue() NullFloat {
	return NullFloat{}
}

// Log returns ln(v), null when v <= 0.
func Log(v float64) NullFloat {
	if v <= 0 {
		return NullFloat{}
	}
	return Float(math.Log(v))
}

// Ratio returns num/den, null when den == 0 or the quotient is not finite.
func Ratio(num, den float64) NullFloat {
	if den == 0 {
		return NullFloat{}
	}
	return Float(num / den)
}

// Or returns the value when valid, otherwise the fallback.
func (n NullFloat) Or(fallback float64) float64 {
	if n.Valid {
		return n.Value
	}
	return fallback
}

// Ptr returns a *float64 for JSON-facing structs: nil when null.
func (n NullFloat) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// MarshalJSON encodes null values as JSON null.
func (n NullFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// UnmarshalJSON decodes JSON null as a missing value.
func (n *NullFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = NullFloat{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Float(v)
	return nil
}
