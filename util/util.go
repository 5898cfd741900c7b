// Package util contains misc internal utilities.
package util

import "math"

// Limiter holds software limits for an axis.  A zero Limiter
// (Min == Max == 0) imposes no limit.
type Limiter struct {
	Min float64 `json:"min" yaml:"Min" koanf:"Min"`
	Max float64 `json:"max" yaml:"Max" koanf:"Max"`
}

// Check returns true if the value is within the limits, inclusive
func (l Limiter) Check(f float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	if math.IsNaN(f) {
		return false
	}
	return f >= l.Min && f <= l.Max
}
