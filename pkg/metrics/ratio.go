package metrics

import "math"

// Ratio is a numerator and denominator whose quotient is computed on read.
type Ratio struct {
	Numerator   float64
	Denominator float64
}

// RatioOf creates a Ratio.
func RatioOf(numerator, denominator float64) Ratio {
	return Ratio{Numerator: numerator, Denominator: denominator}
}

// Value returns Numerator/Denominator. A zero, NaN or infinite denominator,
// or a NaN numerator, yields 0.
func (r Ratio) Value() float64 {
	d := r.Denominator
	if d == 0 || math.IsNaN(d) || math.IsInf(d, 0) || math.IsNaN(r.Numerator) {
		return 0
	}
	return r.Numerator / d
}

// Rates is anything exposing exponentially-decayed rates. go-metrics meters
// and timers satisfy it.
type Rates interface {
	Rate1() float64
	Rate5() float64
	Rate15() float64
}

// Window selects one of the decayed rate windows.
type Window int

const (
	OneMinute Window = iota
	FiveMinutes
	FifteenMinutes
)

// Windows lists every rate window in ascending order.
var Windows = []Window{OneMinute, FiveMinutes, FifteenMinutes}

// Suffix returns the short window name used in metric names.
func (w Window) Suffix() string {
	switch w {
	case OneMinute:
		return "1m"
	case FiveMinutes:
		return "5m"
	case FifteenMinutes:
		return "15m"
	default:
		return "unknown"
	}
}

// Of returns the rate of r for this window.
func (w Window) Of(r Rates) float64 {
	switch w {
	case OneMinute:
		return r.Rate1()
	case FiveMinutes:
		return r.Rate5()
	case FifteenMinutes:
		return r.Rate15()
	default:
		return 0
	}
}

// RateRatio returns a supplier computing num's rate over den's rate at window w.
func RateRatio(num, den Rates, w Window) func() Ratio {
	return func() Ratio {
		return RatioOf(w.Of(num), w.Of(den))
	}
}
