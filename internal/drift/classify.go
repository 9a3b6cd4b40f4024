package drift

import "math"

// Status grades how far a stored value sits from its recomputed counterpart.
type Status int

const (
	StatusOK Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	}
	return "unknown"
}

// Thresholds classify absolute and relative drift. A delta at or above a
// fail threshold fails; otherwise at or above a warn threshold warns.
// Absolute and percentage checks are independent: either can escalate.
type Thresholds struct {
	AbsWarn float64
	AbsFail float64
	PctWarn float64
	PctFail float64
}

// DefaultThresholds suit the field magnitudes wxsync stores: tenths matter
// for temperatures, whole units for accumulations.
func DefaultThresholds() Thresholds {
	return Thresholds{AbsWarn: 0.1, AbsFail: 1.0, PctWarn: 2.0, PctFail: 10.0}
}

// Classify grades the drift between a stored value and its recomputation,
// returning the status, the absolute delta, and the relative drift expressed
// in percent (delta/denominator * 100) — the Pct* thresholds are on the same
// percent scale. The denominator is the stored magnitude; when the stored
// value is zero the recomputed magnitude stands in, and when both are zero
// the denominator is 1 so a zero-vs-zero comparison stays OK.
func Classify(stored, recomputed float64, t Thresholds) (Status, float64, float64) {
	delta := math.Abs(recomputed - stored)

	denom := math.Abs(stored)
	if denom == 0 {
		denom = math.Abs(recomputed)
	}
	if denom == 0 {
		denom = 1
	}
	pct := delta / denom * 100

	switch {
	case delta >= t.AbsFail || pct >= t.PctFail:
		return StatusFail, delta, pct
	case delta >= t.AbsWarn || pct >= t.PctWarn:
		return StatusWarn, delta, pct
	}
	return StatusOK, delta, pct
}

// Worst returns the most severe of two statuses.
func Worst(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}
