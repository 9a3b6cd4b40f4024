package models

import (
	"time"
)

// DateLayout is the natural-key format used to match records across fetch
// cycles. Every date key in the system is a local calendar date in this form.
const DateLayout = "2006-01-02"

// Sample is a single provider observation for one variable. A nil Value means
// the provider reported no data for that timestamp; it is never zero.
type Sample struct {
	Time  time.Time
	Value *float64
}

// DailyStat holds per-day statistics derived from hourly samples. The optional
// fields are nil when no samples fell on the day; a day of all-zero samples
// yields Sum of 0, not nil.
type DailyStat struct {
	Date        string
	SampleCount int
	Min         *float64
	Max         *float64
	Avg         *float64
	Sum         *float64
}

// NormalizedRecord is a store-ready record keyed by its calendar date.
// Field values are rounded, unit-converted, and typed for the remote store.
type NormalizedRecord struct {
	DateKey string
	Fields  map[string]any
}

// StoreRecord is an existing record in the remote store. The ID is opaque and
// owned by the store; wxsync never invents one.
type StoreRecord struct {
	ID      string
	DateKey string
	Fields  map[string]any
}

// DecisionKind classifies what a reconciled record needs.
type DecisionKind int

const (
	DecisionCreate DecisionKind = iota
	DecisionUpdate
	DecisionNoOp
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionCreate:
		return "create"
	case DecisionUpdate:
		return "update"
	case DecisionNoOp:
		return "noop"
	}
	return "unknown"
}

// Decision is the reconciliation outcome for one date key. Updates carry only
// the fields that drifted, never the whole record.
type Decision struct {
	Kind     DecisionKind
	DateKey  string
	RecordID string // set for updates only
	Fields   map[string]any
}

// Chunk is an inclusive date sub-range processed as one retry/commit unit.
type Chunk struct {
	Start time.Time
	End   time.Time
}

func (c Chunk) String() string {
	return c.Start.Format(DateLayout) + ".." + c.End.Format(DateLayout)
}

// Days returns the number of calendar days the chunk covers.
func (c Chunk) Days() int {
	return int(c.End.Sub(c.Start).Hours()/24) + 1
}
