package reconcile

import (
	"fmt"
	"log"
	"strings"

	"github.com/hensonwx/wxsync/internal/models"
)

// Tolerance bounds how far a numeric field may move before it counts as
// drifted. Comparison is strictly greater-than: a change of exactly AbsEps is
// not drift. Percentage thresholds live in the drift classifier, not here.
type Tolerance struct {
	AbsEps float64
}

// AmbiguousKeyError reports more than one existing store record claiming the
// same date key. That means the store data is corrupt; it is never resolved
// silently.
type AmbiguousKeyError struct {
	DateKey   string
	RecordIDs []string
}

func (e *AmbiguousKeyError) Error() string {
	return fmt.Sprintf("ambiguous date key %s: records %s", e.DateKey, strings.Join(e.RecordIDs, ", "))
}

// Reconcile matches incoming records to existing store records by date key
// and classifies each as create, update, or no-op. Updates carry only the
// fields that drifted. Fields absent from an incoming record are never
// compared, so values owned by other producers stay untouched.
func Reconcile(incoming []models.NormalizedRecord, existing map[string]models.StoreRecord, tol Tolerance) []models.Decision {
	decisions := make([]models.Decision, 0, len(incoming))

	for _, rec := range incoming {
		stored, ok := existing[rec.DateKey]
		if !ok {
			decisions = append(decisions, models.Decision{
				Kind:    models.DecisionCreate,
				DateKey: rec.DateKey,
				Fields:  rec.Fields,
			})
			continue
		}

		changed := map[string]any{}
		for field, newVal := range rec.Fields {
			oldVal, present := stored.Fields[field]
			if !present {
				changed[field] = newVal
				continue
			}
			if fieldDrifted(oldVal, newVal, tol) {
				log.Printf("reconcile: %s %s changed %v -> %v", rec.DateKey, field, oldVal, newVal)
				changed[field] = newVal
			}
		}

		if len(changed) == 0 {
			decisions = append(decisions, models.Decision{
				Kind:     models.DecisionNoOp,
				DateKey:  rec.DateKey,
				RecordID: stored.ID,
			})
			continue
		}

		decisions = append(decisions, models.Decision{
			Kind:     models.DecisionUpdate,
			DateKey:  rec.DateKey,
			RecordID: stored.ID,
			Fields:   changed,
		})
	}

	return decisions
}

func fieldDrifted(oldVal, newVal any, tol Tolerance) bool {
	oldNum, oldOK := asFloat(oldVal)
	newNum, newOK := asFloat(newVal)
	if oldOK && newOK {
		diff := newNum - oldNum
		if diff < 0 {
			diff = -diff
		}
		return diff > tol.AbsEps
	}
	return !equalValues(oldVal, newVal)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}
