package drift

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/hensonwx/wxsync/internal/metrics"
	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/normalize"
	"github.com/hensonwx/wxsync/internal/provider"
	"github.com/hensonwx/wxsync/internal/sync"
)

// Result is the drift verdict for one field of one stored record.
type Result struct {
	DateKey    string
	Field      string
	Stored     float64
	Recomputed float64
	Delta      float64
	Pct        float64
	Status     Status
}

// Report collects the per-field results of one drift check, worst first.
type Report struct {
	Start     time.Time
	End       time.Time
	Results   []Result
	Worst     Status
	Checked   int
	MissingAt []string // dates present upstream but absent from the store
}

// Checker re-derives records from the provider and grades each stored
// numeric field against its recomputation. It never writes: drift detection
// is read-only by design of the check, repairs go through a normal sync.
type Checker struct {
	provider   provider.Provider
	store      sync.RecordStore
	thresholds Thresholds
	location   *time.Location
	fields     []string
}

func NewChecker(p provider.Provider, store sync.RecordStore, t Thresholds, loc *time.Location) *Checker {
	if loc == nil {
		loc = time.UTC
	}
	return &Checker{
		provider:   p,
		store:      store,
		thresholds: t,
		location:   loc,
		fields:     sync.NumericFields(),
	}
}

// Check recomputes the inclusive date range [start, end] and compares it to
// the store. A stored field that cannot be recomputed is skipped; a field
// that recomputes but is missing from the store drifts from zero.
func (c *Checker) Check(ctx context.Context, start, end time.Time) (*Report, error) {
	set, err := c.provider.Fetch(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	records, _ := sync.BuildRecords(set, c.location, time.Now(), false, normalize.PreserveExisting)

	existing, err := c.store.ListExisting(ctx)
	if err != nil {
		return nil, fmt.Errorf("list existing: %w", err)
	}

	report := &Report{Start: start, End: end, Worst: StatusOK}
	for _, rec := range records {
		stored, ok := existing[rec.DateKey]
		if !ok {
			report.MissingAt = append(report.MissingAt, rec.DateKey)
			continue
		}
		c.checkRecord(report, rec, stored)
	}
	sort.Slice(report.Results, func(i, j int) bool {
		if report.Results[i].Status != report.Results[j].Status {
			return report.Results[i].Status > report.Results[j].Status
		}
		if report.Results[i].DateKey != report.Results[j].DateKey {
			return report.Results[i].DateKey < report.Results[j].DateKey
		}
		return report.Results[i].Field < report.Results[j].Field
	})

	metrics.DriftWorstStatus.Set(float64(report.Worst))
	log.Printf("drift: checked %d fields across %d records, worst %s",
		report.Checked, len(records), report.Worst)
	return report, nil
}

func (c *Checker) checkRecord(report *Report, rec models.NormalizedRecord, stored models.StoreRecord) {
	for _, field := range c.fields {
		recomputed, ok := asFloat(rec.Fields[field])
		if !ok {
			continue
		}
		// A recomputable field missing from the store is graded as if the
		// store held zero.
		storedVal, _ := asFloat(stored.Fields[field])

		status, delta, pct := Classify(storedVal, recomputed, c.thresholds)
		report.Checked++
		report.Worst = Worst(report.Worst, status)
		if status == StatusOK {
			continue
		}
		report.Results = append(report.Results, Result{
			DateKey:    rec.DateKey,
			Field:      field,
			Stored:     storedVal,
			Recomputed: recomputed,
			Delta:      delta,
			Pct:        pct,
			Status:     status,
		})
	}
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
