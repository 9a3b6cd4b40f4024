package series

import (
	"time"

	"github.com/hensonwx/wxsync/internal/models"
)

// DailyAverage returns the arithmetic mean of samples whose local calendar
// date (in loc) equals date. Nil-valued samples are skipped. Returns nil when
// no samples land on the date; an average is never reported as zero just
// because data was missing.
func DailyAverage(samples []models.Sample, date string, loc *time.Location) *float64 {
	var total float64
	count := 0
	for _, s := range samples {
		if s.Value == nil {
			continue
		}
		if s.Time.In(loc).Format(models.DateLayout) != date {
			continue
		}
		total += *s.Value
		count++
	}
	if count == 0 {
		return nil
	}
	avg := total / float64(count)
	return &avg
}

// DailySum returns the sum of samples on the given local calendar date.
// An empty filtered set yields nil; a non-empty set summing to zero yields 0.
// The two are different answers and must stay different.
func DailySum(samples []models.Sample, date string, loc *time.Location) *float64 {
	var total float64
	found := false
	for _, s := range samples {
		if s.Value == nil {
			continue
		}
		if s.Time.In(loc).Format(models.DateLayout) != date {
			continue
		}
		total += *s.Value
		found = true
	}
	if !found {
		return nil
	}
	return &total
}

// TrailingSum sums every sample with a timestamp in (now-window, now],
// regardless of calendar date. Comparison is by exact timestamp, not sample
// index, so irregular or gap-filled series stay correct.
func TrailingSum(samples []models.Sample, now time.Time, window time.Duration) *float64 {
	cutoff := now.Add(-window)
	var total float64
	found := false
	for _, s := range samples {
		if s.Value == nil {
			continue
		}
		if !s.Time.After(cutoff) || s.Time.After(now) {
			continue
		}
		total += *s.Value
		found = true
	}
	if !found {
		return nil
	}
	return &total
}

// DailyStat computes the full per-day statistics (count, min, max, avg, sum)
// for one local calendar date.
func DailyStat(samples []models.Sample, date string, loc *time.Location) models.DailyStat {
	stat := models.DailyStat{Date: date}
	var total float64
	for _, s := range samples {
		if s.Value == nil {
			continue
		}
		if s.Time.In(loc).Format(models.DateLayout) != date {
			continue
		}
		v := *s.Value
		if stat.SampleCount == 0 {
			min, max := v, v
			stat.Min, stat.Max = &min, &max
		} else {
			if v < *stat.Min {
				*stat.Min = v
			}
			if v > *stat.Max {
				*stat.Max = v
			}
		}
		total += v
		stat.SampleCount++
	}
	if stat.SampleCount > 0 {
		sum := total
		avg := total / float64(stat.SampleCount)
		stat.Sum = &sum
		stat.Avg = &avg
	}
	return stat
}

// Coalesce implements the two-tier fallback: prefer the value derived from
// finer-grained samples, and only when that is nil substitute the coarser
// pre-aggregated figure from the provider's daily series. The fallback is
// explicit here at the call site so the aggregator itself never guesses.
func Coalesce(derived, daily *float64) *float64 {
	if derived != nil {
		return derived
	}
	return daily
}
