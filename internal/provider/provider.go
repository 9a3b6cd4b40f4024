package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hensonwx/wxsync/internal/models"
)

// Provider fetches raw time-series observations for an inclusive date range.
// Implementations must return *TransientError for retryable conditions
// (timeouts, 5xx, rate limits) and *MalformedError for responses that came
// back 200 but are structurally unusable, so the sync driver can tell a
// provider outage from a real failure.
type Provider interface {
	Fetch(ctx context.Context, start, end time.Time) (*SeriesSet, error)
	Name() string
}

// SeriesSet is one provider response: hourly sample series plus the
// provider's own pre-aggregated daily series, both keyed by variable name.
type SeriesSet struct {
	// Dates are the daily-series date keys, ascending.
	Dates []string
	// HourlyTimes are the timestamps shared by every hourly series.
	HourlyTimes []time.Time
	// Hourly maps variable name to values parallel to HourlyTimes.
	// A nil entry is missing data, never zero.
	Hourly map[string][]*float64
	// Daily maps variable name to values parallel to Dates.
	Daily map[string][]*float64

	Elevation *float64

	// Raw is the provider payload as fetched, kept for journaling.
	Raw []byte
}

// HourlySamples pairs a variable's hourly values with their timestamps.
func (s *SeriesSet) HourlySamples(variable string) []models.Sample {
	values := s.Hourly[variable]
	if len(values) == 0 {
		return nil
	}
	samples := make([]models.Sample, 0, len(values))
	for i, ts := range s.HourlyTimes {
		if i >= len(values) {
			break
		}
		samples = append(samples, models.Sample{Time: ts, Value: values[i]})
	}
	return samples
}

// DailyValue returns the provider's pre-aggregated figure for a variable on
// one date, or nil when the series or date is absent.
func (s *SeriesSet) DailyValue(variable, date string) *float64 {
	values, ok := s.Daily[variable]
	if !ok {
		return nil
	}
	for i, d := range s.Dates {
		if d == date {
			if i < len(values) {
				return values[i]
			}
			return nil
		}
	}
	return nil
}

// TransientError marks a fetch failure worth retrying: the provider was
// unreachable, rate limited, or serving errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError marks a response that arrived but is structurally unusable,
// such as a payload missing its daily time series. Providers return these
// during maintenance windows, so backfill treats them as transient too.
type MalformedError struct {
	Op     string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Reason)
}

// IsRetryable reports whether a fetch error should be retried on the same
// chunk rather than aborting the run.
func IsRetryable(err error) bool {
	var transient *TransientError
	var malformed *MalformedError
	return errors.As(err, &transient) || errors.As(err, &malformed)
}
