package series

import (
	"testing"
	"time"

	"github.com/hensonwx/wxsync/internal/models"
)

func ptr(v float64) *float64 { return &v }

func mkSamples(loc *time.Location, entries ...struct {
	ts  string
	val *float64
}) []models.Sample {
	var samples []models.Sample
	for _, e := range entries {
		t, err := time.ParseInLocation("2006-01-02T15:04", e.ts, loc)
		if err != nil {
			panic(err)
		}
		samples = append(samples, models.Sample{Time: t, Value: e.val})
	}
	return samples
}

type entry = struct {
	ts  string
	val *float64
}

func TestDailyAverage(t *testing.T) {
	loc := time.UTC

	tests := []struct {
		name    string
		samples []models.Sample
		date    string
		want    *float64
	}{
		{
			name: "nulls excluded and other dates excluded",
			samples: mkSamples(loc,
				entry{"2024-01-01T00:00", ptr(10)},
				entry{"2024-01-01T12:00", nil},
				entry{"2024-01-02T00:00", ptr(30)},
			),
			date: "2024-01-01",
			want: ptr(10),
		},
		{
			name: "mean of multiple values",
			samples: mkSamples(loc,
				entry{"2024-01-01T00:00", ptr(10)},
				entry{"2024-01-01T06:00", ptr(20)},
				entry{"2024-01-01T12:00", ptr(30)},
			),
			date: "2024-01-01",
			want: ptr(20),
		},
		{
			name:    "empty set returns nil not zero",
			samples: mkSamples(loc, entry{"2024-01-02T00:00", ptr(5)}),
			date:    "2024-01-01",
			want:    nil,
		},
		{
			name: "all-null day returns nil",
			samples: mkSamples(loc,
				entry{"2024-01-01T00:00", nil},
				entry{"2024-01-01T12:00", nil},
			),
			date: "2024-01-01",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DailyAverage(tt.samples, tt.date, loc)
			assertOptional(t, got, tt.want)
		})
	}
}

func TestDailySum(t *testing.T) {
	loc := time.UTC

	tests := []struct {
		name    string
		samples []models.Sample
		date    string
		want    *float64
	}{
		{
			name: "sum excludes nulls",
			samples: mkSamples(loc,
				entry{"2024-01-01T00:00", ptr(1.5)},
				entry{"2024-01-01T01:00", nil},
				entry{"2024-01-01T02:00", ptr(2.5)},
			),
			date: "2024-01-01",
			want: ptr(4),
		},
		{
			name: "non-empty zero sum is zero not nil",
			samples: mkSamples(loc,
				entry{"2024-01-01T00:00", ptr(0)},
				entry{"2024-01-01T01:00", ptr(0)},
			),
			date: "2024-01-01",
			want: ptr(0),
		},
		{
			name:    "empty set returns nil",
			samples: nil,
			date:    "2024-01-01",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DailySum(tt.samples, tt.date, loc)
			assertOptional(t, got, tt.want)
		})
	}
}

func TestDailyFilterUsesLocalDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// 2024-01-02T03:00 UTC is still 2024-01-01 in New York.
	utc := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	samples := []models.Sample{{Time: utc, Value: ptr(42)}}

	if got := DailySum(samples, "2024-01-01", ny); got == nil || *got != 42 {
		t.Errorf("expected sample to count toward 2024-01-01 in New York, got %v", got)
	}
	if got := DailySum(samples, "2024-01-02", ny); got != nil {
		t.Errorf("expected no samples on 2024-01-02 in New York, got %v", *got)
	}
}

func TestTrailingSum(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	samples := mkSamples(loc,
		entry{"2024-01-02T05:00", ptr(1)}, // 7h ago, outside 6h window
		entry{"2024-01-02T06:00", ptr(2)}, // exactly 6h ago, boundary excluded
		entry{"2024-01-02T07:00", ptr(3)},
		entry{"2024-01-02T09:30", ptr(4)}, // off-hour timestamp still counted
		entry{"2024-01-02T11:00", nil},
		entry{"2024-01-02T12:00", ptr(5)}, // exactly now, included
		entry{"2024-01-02T13:00", ptr(9)}, // future, excluded
	)

	got := TrailingSum(samples, now, 6*time.Hour)
	if got == nil || *got != 21 {
		t.Errorf("TrailingSum = %v, want 21", deref(got))
	}
}

func TestTrailingSumEmptyWindow(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := mkSamples(loc, entry{"2024-05-01T00:00", ptr(7)})

	if got := TrailingSum(samples, now, 6*time.Hour); got != nil {
		t.Errorf("expected nil for empty window, got %v", *got)
	}
}

func TestDailyStat(t *testing.T) {
	loc := time.UTC
	samples := mkSamples(loc,
		entry{"2024-03-10T00:00", ptr(4)},
		entry{"2024-03-10T06:00", ptr(-2)},
		entry{"2024-03-10T12:00", nil},
		entry{"2024-03-10T18:00", ptr(10)},
		entry{"2024-03-11T00:00", ptr(99)},
	)

	stat := DailyStat(samples, "2024-03-10", loc)
	if stat.SampleCount != 3 {
		t.Fatalf("SampleCount = %d, want 3", stat.SampleCount)
	}
	if *stat.Min != -2 || *stat.Max != 10 || *stat.Sum != 12 || *stat.Avg != 4 {
		t.Errorf("got min=%v max=%v sum=%v avg=%v", *stat.Min, *stat.Max, *stat.Sum, *stat.Avg)
	}

	empty := DailyStat(samples, "2024-03-12", loc)
	if empty.SampleCount != 0 || empty.Min != nil || empty.Max != nil || empty.Avg != nil || empty.Sum != nil {
		t.Errorf("empty day should have zero count and nil stats, got %+v", empty)
	}
}

func TestCoalesce(t *testing.T) {
	if got := Coalesce(ptr(1), ptr(2)); *got != 1 {
		t.Errorf("derived value should win, got %v", *got)
	}
	if got := Coalesce(nil, ptr(2)); *got != 2 {
		t.Errorf("daily fallback should apply, got %v", *got)
	}
	if got := Coalesce(nil, nil); got != nil {
		t.Errorf("expected nil, got %v", *got)
	}
}

func assertOptional(t *testing.T, got, want *float64) {
	t.Helper()
	if (got == nil) != (want == nil) {
		t.Fatalf("got %v, want %v", deref(got), deref(want))
	}
	if got != nil && *got != *want {
		t.Errorf("got %v, want %v", *got, *want)
	}
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
