package sync

import (
	"time"

	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/normalize"
	"github.com/hensonwx/wxsync/internal/provider"
	"github.com/hensonwx/wxsync/internal/series"
)

// DateField is the store column holding the natural key.
const DateField = "datetime"

// Rules returns the normalization rules for every synced field: temperatures
// and averages to one decimal, accumulations to two, codes and elevation as
// integers. Derived unit fields convert before rounding.
func Rules() map[string]normalize.Rule {
	return map[string]normalize.Rule{
		"temp_c":       {Precision: 1},
		"temp_f":       {Precision: 1, Convert: normalize.CToF},
		"temp_max_c":   {Precision: 1},
		"temp_min_c":   {Precision: 1},
		"humidity":     {Precision: 1},
		"pressure":     {Precision: 1},
		"wind_kmh":     {Precision: 1},
		"wind_mph":     {Precision: 1, Convert: normalize.KmhToMph},
		"snow_depth":   {Precision: 1},
		"precip_mm":    {Precision: 2},
		"snowfall":     {Precision: 2},
		"snowfall_6h":  {Precision: 2},
		"weather_code": {Integer: true},
		"elevation_m":  {Integer: true},
	}
}

// NumericFields lists the synced numeric columns, used by the drift checker.
func NumericFields() []string {
	return []string{
		"temp_c", "temp_f", "temp_max_c", "temp_min_c", "humidity",
		"pressure", "wind_kmh", "wind_mph", "snow_depth", "precip_mm",
		"snowfall", "weather_code",
	}
}

// trailingSnowWindow is the rolling accumulation window reported for the
// current day only.
const trailingSnowWindow = 6 * time.Hour

// BuildRecords turns one provider series set into normalized daily records.
// Averages and sums are derived from hourly samples first; only when a day
// yields nothing does the provider's own daily figure substitute (the
// two-tier fallback is spelled out here, per field, never inside the
// aggregator). Days with no data at all are dropped. The rolling 6-hour
// snowfall figure is attached only to today's record, and only when the
// caller asked for it — historical backfill never writes it.
func BuildRecords(set *provider.SeriesSet, loc *time.Location, now time.Time, withTrailing bool, policy normalize.NilPolicy) ([]models.NormalizedRecord, []normalize.Diagnostic) {
	temps := set.HourlySamples("temperature_2m")
	humidity := set.HourlySamples("relative_humidity_2m")
	pressure := set.HourlySamples("surface_pressure")
	wind := set.HourlySamples("wind_speed_10m")
	precip := set.HourlySamples("precipitation")
	snowfall := set.HourlySamples("snowfall")
	snowDepth := set.HourlySamples("snow_depth")

	today := now.In(loc).Format(models.DateLayout)
	rules := Rules()

	var records []models.NormalizedRecord
	var diags []normalize.Diagnostic

	for _, date := range set.Dates {
		tempStat := series.DailyStat(temps, date, loc)
		tempC := series.Coalesce(tempStat.Avg, set.DailyValue("temperature_2m_mean", date))

		raw := map[string]any{
			"temp_c":       tempC,
			"temp_f":       tempC,
			"temp_max_c":   series.Coalesce(tempStat.Max, set.DailyValue("temperature_2m_max", date)),
			"temp_min_c":   series.Coalesce(tempStat.Min, set.DailyValue("temperature_2m_min", date)),
			"humidity":     series.DailyAverage(humidity, date, loc),
			"pressure":     series.DailyAverage(pressure, date, loc),
			"wind_kmh":     series.DailyAverage(wind, date, loc),
			"wind_mph":     series.DailyAverage(wind, date, loc),
			"snow_depth":   series.Coalesce(series.DailyAverage(snowDepth, date, loc), set.DailyValue("snow_depth", date)),
			"precip_mm":    series.Coalesce(series.DailySum(precip, date, loc), set.DailyValue("precipitation_sum", date)),
			"snowfall":     series.Coalesce(series.DailySum(snowfall, date, loc), set.DailyValue("snowfall_sum", date)),
			"weather_code": set.DailyValue("weather_code", date),
			"elevation_m":  set.Elevation,
		}

		if withTrailing && date == today {
			raw["snowfall_6h"] = series.TrailingSum(snowfall, now, trailingSnowWindow)
		}

		if !hasData(raw) {
			continue
		}

		raw[DateField] = date

		fields, recDiags := normalize.Record(raw, rules, policy)
		diags = append(diags, recDiags...)
		records = append(records, models.NormalizedRecord{DateKey: date, Fields: fields})
	}

	return records, diags
}

func hasData(raw map[string]any) bool {
	for field, v := range raw {
		if field == "elevation_m" {
			continue
		}
		if p, ok := v.(*float64); ok && p != nil {
			return true
		}
	}
	return false
}
