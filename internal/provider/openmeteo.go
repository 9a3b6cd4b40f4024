package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hensonwx/wxsync/internal/httputil"
	"github.com/hensonwx/wxsync/internal/metrics"
	"github.com/hensonwx/wxsync/internal/models"
)

const (
	openMeteoForecastURL = "https://api.open-meteo.com/v1/forecast"
	openMeteoArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"

	openMeteoHourlyVars = "temperature_2m,relative_humidity_2m,precipitation,snowfall,snow_depth,weather_code,surface_pressure,wind_speed_10m"
	openMeteoDailyVars  = "temperature_2m_max,temperature_2m_min,temperature_2m_mean,precipitation_sum,snowfall_sum,weather_code,wind_speed_10m_max"

	// Open-Meteo hourly timestamps come back as local time without a zone.
	openMeteoTimeLayout = "2006-01-02T15:04"
)

// OpenMeteo fetches hourly and daily weather series from the Open-Meteo API.
// The archive endpoint serves historical backfill; the forecast endpoint
// serves the rolling update window.
type OpenMeteo struct {
	baseURL string
	name    string
	lat     float64
	lon     float64
	tz      string
	loc     *time.Location
	client  *http.Client
}

// NewOpenMeteoArchive returns a provider backed by the Open-Meteo archive API.
func NewOpenMeteoArchive(lat, lon float64, tz string, loc *time.Location) *OpenMeteo {
	return newOpenMeteo(openMeteoArchiveURL, "openmeteo-archive", lat, lon, tz, loc)
}

// NewOpenMeteoForecast returns a provider backed by the Open-Meteo forecast
// API, which covers roughly the recent past plus the forecast horizon.
func NewOpenMeteoForecast(lat, lon float64, tz string, loc *time.Location) *OpenMeteo {
	return newOpenMeteo(openMeteoForecastURL, "openmeteo-forecast", lat, lon, tz, loc)
}

func newOpenMeteo(baseURL, name string, lat, lon float64, tz string, loc *time.Location) *OpenMeteo {
	return &OpenMeteo{
		baseURL: baseURL,
		name:    name,
		lat:     lat,
		lon:     lon,
		tz:      tz,
		loc:     loc,
		client:  httputil.NewClient(),
	}
}

func (o *OpenMeteo) Name() string { return o.name }

func (o *OpenMeteo) Fetch(ctx context.Context, start, end time.Time) (*SeriesSet, error) {
	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%.4f", o.lat))
	params.Set("longitude", fmt.Sprintf("%.4f", o.lon))
	params.Set("hourly", openMeteoHourlyVars)
	params.Set("daily", openMeteoDailyVars)
	params.Set("timezone", o.tz)
	params.Set("start_date", start.Format(models.DateLayout))
	params.Set("end_date", end.Format(models.DateLayout))

	reqURL := o.baseURL + "?" + params.Encode()

	var body []byte
	operation := func() error {
		started := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		resp, err := o.client.Do(req)
		metrics.ProviderAPILatency.WithLabelValues(o.name).Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.ProviderAPICalls.WithLabelValues(o.name, "error").Inc()
			return &TransientError{Op: o.name, Err: fmt.Errorf("fetch: %w", err)}
		}
		defer resp.Body.Close()
		metrics.ProviderAPICalls.WithLabelValues(o.name, fmt.Sprintf("%d", resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &TransientError{Op: o.name, Err: fmt.Errorf("fetch: status %d", resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return &TransientError{Op: o.name, Err: fmt.Errorf("read body: %w", err)}
		}
		return nil
	}

	// Short local retries smooth over rate limits; anything still failing
	// after this comes back as a TransientError for the driver to handle.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	set, err := o.parse(body)
	if err != nil {
		return nil, err
	}
	set.Raw = body
	return set, nil
}

type openMeteoPayload struct {
	Elevation *float64                   `json:"elevation"`
	Hourly    map[string]json.RawMessage `json:"hourly"`
	Daily     map[string]json.RawMessage `json:"daily"`
}

func (o *OpenMeteo) parse(body []byte) (*SeriesSet, error) {
	var payload openMeteoPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &MalformedError{Op: o.name, Reason: fmt.Sprintf("unmarshal: %v", err)}
	}

	dates, daily, err := decodeSeriesBlock(payload.Daily)
	if err != nil {
		return nil, &MalformedError{Op: o.name, Reason: err.Error()}
	}
	if len(dates) == 0 {
		return nil, &MalformedError{Op: o.name, Reason: "empty daily time series"}
	}

	hourlyTimesRaw, hourly, err := decodeSeriesBlock(payload.Hourly)
	if err != nil {
		return nil, &MalformedError{Op: o.name, Reason: err.Error()}
	}

	hourlyTimes := make([]time.Time, 0, len(hourlyTimesRaw))
	for _, ts := range hourlyTimesRaw {
		t, err := time.ParseInLocation(openMeteoTimeLayout, ts, o.loc)
		if err != nil {
			return nil, &MalformedError{Op: o.name, Reason: fmt.Sprintf("hourly timestamp %q: %v", ts, err)}
		}
		hourlyTimes = append(hourlyTimes, t)
	}

	return &SeriesSet{
		Dates:       dates,
		HourlyTimes: hourlyTimes,
		Hourly:      hourly,
		Daily:       daily,
		Elevation:   payload.Elevation,
	}, nil
}

// decodeSeriesBlock splits an Open-Meteo series block into its "time" axis
// and the per-variable value arrays.
func decodeSeriesBlock(block map[string]json.RawMessage) ([]string, map[string][]*float64, error) {
	if block == nil {
		return nil, map[string][]*float64{}, nil
	}

	var times []string
	if raw, ok := block["time"]; ok {
		if err := json.Unmarshal(raw, &times); err != nil {
			return nil, nil, fmt.Errorf("time axis: %v", err)
		}
	}

	values := make(map[string][]*float64, len(block))
	for variable, raw := range block {
		if variable == "time" {
			continue
		}
		var series []*float64
		if err := json.Unmarshal(raw, &series); err != nil {
			return nil, nil, fmt.Errorf("series %s: %v", variable, err)
		}
		values[variable] = series
	}

	return times, values, nil
}
