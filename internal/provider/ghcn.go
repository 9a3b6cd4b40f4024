package provider

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/hensonwx/wxsync/internal/models"
)

const (
	ghcnFTPHost = "ftp.ncei.noaa.gov:21"
	ghcnBaseDir = "/pub/data/ghcn/daily/all"

	ghcnMissing = -9999
)

// GHCN fetches pre-aggregated daily observations for one station from the
// NOAA GHCN-Daily archive over FTP. It produces no hourly series, so every
// daily figure it reports is already coarse; it backs the fallback tier when
// no finer-grained provider is available.
type GHCN struct {
	stationID string
	host      string
}

func NewGHCN(stationID string) *GHCN {
	return &GHCN{stationID: stationID, host: ghcnFTPHost}
}

func (g *GHCN) Name() string { return "ghcn-daily" }

// ghcnVariables maps GHCN element codes to our variable names and the scale
// factor that converts stored integer units to metric values. TMAX/TMIN and
// PRCP are stored in tenths; SNOW and SNWD are already millimetres.
var ghcnVariables = map[string]struct {
	name  string
	scale float64
}{
	"TMAX": {"temperature_2m_max", 0.1},
	"TMIN": {"temperature_2m_min", 0.1},
	"PRCP": {"precipitation_sum", 0.1},
	"SNOW": {"snowfall_sum", 1},
	"SNWD": {"snow_depth", 1},
}

func (g *GHCN) Fetch(ctx context.Context, start, end time.Time) (*SeriesSet, error) {
	conn, err := ftp.Dial(g.host, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, &TransientError{Op: g.Name(), Err: fmt.Errorf("ftp dial: %w", err)}
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, &TransientError{Op: g.Name(), Err: fmt.Errorf("ftp login: %w", err)}
	}

	path := fmt.Sprintf("%s/%s.dly", ghcnBaseDir, g.stationID)
	resp, err := conn.Retr(path)
	if err != nil {
		return nil, &TransientError{Op: g.Name(), Err: fmt.Errorf("ftp retr %s: %w", path, err)}
	}
	defer resp.Close()

	set, valid, err := g.parseDly(bufio.NewScanner(resp), start, end)
	if err != nil {
		return nil, err
	}
	if valid == 0 {
		return nil, &MalformedError{Op: g.Name(), Reason: fmt.Sprintf("no parseable daily lines for %s", g.stationID)}
	}
	return set, nil
}

// parseDly reads GHCN's fixed-width .dly format: one line per station,
// element, and month, with 31 value slots of 5 digits plus 3 flag chars.
// The returned set always carries the full requested date axis; a station
// with no observations in range simply yields all-nil values. The second
// return value counts format-valid lines, zero meaning the file itself is
// unparseable.
func (g *GHCN) parseDly(scanner *bufio.Scanner, start, end time.Time) (*SeriesSet, int, error) {
	dates := dateKeysBetween(start, end)
	index := make(map[string]int, len(dates))
	for i, d := range dates {
		index[d] = i
	}

	daily := make(map[string][]*float64, len(ghcnVariables))
	for _, v := range ghcnVariables {
		daily[v.name] = make([]*float64, len(dates))
	}

	valid := 0
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 269 {
			continue
		}

		year, err := strconv.Atoi(line[11:15])
		if err != nil {
			continue
		}
		month, err := strconv.Atoi(strings.TrimSpace(line[15:17]))
		if err != nil {
			continue
		}
		valid++

		variable, ok := ghcnVariables[line[17:21]]
		if !ok {
			continue
		}

		for day := 1; day <= 31; day++ {
			offset := 21 + (day-1)*8
			raw := strings.TrimSpace(line[offset : offset+5])
			value, err := strconv.Atoi(raw)
			if err != nil || value == ghcnMissing {
				continue
			}

			key := fmt.Sprintf("%04d-%02d-%02d", year, month, day)
			i, inRange := index[key]
			if !inRange {
				continue
			}
			scaled := float64(value) * variable.scale
			daily[variable.name][i] = &scaled
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, &TransientError{Op: g.Name(), Err: fmt.Errorf("read dly: %w", err)}
	}

	return &SeriesSet{
		Dates:  dates,
		Daily:  daily,
		Hourly: map[string][]*float64{},
	}, valid, nil
}

func dateKeysBetween(start, end time.Time) []string {
	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(models.DateLayout))
	}
	return dates
}
