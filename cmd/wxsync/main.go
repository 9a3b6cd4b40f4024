package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/hensonwx/wxsync/internal/drift"
	"github.com/hensonwx/wxsync/internal/journal"
	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/normalize"
	"github.com/hensonwx/wxsync/internal/provider"
	"github.com/hensonwx/wxsync/internal/reconcile"
	"github.com/hensonwx/wxsync/internal/recordstore"
	"github.com/hensonwx/wxsync/internal/report"
	"github.com/hensonwx/wxsync/internal/sync"
)

type globals struct {
	Latitude  float64 `env:"WXSYNC_LATITUDE" default:"39.1911" help:"Site latitude."`
	Longitude float64 `env:"WXSYNC_LONGITUDE" default:"-106.8175" help:"Site longitude."`
	Timezone  string  `env:"WXSYNC_TIMEZONE" default:"America/Denver" help:"Site timezone for daily bucketing."`

	Provider string `env:"WXSYNC_PROVIDER" default:"open-meteo-archive" enum:"open-meteo-archive,open-meteo-forecast,ghcn" help:"Upstream data source."`
	Station  string `env:"WXSYNC_STATION" help:"GHCN station ID (ghcn provider only)."`

	AirtableURL    string `env:"AIRTABLE_URL" default:"https://api.airtable.com" hidden:""`
	AirtableBaseID string `env:"AIRTABLE_BASE_ID" help:"Airtable base ID."`
	AirtableTable  string `env:"AIRTABLE_TABLE" default:"Weather Log" help:"Airtable table name."`
	AirtableToken  string `env:"AIRTABLE_TOKEN" help:"Airtable API token."`

	JournalPath string  `env:"WXSYNC_JOURNAL" default:"data/wxsync.db" help:"Path to the local run journal."`
	NoJournal   bool    `help:"Disable the local run journal."`
	AbsEps      float64 `default:"0.01" help:"Numeric tolerance for reconciliation."`
	ClearNulls  bool    `help:"Write explicit nulls for missing values instead of leaving stored values alone."`
}

func (g *globals) location() (*time.Location, error) {
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", g.Timezone, err)
	}
	return loc, nil
}

func (g *globals) buildProvider(loc *time.Location) (provider.Provider, error) {
	switch g.Provider {
	case "open-meteo-archive":
		return provider.NewOpenMeteoArchive(g.Latitude, g.Longitude, g.Timezone, loc), nil
	case "open-meteo-forecast":
		return provider.NewOpenMeteoForecast(g.Latitude, g.Longitude, g.Timezone, loc), nil
	case "ghcn":
		if g.Station == "" {
			return nil, fmt.Errorf("--station required for the ghcn provider")
		}
		return provider.NewGHCN(g.Station), nil
	}
	return nil, fmt.Errorf("unknown provider %q", g.Provider)
}

func (g *globals) buildStore() (*recordstore.Client, error) {
	if g.AirtableBaseID == "" || g.AirtableToken == "" {
		return nil, fmt.Errorf("AIRTABLE_BASE_ID and AIRTABLE_TOKEN are required")
	}
	return recordstore.New(g.AirtableURL, g.AirtableBaseID, g.AirtableTable, g.AirtableToken, sync.DateField), nil
}

func (g *globals) openJournal() (*journal.Journal, error) {
	if g.NoJournal {
		return nil, nil
	}
	return journal.Open("sqlite", g.JournalPath)
}

func (g *globals) nilPolicy() normalize.NilPolicy {
	if g.ClearNulls {
		return normalize.ExplicitClear
	}
	return normalize.PreserveExisting
}

func (g *globals) driverConfig(mode string, loc *time.Location) sync.Config {
	return sync.Config{
		Mode:      mode,
		Tolerance: reconcile.Tolerance{AbsEps: g.AbsEps},
		Policy:    g.nilPolicy(),
		Location:  loc,
	}
}

type syncCmd struct {
	Days       int  `default:"7" help:"How many days back from today to sync."`
	NoTrailing bool `help:"Skip the rolling 6-hour snowfall figure on today's record."`
	Narrate    bool `help:"Add an LLM-written prose summary of the run (needs OPENAI_API_KEY)."`
}

func (c *syncCmd) Run(ctx context.Context, g *globals) error {
	loc, err := g.location()
	if err != nil {
		return err
	}
	end := time.Now().In(loc)
	start := end.AddDate(0, 0, -(c.Days - 1))
	return runSync(ctx, g, loc, "sync", start, end, c.Narrate, func(cfg *sync.Config) {
		cfg.ChunkDays = c.Days
		cfg.IncludeTrailing = !c.NoTrailing
	})
}

type backfillCmd struct {
	Start      string        `arg:"" help:"First date to backfill (YYYY-MM-DD)."`
	End        string        `arg:"" optional:"" help:"Last date to backfill, default yesterday."`
	ChunkDays  int           `default:"30" help:"Days per fetch chunk."`
	RetryDelay time.Duration `default:"10s" help:"Delay between retries of a failed chunk fetch."`
	ChunkPause time.Duration `default:"5s" help:"Pause between chunks."`
	MaxRetries uint64        `default:"0" help:"Retry cap per chunk, 0 retries forever."`
	Narrate    bool          `help:"Add an LLM-written prose summary of the run (needs OPENAI_API_KEY)."`
}

func (c *backfillCmd) Run(ctx context.Context, g *globals) error {
	loc, err := g.location()
	if err != nil {
		return err
	}
	start, err := time.ParseInLocation(models.DateLayout, c.Start, loc)
	if err != nil {
		return fmt.Errorf("parse start date: %w", err)
	}
	end := time.Now().In(loc).AddDate(0, 0, -1)
	if c.End != "" {
		end, err = time.ParseInLocation(models.DateLayout, c.End, loc)
		if err != nil {
			return fmt.Errorf("parse end date: %w", err)
		}
	}
	return runSync(ctx, g, loc, "backfill", start, end, c.Narrate, func(cfg *sync.Config) {
		cfg.ChunkDays = c.ChunkDays
		cfg.RetryDelay = c.RetryDelay
		cfg.ChunkPause = c.ChunkPause
		cfg.MaxRetries = c.MaxRetries
	})
}

func runSync(ctx context.Context, g *globals, loc *time.Location, mode string, start, end time.Time, narrate bool, tune func(*sync.Config)) error {
	p, err := g.buildProvider(loc)
	if err != nil {
		return err
	}
	store, err := g.buildStore()
	if err != nil {
		return err
	}
	jnl, err := g.openJournal()
	if err != nil {
		return err
	}

	cfg := g.driverConfig(mode, loc)
	tune(&cfg)

	var driverJournal sync.Journal
	if jnl != nil {
		defer jnl.Close()
		driverJournal = jnl
	}

	driver := sync.NewDriver(cfg, p, store, driverJournal)
	summary, runErr := driver.Run(ctx, start, end)
	fmt.Print(report.RenderRun(summary))

	if narrate && runErr == nil {
		narrator, err := report.NewNarrator()
		if err != nil {
			return err
		}
		prose, err := narrator.NarrateRun(ctx, summary)
		if err != nil {
			return err
		}
		fmt.Println(prose)
	}
	return runErr
}

type driftCmd struct {
	Days    int     `default:"30" help:"How many days back from yesterday to check."`
	AbsWarn float64 `default:"0.1" help:"Absolute drift that warns."`
	AbsFail float64 `default:"1.0" help:"Absolute drift that fails."`
	PctWarn float64 `default:"2.0" help:"Percentage drift that warns."`
	PctFail float64 `default:"10.0" help:"Percentage drift that fails."`
	Narrate bool    `help:"Add an LLM-written prose summary (needs OPENAI_API_KEY)."`
}

func (c *driftCmd) Run(ctx context.Context, g *globals) error {
	loc, err := g.location()
	if err != nil {
		return err
	}
	p, err := g.buildProvider(loc)
	if err != nil {
		return err
	}
	store, err := g.buildStore()
	if err != nil {
		return err
	}

	thresholds := drift.Thresholds{
		AbsWarn: c.AbsWarn, AbsFail: c.AbsFail,
		PctWarn: c.PctWarn, PctFail: c.PctFail,
	}
	end := time.Now().In(loc).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(c.Days - 1))

	checker := drift.NewChecker(p, store, thresholds, loc)
	rep, err := checker.Check(ctx, start, end)
	if err != nil {
		return err
	}
	fmt.Print(report.RenderDrift(rep))

	if jnl, err := g.openJournal(); err != nil {
		log.Printf("journal: %v", err)
	} else if jnl != nil {
		defer jnl.Close()
		if err := jnl.RecordDriftReport(ctx, rep); err != nil {
			log.Printf("journal: record drift: %v", err)
		}
	}

	if c.Narrate {
		narrator, err := report.NewNarrator()
		if err != nil {
			return err
		}
		prose, err := narrator.NarrateDrift(ctx, rep)
		if err != nil {
			return err
		}
		fmt.Println(prose)
	}

	if rep.Worst == drift.StatusFail {
		return fmt.Errorf("drift check failed")
	}
	return nil
}

type runCmd struct {
	Schedule    string `default:"0 */6 * * *" help:"Cron schedule for periodic syncs."`
	Days        int    `default:"7" help:"Window synced on each scheduled run."`
	MetricsAddr string `default:":9090" help:"Prometheus metrics listen address."`
}

func (c *runCmd) Run(ctx context.Context, g *globals) error {
	loc, err := g.location()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: c.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("metrics listening on %s", c.MetricsAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	job := func() {
		end := time.Now().In(loc)
		start := end.AddDate(0, 0, -(c.Days - 1))
		err := runSync(ctx, g, loc, "scheduled", start, end, false, func(cfg *sync.Config) {
			cfg.ChunkDays = c.Days
			cfg.IncludeTrailing = true
		})
		if err != nil {
			log.Printf("scheduled sync: %v", err)
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(c.Schedule, job); err != nil {
		return fmt.Errorf("parse schedule %q: %w", c.Schedule, err)
	}

	log.Printf("scheduled sync every %q, running initial sync now", c.Schedule)
	job()
	scheduler.Start()

	<-ctx.Done()
	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return nil
}

type historyCmd struct {
	Limit int `default:"10" help:"How many runs to show."`
}

func (c *historyCmd) Run(ctx context.Context, g *globals) error {
	jnl, err := g.openJournal()
	if err != nil {
		return err
	}
	if jnl == nil {
		return fmt.Errorf("history requires the journal")
	}
	defer jnl.Close()

	runs, err := jnl.RecentRuns(ctx, c.Limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "FAILED"
		if r.Success {
			status = "ok"
		}
		fmt.Printf("%6d  %-9s %s..%s  %s  +%d ~%d =%d  %s\n",
			r.ID, r.Mode, r.RangeStart, r.RangeEnd,
			r.StartedAt.Format("2006-01-02 15:04"),
			r.Created.Int64, r.Updated.Int64, r.Unchanged.Int64, status)
	}
	return nil
}

type payloadCmd struct {
	ID int64 `arg:"" help:"Payload ID from the journal."`
}

func (c *payloadCmd) Run(ctx context.Context, g *globals) error {
	jnl, err := g.openJournal()
	if err != nil {
		return err
	}
	if jnl == nil {
		return fmt.Errorf("payload requires the journal")
	}
	defer jnl.Close()

	payload, err := jnl.GetPayload(ctx, c.ID)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(payload)
	return err
}

type cli struct {
	globals

	Sync     syncCmd     `cmd:"" help:"Sync the last few days into the record store."`
	Backfill backfillCmd `cmd:"" help:"Backfill a historical date range chunk by chunk."`
	Drift    driftCmd    `cmd:"" help:"Recompute a window and grade the store against it."`
	Run      runCmd      `cmd:"" help:"Run scheduled syncs with a metrics endpoint."`
	History  historyCmd  `cmd:"" help:"Show recent runs from the journal."`
	Payload  payloadCmd  `cmd:"" help:"Print a raw provider payload stored in the journal."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var app cli
	parsed := kong.Parse(&app,
		kong.Name("wxsync"),
		kong.Description("Sync daily weather records from an upstream provider into Airtable."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	if err := parsed.Run(&app.globals); err != nil {
		log.Fatalf("%s: %v", parsed.Command(), err)
	}
}
