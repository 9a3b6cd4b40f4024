package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hensonwx/wxsync/internal/metrics"
	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/normalize"
	"github.com/hensonwx/wxsync/internal/provider"
	"github.com/hensonwx/wxsync/internal/reconcile"
	"github.com/hensonwx/wxsync/internal/recordstore"
)

// RecordStore is the remote store surface the driver needs. Implemented by
// recordstore.Client.
type RecordStore interface {
	ListExisting(ctx context.Context) (map[string]models.StoreRecord, error)
	Apply(ctx context.Context, decisions []models.Decision) (*recordstore.CommitResult, error)
}

// Journal persists run history. A nil Journal disables persistence; the
// driver never fails a run over a journal write, it logs and moves on.
type Journal interface {
	StartRun(ctx context.Context, mode string, start, end time.Time) (int64, error)
	LogChunk(ctx context.Context, runID int64, result ChunkResult) error
	StorePayload(ctx context.Context, runID int64, chunk models.Chunk, providerName string, payload []byte) error
	CompleteRun(ctx context.Context, runID int64, summary *RunSummary) error
}

// LocalError marks a failure in wxsync's own pipeline rather than a remote
// system. Local errors abort the run immediately: retrying local logic
// reproduces the same failure.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }

// Config tunes a Driver. Zero values fall back to the defaults used for
// historical backfill.
type Config struct {
	Mode            string
	ChunkDays       int
	RetryDelay      time.Duration
	ChunkPause      time.Duration
	MaxRetries      uint64 // 0 retries transient fetch failures forever
	Tolerance       reconcile.Tolerance
	Policy          normalize.NilPolicy
	IncludeTrailing bool
	Location        *time.Location
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = "sync"
	}
	if c.ChunkDays < 1 {
		c.ChunkDays = 30
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ChunkResult records how one chunk went.
type ChunkResult struct {
	Chunk     models.Chunk
	Status    string // "applied", "empty"
	Attempts  int
	Created   int
	Updated   int
	Unchanged int
	Warnings  []string
}

// RunSummary is the outcome of one driver run across every chunk.
type RunSummary struct {
	Mode       string
	Range      models.Chunk
	StartedAt  time.Time
	FinishedAt time.Time
	Chunks     []ChunkResult
	Created    int
	Updated    int
	Unchanged  int
	Warnings   []string
}

// Driver walks a date range chunk by chunk: fetch, normalize, reconcile,
// commit. Transient fetch failures retry in place with a fixed delay; the
// chunk never advances past a failed fetch. Failures local to the pipeline
// or hard store errors abort the run. Rejected store batches are soft
// warnings and the run advances.
type Driver struct {
	cfg      Config
	provider provider.Provider
	store    RecordStore
	journal  Journal
}

func NewDriver(cfg Config, p provider.Provider, store RecordStore, journal Journal) *Driver {
	return &Driver{cfg: cfg.withDefaults(), provider: p, store: store, journal: journal}
}

// Run processes the inclusive date range [start, end] in order and returns a
// summary of what changed. On abort the summary covers the chunks finished
// before the failure.
func (d *Driver) Run(ctx context.Context, start, end time.Time) (*RunSummary, error) {
	chunks := SplitChunks(start, end, d.cfg.ChunkDays)
	summary := &RunSummary{
		Mode:      d.cfg.Mode,
		Range:     models.Chunk{Start: start, End: end},
		StartedAt: d.cfg.Now(),
	}

	var runID int64
	if d.journal != nil {
		id, err := d.journal.StartRun(ctx, d.cfg.Mode, start, end)
		if err != nil {
			log.Printf("sync: journal start failed: %v", err)
		} else {
			runID = id
		}
	}

	log.Printf("sync: %s run, %d chunks of up to %d days", d.cfg.Mode, len(chunks), d.cfg.ChunkDays)

	var runErr error
	for i, chunk := range chunks {
		result, err := d.runChunk(ctx, runID, chunk)
		if result != nil {
			summary.Chunks = append(summary.Chunks, *result)
			summary.Created += result.Created
			summary.Updated += result.Updated
			summary.Unchanged += result.Unchanged
			summary.Warnings = append(summary.Warnings, result.Warnings...)
		}
		if err != nil {
			runErr = fmt.Errorf("chunk %s: %w", chunk, err)
			break
		}
		metrics.ChunksCompleted.Inc()

		if d.cfg.ChunkPause > 0 && i < len(chunks)-1 {
			if err := sleep(ctx, d.cfg.ChunkPause); err != nil {
				runErr = err
				break
			}
		}
	}

	summary.FinishedAt = d.cfg.Now()
	if d.journal != nil && runID != 0 {
		if err := d.journal.CompleteRun(ctx, runID, summary); err != nil {
			log.Printf("sync: journal complete failed: %v", err)
		}
	}
	log.Printf("sync: done, %d created %d updated %d unchanged, %d warnings",
		summary.Created, summary.Updated, summary.Unchanged, len(summary.Warnings))
	return summary, runErr
}

func (d *Driver) runChunk(ctx context.Context, runID int64, chunk models.Chunk) (*ChunkResult, error) {
	result := &ChunkResult{Chunk: chunk}

	set, attempts, err := d.fetchChunk(ctx, chunk)
	result.Attempts = attempts
	if err != nil {
		return result, err
	}

	if d.journal != nil && runID != 0 && len(set.Raw) > 0 {
		if jerr := d.journal.StorePayload(ctx, runID, chunk, d.provider.Name(), set.Raw); jerr != nil {
			log.Printf("sync: journal payload failed for %s: %v", chunk, jerr)
		}
	}

	records, diags := BuildRecords(set, d.cfg.Location, d.cfg.Now(), d.cfg.IncludeTrailing, d.cfg.Policy)
	for _, diag := range diags {
		log.Printf("sync: %s: %s", chunk, diag)
		result.Warnings = append(result.Warnings, diag.String())
	}

	if len(records) == 0 {
		log.Printf("sync: chunk %s produced no records", chunk)
		result.Status = "empty"
		d.logChunk(ctx, runID, result)
		return result, nil
	}

	existing, err := d.store.ListExisting(ctx)
	if err != nil {
		var ambiguous *reconcile.AmbiguousKeyError
		if errors.As(err, &ambiguous) {
			return result, &LocalError{Op: "list existing", Err: err}
		}
		return result, fmt.Errorf("list existing: %w", err)
	}

	decisions := reconcile.Reconcile(records, existing, d.cfg.Tolerance)

	// fetched_at is stamped after reconciliation, on writes only. Stamping
	// it before would make every record look drifted on every run.
	stamp := d.cfg.Now().UTC().Format(time.RFC3339)
	for i := range decisions {
		metrics.RecordsReconciled.WithLabelValues(decisions[i].Kind.String()).Inc()
		if decisions[i].Kind != models.DecisionNoOp {
			decisions[i].Fields["fetched_at"] = stamp
		}
	}

	commit, err := d.store.Apply(ctx, decisions)
	if commit != nil {
		result.Created = commit.Created
		result.Updated = commit.Updated
		result.Unchanged = commit.Unchanged
		result.Warnings = append(result.Warnings, commit.Warnings...)
	}
	if err != nil {
		return result, fmt.Errorf("commit: %w", err)
	}

	log.Printf("sync: chunk %s: %d created %d updated %d unchanged",
		chunk, result.Created, result.Updated, result.Unchanged)
	result.Status = "applied"
	d.logChunk(ctx, runID, result)
	return result, nil
}

// fetchChunk retries transient provider failures with a fixed delay. With
// MaxRetries of zero it retries until the context is cancelled; the chunk is
// never skipped.
func (d *Driver) fetchChunk(ctx context.Context, chunk models.Chunk) (*provider.SeriesSet, int, error) {
	var set *provider.SeriesSet
	attempts := 0

	operation := func() error {
		attempts++
		s, err := d.provider.Fetch(ctx, chunk.Start, chunk.End)
		if err != nil {
			if provider.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		set = s
		return nil
	}

	var bo backoff.BackOff = backoff.NewConstantBackOff(d.cfg.RetryDelay)
	if d.cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, d.cfg.MaxRetries)
	}
	notify := func(err error, _ time.Duration) {
		metrics.ChunkRetries.Inc()
		log.Printf("sync: chunk %s fetch failed, retrying in %s: %v", chunk, d.cfg.RetryDelay, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, attempts, fmt.Errorf("fetch: %w", err)
	}
	return set, attempts, nil
}

func (d *Driver) logChunk(ctx context.Context, runID int64, result *ChunkResult) {
	if d.journal == nil || runID == 0 {
		return
	}
	if err := d.journal.LogChunk(ctx, runID, *result); err != nil {
		log.Printf("sync: journal chunk failed for %s: %v", result.Chunk, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
