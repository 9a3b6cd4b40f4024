// Package journal persists wxsync run history in a local sqlite database:
// what ranges were synced, how each chunk went, the raw provider payloads,
// and drift check results. The journal is an audit trail; the remote store
// stays the source of truth for records.
package journal

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/hensonwx/wxsync/internal/drift"
	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/sync"
)

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Open opens (or creates) the journal database at path and applies pending
// migrations. Use driver name "sqlite".
func Open(driver, path string) (*Journal, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	j := New(db)
	if err := j.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	version, err := j.MigrationVersion()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	log.Printf("journal: %s at schema version %d", path, version)
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun records the beginning of a sync run and returns its ID.
func (j *Journal) StartRun(ctx context.Context, mode string, start, end time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `
		INSERT INTO sync_runs (mode, range_start, range_end, started_at, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, mode, start.Format(models.DateLayout), end.Format(models.DateLayout), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert sync run: %w", err)
	}
	return result.LastInsertId()
}

// CompleteRun fills in the run's final counts. A run is successful when every
// chunk reached a terminal status.
func (j *Journal) CompleteRun(ctx context.Context, runID int64, summary *sync.RunSummary) error {
	success := true
	for _, c := range summary.Chunks {
		if c.Status == "" {
			success = false
		}
	}
	_, err := j.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			finished_at = ?,
			chunks_total = ?,
			records_created = ?,
			records_updated = ?,
			records_unchanged = ?,
			warning_count = ?,
			success = ?
		WHERE id = ?
	`, time.Now().UTC(), len(summary.Chunks), summary.Created, summary.Updated,
		summary.Unchanged, len(summary.Warnings), success, runID)
	return err
}

// LogChunk appends one chunk outcome to the run's log.
func (j *Journal) LogChunk(ctx context.Context, runID int64, result sync.ChunkResult) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO chunk_log (run_id, chunk_start, chunk_end, status, attempts,
			records_created, records_updated, records_unchanged, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID,
		result.Chunk.Start.Format(models.DateLayout),
		result.Chunk.End.Format(models.DateLayout),
		result.Status, result.Attempts,
		result.Created, result.Updated, result.Unchanged,
		strings.Join(result.Warnings, "\n"))
	return err
}

// StorePayload stores a gzip-compressed provider payload. Duplicate payloads
// (same content hash) are dropped silently.
func (j *Journal) StorePayload(ctx context.Context, runID int64, chunk models.Chunk, providerName string, payload []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO raw_payloads (run_id, provider, chunk_start, chunk_end, fetched_at,
			payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, runID, providerName,
		chunk.Start.Format(models.DateLayout),
		chunk.End.Format(models.DateLayout),
		time.Now().UTC(), buf.Bytes(), hex.EncodeToString(hash[:]))
	if err != nil {
		return fmt.Errorf("insert raw payload: %w", err)
	}
	return nil
}

// GetPayload retrieves and decompresses a stored payload by ID.
func (j *Journal) GetPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := j.db.QueryRowContext(ctx,
		`SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// RecordDriftReport persists every non-OK result of a drift check.
func (j *Journal) RecordDriftReport(ctx context.Context, report *drift.Report) error {
	now := time.Now().UTC()
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, r := range report.Results {
		if _, err := tx.Exec(`
			INSERT INTO drift_results (checked_at, range_start, range_end, date_key,
				field, stored_value, recomputed_value, delta, pct, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, now,
			report.Start.Format(models.DateLayout),
			report.End.Format(models.DateLayout),
			r.DateKey, r.Field, r.Stored, r.Recomputed, r.Delta, r.Pct,
			r.Status.String()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert drift result: %w", err)
		}
	}
	return tx.Commit()
}

// RunRecord is one row of sync run history.
type RunRecord struct {
	ID         int64
	Mode       string
	RangeStart string
	RangeEnd   string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Chunks     sql.NullInt64
	Created    sql.NullInt64
	Updated    sql.NullInt64
	Unchanged  sql.NullInt64
	Warnings   sql.NullInt64
	Success    bool
}

// RecentRuns returns the latest runs, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, mode, range_start, range_end, started_at, finished_at,
		       chunks_total, records_created, records_updated, records_unchanged,
		       warning_count, success
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Mode, &r.RangeStart, &r.RangeEnd, &r.StartedAt,
			&r.FinishedAt, &r.Chunks, &r.Created, &r.Updated, &r.Unchanged,
			&r.Warnings, &r.Success); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
