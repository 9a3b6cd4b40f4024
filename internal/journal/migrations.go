package journal

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mode TEXT NOT NULL,
    range_start DATE NOT NULL,
    range_end DATE NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    chunks_total INTEGER,
    records_created INTEGER,
    records_updated INTEGER,
    records_unchanged INTEGER,
    warning_count INTEGER,
    success BOOLEAN DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS chunk_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES sync_runs(id),
    chunk_start DATE NOT NULL,
    chunk_end DATE NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER,
    records_created INTEGER,
    records_updated INTEGER,
    records_unchanged INTEGER,
    warnings TEXT,
    logged_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER REFERENCES sync_runs(id),
    provider TEXT NOT NULL,
    chunk_start DATE NOT NULL,
    chunk_end DATE NOT NULL,
    fetched_at DATETIME NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS drift_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    checked_at DATETIME NOT NULL,
    range_start DATE NOT NULL,
    range_end DATE NOT NULL,
    date_key DATE NOT NULL,
    field TEXT NOT NULL,
    stored_value REAL,
    recomputed_value REAL,
    delta REAL,
    pct REAL,
    status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunk_log_run ON chunk_log(run_id);
CREATE INDEX IF NOT EXISTS idx_payloads_run ON raw_payloads(run_id);
CREATE INDEX IF NOT EXISTS idx_drift_checked ON drift_results(checked_at);
`,
	},
}

func (j *Journal) Migrate() error {
	if err := j.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := j.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (j *Journal) ensureMigrationsTable() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (j *Journal) getAppliedMigrations() (map[int]bool, error) {
	rows, err := j.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (j *Journal) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := j.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
