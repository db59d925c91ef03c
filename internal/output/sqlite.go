package output

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"dnsrecon/internal/aggregate"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	wildcard TEXT,
	nameservers TEXT,
	queries INTEGER DEFAULT 0,
	failed INTEGER DEFAULT 0,
	started_at DATETIME NOT NULL,
	elapsed_ms INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	host TEXT NOT NULL,
	type TEXT NOT NULL,
	ttl INTEGER,
	data TEXT NOT NULL,
	sources TEXT,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_records_host ON records(host);

CREATE TABLE IF NOT EXISTS findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	kind TEXT NOT NULL,
	server TEXT,
	detail TEXT,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS snoop (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	server TEXT NOT NULL,
	status TEXT NOT NULL,
	ttl INTEGER,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

// WriteSQLite appends the report to a SQLite database, creating the schema
// if needed. Each call stores one run under a fresh id, which is returned.
func WriteSQLite(ctx context.Context, path string, rep *aggregate.Report) (string, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return "", fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return "", fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return "", fmt.Errorf("sqlite: create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	if err := insertRun(ctx, tx, id, rep); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit: %w", err)
	}
	return id, nil
}

func insertRun(ctx context.Context, tx *sql.Tx, id string, rep *aggregate.Report) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, domain, mode, status, wildcard, nameservers, queries, failed, started_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rep.Domain, rep.Mode, string(rep.Status()), rep.Wildcard.Status,
		strings.Join(rep.Nameservers, ","), rep.Stats.Queries, rep.Stats.Failed,
		rep.StartedAt.UTC().Format(time.RFC3339), rep.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}

	rec, err := tx.PrepareContext(ctx,
		`INSERT INTO records (run_id, host, type, ttl, data, sources) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare records: %w", err)
	}
	defer rec.Close()
	for _, h := range rep.Hosts {
		sources := strings.Join(h.Sources, ",")
		for _, r := range h.Records {
			if _, err := rec.ExecContext(ctx, id, h.Name, r.Type, r.TTL, r.Data, sources); err != nil {
				return fmt.Errorf("sqlite: insert record %s: %w", h.Name, err)
			}
		}
	}

	for _, f := range rep.Findings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings (run_id, severity, kind, server, detail) VALUES (?, ?, ?, ?, ?)`,
			id, string(f.Severity), f.Kind, f.Server, f.Detail,
		); err != nil {
			return fmt.Errorf("sqlite: insert finding: %w", err)
		}
	}

	for _, s := range rep.Snoop {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snoop (run_id, name, server, status, ttl) VALUES (?, ?, ?, ?, ?)`,
			id, s.Name, s.Server, s.Status, s.TTL,
		); err != nil {
			return fmt.Errorf("sqlite: insert snoop %s: %w", s.Name, err)
		}
	}
	return nil
}
