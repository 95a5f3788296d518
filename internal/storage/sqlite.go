package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// sqliteTime is fixed width so stored timestamps compare lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the single-node dead-letter archive.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path. Use
// ":memory:" in tests.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { // #nosec G301
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stmts := []string{
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS dead_letters (
  id          TEXT PRIMARY KEY,
  job_id      TEXT NOT NULL,
  error       TEXT NOT NULL,
  fail_time   TEXT NOT NULL,
  archived_at TEXT NOT NULL
);`,
		"CREATE INDEX IF NOT EXISTS dead_letters_job_id_idx ON dead_letters (job_id);",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(pctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrapping sqlite: %w", err)
		}
	}

	log.Info().Str("path", path).Msg("opened SQLite dead-letter archive")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLite) Insert(ctx context.Context, rec *DeadLetterRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, job_id, error, fail_time, archived_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.Error,
		rec.FailTime.UTC().Format(sqliteTime),
		rec.ArchivedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, filter Filter) ([]DeadLetterRecord, error) {
	since := ""
	if filter.Since != nil {
		since = filter.Since.UTC().Format(sqliteTime)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, error, fail_time, archived_at
		FROM dead_letters
		WHERE (? = '' OR job_id = ?)
		  AND (? = '' OR fail_time >= ?)
		ORDER BY fail_time DESC
		LIMIT ? OFFSET ?`,
		filter.JobID, filter.JobID, since, since, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var results []DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		var failTime, archivedAt string
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Error, &failTime, &archivedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter row: %w", err)
		}
		if rec.FailTime, err = time.Parse(sqliteTime, failTime); err != nil {
			return nil, fmt.Errorf("parsing fail_time: %w", err)
		}
		if rec.ArchivedAt, err = time.Parse(sqliteTime, archivedAt); err != nil {
			return nil, fmt.Errorf("parsing archived_at: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
