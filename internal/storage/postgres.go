package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id          UUID PRIMARY KEY,
	job_id      TEXT NOT NULL,
	error       TEXT NOT NULL,
	fail_time   TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dead_letters_job_id_idx ON dead_letters (job_id);
CREATE INDEX IF NOT EXISTS dead_letters_fail_time_idx ON dead_letters (fail_time DESC);`

// DB wraps a PostgreSQL connection pool for the dead-letter archive.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and creates the archive table if missing.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 5
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating dead_letters table: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL dead-letter archive")
	return &DB{pool: pool}, nil
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

func (db *DB) Insert(ctx context.Context, rec *DeadLetterRecord) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, job_id, error, fail_time, archived_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.JobID, rec.Error, rec.FailTime, rec.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter %s: %w", rec.JobID, err)
	}
	return nil
}

// List returns archived dead letters, newest failure first.
func (db *DB) List(ctx context.Context, filter Filter) ([]DeadLetterRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, job_id, error, fail_time, archived_at
		FROM dead_letters
		WHERE ($1 = '' OR job_id = $1)
		  AND ($2::timestamptz IS NULL OR fail_time >= $2)
		ORDER BY fail_time DESC
		LIMIT $3 OFFSET $4`,
		filter.JobID, filter.Since, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var results []DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Error, &rec.FailTime, &rec.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter row: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
