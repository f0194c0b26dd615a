package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"hydrophone-downloader/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore keeps records in the job_records table.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgresStore connects and applies the embedded migrations.
func NewPostgresStore(ctx context.Context, dsn, namespace string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, namespace: namespace}
	if err := s.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Checkpoint upserts the record row.
func (s *PostgresStore) Checkpoint(ctx context.Context, rec models.JobRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	var remote, lastErr *string
	if rec.Handle != nil {
		remote = &rec.Handle.RemoteJobID
	}
	if rec.LastError != nil {
		lastErr = &rec.LastError.Message
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_records (namespace, key, state, attempts, remote_job, last_error, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (namespace, key) DO UPDATE
		SET state = EXCLUDED.state, attempts = EXCLUDED.attempts, remote_job = EXCLUDED.remote_job,
		    last_error = EXCLUDED.last_error, record = EXCLUDED.record, updated_at = NOW()
	`, s.namespace, rec.Key, string(rec.State), rec.Attempts, remote, lastErr, b)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM job_records WHERE namespace = $1 ORDER BY key`, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec models.JobRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
