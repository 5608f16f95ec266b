package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS run_results (
		id         TEXT PRIMARY KEY,
		seq        BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		status     TEXT NOT NULL,
		command    TEXT NOT NULL,
		verdict    TEXT,
		exit_code  INT,
		record     JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS run_results_seq_idx ON run_results (seq DESC)`,
	`CREATE INDEX IF NOT EXISTS run_results_status_idx ON run_results (status)`,
}

// PostgresStore persists run results in PostgreSQL. The full record lives in
// a JSONB column; the indexed columns exist for listing and filtering.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu  sync.Mutex // serializes sequence assignment
	seq uint64
}

// NewPostgresStore connects, ensures the schema, and resumes the sequence
// counter from the stored records.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, &StorageError{Op: "migrate", Err: err}
		}
	}

	s := &PostgresStore{pool: pool}
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM run_results`).Scan(&s.seq); err != nil {
		pool.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	log.Info().Uint64("seq", s.seq).Msg("connected to PostgreSQL result store")
	return s, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *RunResult) error {
	s.mu.Lock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		s.seq++
		rec.Seq = s.seq
		rec.ID = formatID(rec.CreatedAt, rec.Seq)
	}
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	sum := summarize(rec)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_results (id, seq, created_at, status, command, verdict, exit_code, record)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, verdict = EXCLUDED.verdict,
			exit_code = EXCLUDED.exit_code, record = EXCLUDED.record`,
		rec.ID, rec.Seq, rec.CreatedAt, rec.Status, rec.Request.Command,
		sum.Verdict, sum.ExitCode, data,
	)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*RunResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM run_results WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}

	var rec RunResult
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return &rec, nil
}

func (s *PostgresStore) List(ctx context.Context, page Page) ([]Summary, error) {
	limit := page.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, seq, created_at, status, command, COALESCE(verdict, ''), exit_code
		FROM run_results
		WHERE ($1 = '' OR status = $1)
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`,
		page.Status, limit, page.Offset,
	)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	results := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Seq, &sum.CreatedAt, &sum.Status,
			&sum.Command, &sum.Verdict, &sum.ExitCode); err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		results = append(results, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return results, nil
}

func (s *PostgresStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
