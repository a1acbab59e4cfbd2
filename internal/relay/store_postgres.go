package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
)

const jobColumns = `session_id, file_name, content_type, status, percent, bytes_uploaded, total_bytes, error, created_at, updated_at`

// PostgresStore persists jobs in the upload_jobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the upload_jobs table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS upload_jobs (
            session_id TEXT PRIMARY KEY,
            file_name TEXT NOT NULL,
            content_type TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            percent INTEGER NOT NULL DEFAULT 0,
            bytes_uploaded BIGINT NOT NULL DEFAULT 0,
            total_bytes BIGINT NOT NULL DEFAULT 0,
            error TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`
	_, err := s.pool.Exec(ctx, stmt)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO upload_jobs (`+jobColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.SessionID, job.FileName, job.ContentType, string(job.Status), job.Percent,
		job.BytesUploaded, job.TotalBytes, job.Error, job.CreatedAt, job.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE session_id = $1`, sessionID))
}

func (s *PostgresStore) Update(ctx context.Context, sessionID string, fn func(*Job) error) (Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE session_id = $1 FOR UPDATE`, sessionID))
	if err != nil {
		return Job{}, err
	}
	if err := fn(&job); err != nil {
		return job, err
	}
	_, err = tx.Exec(ctx, `UPDATE upload_jobs SET status = $2, percent = $3, bytes_uploaded = $4,
        total_bytes = $5, error = $6, content_type = $7, updated_at = $8 WHERE session_id = $1`,
		job.SessionID, string(job.Status), job.Percent, job.BytesUploaded, job.TotalBytes,
		job.Error, job.ContentType, job.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	return job, tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job    Job
		status string
	)
	err := row.Scan(&job.SessionID, &job.FileName, &job.ContentType, &status, &job.Percent,
		&job.BytesUploaded, &job.TotalBytes, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	job.Status = jobstatus.Status(status)
	return job, nil
}
