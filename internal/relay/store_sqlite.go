package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists jobs in a single-file database, for single-node
// deployments that still want jobs to survive a restart.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path must be provided")
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite allows one writer; a single connection keeps updates serialised.
	db.SetMaxOpenConns(1)
	const stmt = `
	CREATE TABLE IF NOT EXISTS upload_jobs (
		session_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		percent INTEGER NOT NULL DEFAULT 0,
		bytes_uploaded INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("create upload_jobs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, job Job) error {
	var exists int
	err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM upload_jobs WHERE session_id = ?`, job.SessionID)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrExists
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO upload_jobs (`+jobColumns+`)
		VALUES (:session_id, :file_name, :content_type, :status, :percent, :bytes_uploaded,
		:total_bytes, :error, :created_at, :updated_at)`, job)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Job, error) {
	return getSQLiteJob(ctx, s.db, sessionID)
}

func (s *SQLiteStore) Update(ctx context.Context, sessionID string, fn func(*Job) error) (Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	job, err := getSQLiteJob(ctx, tx, sessionID)
	if err != nil {
		return Job{}, err
	}
	if err := fn(&job); err != nil {
		return job, err
	}
	_, err = tx.NamedExecContext(ctx, `UPDATE upload_jobs SET status = :status, percent = :percent,
		bytes_uploaded = :bytes_uploaded, total_bytes = :total_bytes, error = :error,
		content_type = :content_type, updated_at = :updated_at WHERE session_id = :session_id`, job)
	if err != nil {
		return Job{}, err
	}
	return job, tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func getSQLiteJob(ctx context.Context, q sqlx.QueryerContext, sessionID string) (Job, error) {
	var job Job
	err := sqlx.GetContext(ctx, q, &job, `SELECT `+jobColumns+` FROM upload_jobs WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}
