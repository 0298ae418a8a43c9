package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS qa_jobs (
	job_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS qa_jobs_status_idx ON qa_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS qa_docs (
	doc_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	seq    BIGSERIAL,
	data   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS qa_docs_job_idx ON qa_docs (job_id, seq);
`

// PostgresStore implements Store on PostgreSQL. Records are kept as JSONB
// with the columns needed for lookups alongside.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and creates the schema if missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The schema is not
// touched.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Migrate creates the tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateJob implements JobStore.
func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO qa_jobs (job_id, status, created_at, data) VALUES ($1, $2, $3, $4)`,
		job.ID, string(job.Status), job.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob implements JobStore.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM qa_jobs WHERE job_id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(data)
}

// UpdateJobStatus implements JobStore.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, message string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM qa_jobs WHERE job_id = $1 FOR UPDATE`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get job %s: %w", id, err)
	}

	job, err := decodeJob(data)
	if err != nil {
		return err
	}
	if err := transition(job, status, message, s.now().UTC()); err != nil {
		return err
	}
	if data, err = encodeJob(job); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE qa_jobs SET status = $2, data = $3 WHERE job_id = $1`, id, string(status), data)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListJobs implements JobStore.
func (s *PostgresStore) ListJobs(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM qa_jobs WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SaveDocument implements ResultStore.
func (s *PostgresStore) SaveDocument(ctx context.Context, doc *model.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO qa_docs (doc_id, job_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (doc_id) DO UPDATE SET data = EXCLUDED.data`,
		doc.ID, doc.JobID, data)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument implements ResultStore.
func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM qa_docs WHERE doc_id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return decodeDocument(data)
}

// ListDocuments implements ResultStore.
func (s *PostgresStore) ListDocuments(ctx context.Context, jobID string) ([]*model.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM qa_docs WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []*model.Document{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDocument(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
