// Package store persists jobs and their analysis documents.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

// ErrNotFound is returned when a job or document does not exist.
var ErrNotFound = errors.New("not found")

// JobStore holds job records.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// UpdateJobStatus moves the job to status. Transitions the job status
	// machine forbids fail with model.ErrInvalidTransition.
	UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, message string) error
	// ListJobs returns jobs with the given status, oldest first.
	ListJobs(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
}

// ResultStore holds analysis documents keyed by job.
type ResultStore interface {
	SaveDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	// ListDocuments returns the job's documents in the order they were saved.
	ListDocuments(ctx context.Context, jobID string) ([]*model.Document, error)
}

// Store is a JobStore and ResultStore backed by the same database.
type Store interface {
	JobStore
	ResultStore
	Ping(ctx context.Context) error
	Close() error
}

// transition applies a status change to job in place.
func transition(job *model.Job, status model.JobStatus, message string, now time.Time) error {
	if !job.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	job.Message = message
	job.UpdatedAt = now
	return nil
}

func validateJob(job *model.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	return nil
}

func validateDocument(doc *model.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.JobID == "" {
		return fmt.Errorf("document %s has no job id", doc.ID)
	}
	return nil
}

// Open returns the store for driver: "bolt" (path), "memory", or
// "postgres" (dsn).
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "bolt":
		return NewBoltStore(path)
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
