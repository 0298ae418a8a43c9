package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

// MemoryStore implements Store in process memory. Records are deep-copied
// on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*model.Job
	docs    map[string]*model.Document
	jobDocs map[string][]string
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*model.Job),
		docs:    make(map[string]*model.Document),
		jobDocs: make(map[string][]string),
		now:     time.Now,
	}
}

// CreateJob implements JobStore.
func (m *MemoryStore) CreateJob(ctx context.Context, job *model.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob implements JobStore.
func (m *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// UpdateJobStatus implements JobStore.
func (m *MemoryStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	return transition(job, status, message, m.now().UTC())
}

// ListJobs implements JobStore.
func (m *MemoryStore) ListJobs(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*model.Job
	for _, job := range m.jobs {
		if job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// SaveDocument implements ResultStore.
func (m *MemoryStore) SaveDocument(ctx context.Context, doc *model.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	cp, err := cloneDocument(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; !ok {
		m.jobDocs[doc.JobID] = append(m.jobDocs[doc.JobID], doc.ID)
	}
	m.docs[doc.ID] = cp
	return nil
}

// GetDocument implements ResultStore.
func (m *MemoryStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	doc, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc)
}

// ListDocuments implements ResultStore.
func (m *MemoryStore) ListDocuments(ctx context.Context, jobID string) ([]*model.Document, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.jobDocs[jobID]...)
	m.mu.RUnlock()

	docs := make([]*model.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := m.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func cloneJob(job *model.Job) *model.Job {
	cp := *job
	cp.URLs = append([]string(nil), job.URLs...)
	if job.AuthConfig != nil {
		auth := *job.AuthConfig
		cp.AuthConfig = &auth
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
