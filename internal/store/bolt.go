package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

var (
	bucketJobs    = []byte("jobs")
	bucketDocs    = []byte("docs")
	bucketJobDocs = []byte("job_docs")
)

// BoltStore implements Store using BoltDB. Values are JSON; job_docs holds
// one nested bucket per job mapping a sequence number to a document id.
type BoltStore struct {
	db   *bolt.DB
	path string
	now  func() time.Time
}

// NewBoltStore opens or creates a BoltDB-backed store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketDocs, bucketJobDocs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, path: path, now: time.Now}, nil
}

// CreateJob implements JobStore.
func (s *BoltStore) CreateJob(ctx context.Context, job *model.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return b.Put([]byte(job.ID), data)
	})
}

// GetJob implements JobStore.
func (s *BoltStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var err error
		job, err = decodeJob(data)
		return err
	})
	return job, err
}

// UpdateJobStatus implements JobStore.
func (s *BoltStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, message string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
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
		return b.Put([]byte(id), data)
	})
}

// ListJobs implements JobStore.
func (s *BoltStore) ListJobs(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	var jobs []*model.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			job, err := decodeJob(v)
			if err != nil {
				return err
			}
			if job.Status == status {
				jobs = append(jobs, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// SaveDocument implements ResultStore.
func (s *BoltStore) SaveDocument(ctx context.Context, doc *model.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		existed := docs.Get([]byte(doc.ID)) != nil
		if err := docs.Put([]byte(doc.ID), data); err != nil {
			return err
		}
		if existed {
			return nil
		}

		index, err := tx.Bucket(bucketJobDocs).CreateBucketIfNotExists([]byte(doc.JobID))
		if err != nil {
			return err
		}
		seq, err := index.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return index.Put(key[:], []byte(doc.ID))
	})
}

// GetDocument implements ResultStore.
func (s *BoltStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var doc *model.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var err error
		doc, err = decodeDocument(data)
		return err
	})
	return doc, err
}

// ListDocuments implements ResultStore.
func (s *BoltStore) ListDocuments(ctx context.Context, jobID string) ([]*model.Document, error) {
	docs := []*model.Document{}
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketJobDocs).Bucket([]byte(jobID))
		if index == nil {
			return nil
		}
		all := tx.Bucket(bucketDocs)
		return index.ForEach(func(_, id []byte) error {
			data := all.Get(id)
			if data == nil {
				return fmt.Errorf("document %s indexed but missing", id)
			}
			doc, err := decodeDocument(data)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Ping implements Store.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs) == nil {
			return fmt.Errorf("bucket not found")
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
