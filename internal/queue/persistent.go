package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketQueue    = []byte("queue")
	bucketInflight = []byte("inflight")
)

// PersistentQueue is a MemoryQueue mirrored to BoltDB. Items popped but
// never acknowledged are queued again when the file is reopened.
type PersistentQueue struct {
	mu     sync.Mutex
	db     *bolt.DB
	memory *MemoryQueue
	keys   map[string][]byte // job id -> key in bucketQueue
	dbPath string
}

// NewPersistentQueue opens or creates the queue at dbPath.
func NewPersistentQueue(dbPath string) (*PersistentQueue, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketQueue); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketInflight)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	pq := &PersistentQueue{
		db:     db,
		memory: NewMemoryQueue(0),
		keys:   make(map[string][]byte),
		dbPath: dbPath,
	}

	if err := pq.recover(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load from disk: %w", err)
	}

	return pq, nil
}

// recover requeues in-flight items ahead of the waiting ones and loads
// everything into memory.
func (pq *PersistentQueue) recover() error {
	return pq.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		inflight := tx.Bucket(bucketInflight)

		var orphans [][]byte
		if err := inflight.ForEach(func(k, v []byte) error {
			orphans = append(orphans, append([]byte(nil), v...))
			return nil
		}); err != nil {
			return err
		}
		for _, v := range orphans {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			if err := inflight.Delete([]byte(item.JobID)); err != nil {
				return err
			}
			item.Priority++
			if _, err := pq.put(queue, &item); err != nil {
				return err
			}
		}

		return queue.ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return nil // Skip invalid items
			}
			pq.keys[item.JobID] = append([]byte(nil), k...)
			return pq.memory.Push(&item)
		})
	})
}

func (pq *PersistentQueue) put(queue *bolt.Bucket, item *Item) ([]byte, error) {
	seq, err := queue.NextSequence()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return key, queue.Put(key, data)
}

// Push implements Queue.
func (pq *PersistentQueue) Push(item *Item) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.memory.Contains(item.JobID) {
		return nil
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	var key []byte
	err := pq.db.Update(func(tx *bolt.Tx) error {
		var err error
		key, err = pq.put(tx.Bucket(bucketQueue), item)
		return err
	})
	if err != nil {
		return fmt.Errorf("persist queue item: %w", err)
	}

	if err := pq.memory.Push(item); err != nil {
		return err
	}
	pq.keys[item.JobID] = key
	return nil
}

// Pop implements Queue. The item moves to the in-flight bucket until Ack.
func (pq *PersistentQueue) Pop(ctx context.Context) (*Item, error) {
	item, err := pq.memory.Pop(ctx)
	if err != nil {
		return nil, err
	}

	pq.mu.Lock()
	defer pq.mu.Unlock()

	key := pq.keys[item.JobID]
	delete(pq.keys, item.JobID)

	err = pq.db.Update(func(tx *bolt.Tx) error {
		if key != nil {
			if err := tx.Bucket(bucketQueue).Delete(key); err != nil {
				return err
			}
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInflight).Put([]byte(item.JobID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("move queue item in flight: %w", err)
	}
	return item, nil
}

// Ack implements Queue.
func (pq *PersistentQueue) Ack(jobID string) error {
	if err := pq.memory.Ack(jobID); err != nil {
		return err
	}
	return pq.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInflight).Delete([]byte(jobID))
	})
}

// Len implements Queue.
func (pq *PersistentQueue) Len() int {
	return pq.memory.Len()
}

// Contains implements Queue.
func (pq *PersistentQueue) Contains(jobID string) bool {
	return pq.memory.Contains(jobID)
}

// Close implements Queue.
func (pq *PersistentQueue) Close() error {
	pq.memory.Close()
	return pq.db.Close()
}
