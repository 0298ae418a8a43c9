package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// BoltCache is a Cache persisted in BoltDB. A Bloom filter of stored URLs
// answers most misses without opening a transaction.
type BoltCache struct {
	db  *bolt.DB
	now func() time.Time

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewBoltCache opens or creates the cache at path. estimatedItems sizes
// the Bloom filter.
func NewBoltCache(path string, estimatedItems int) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if estimatedItems < 1000 {
		estimatedItems = 1000
	}
	c := &BoltCache{
		db:     db,
		now:    time.Now,
		filter: bloom.NewWithEstimates(uint(estimatedItems), 0.001),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			c.filter.Add(k)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}

	return c, nil
}

// Put implements Cache.
func (c *BoltCache) Put(ctx context.Context, url, content string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	value := make([]byte, 8+len(content))
	binary.BigEndian.PutUint64(value, uint64(c.now().Add(ttl).UnixNano()))
	copy(value[8:], content)

	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(url), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	c.mu.Lock()
	c.filter.AddString(url)
	c.mu.Unlock()
	return nil
}

// Get implements Cache.
func (c *BoltCache) Get(ctx context.Context, url string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	c.mu.RLock()
	maybe := c.filter.TestString(url)
	c.mu.RUnlock()
	if !maybe {
		return "", false, nil
	}

	var content string
	var found, expired bool
	now := c.now()
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(url))
		if len(v) < 8 {
			return nil
		}
		expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
		if !now.Before(expiresAt) {
			expired = true
			return nil
		}
		content = string(v[8:])
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if expired {
		c.delete(url, now)
	}
	return content, found, nil
}

// delete removes url if it is still expired at now. A concurrent Put may
// have refreshed it.
func (c *BoltCache) delete(url string, now time.Time) {
	c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		v := b.Get([]byte(url))
		if len(v) >= 8 && !now.Before(time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))) {
			return b.Delete([]byte(url))
		}
		return nil
	})
}

// Close closes the database.
func (c *BoltCache) Close() error {
	return c.db.Close()
}
