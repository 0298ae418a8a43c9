package ratelimit

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSets   = []byte("rate_limit")
	bucketExpiry = []byte("rate_limit_expiry")
)

// BoltStore is a Store persisted in a BoltDB file, so admissions survive a
// worker restart. Every Update is one read-write transaction, which
// serializes all keys; admission traffic is low enough for that.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates the store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSets); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketExpiry)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Scores are stored big-endian with the sign bit flipped so byte order
// matches numeric order.
func encodeScore(score int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(score)^(1<<63))
	return b[:]
}

func decodeScore(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63))
}

func encodeTime(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}

func decodeTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

type boltSet struct {
	bucket *bolt.Bucket
	expiry *bolt.Bucket
	key    []byte
	now    time.Time
	err    error
}

func (s *boltSet) fail(err error) {
	if s.err == nil && err != nil {
		s.err = err
	}
}

func (s *boltSet) Add(score int64, name string) {
	// Members are unique by name; drop an older score first.
	s.removeWhere(func(k []byte) bool { return string(k[8:]) == name })
	s.fail(s.bucket.Put(append(encodeScore(score), name...), nil))
}

func (s *boltSet) RemoveRangeByScore(min, max int64) int {
	return s.removeWhere(func(k []byte) bool {
		score := decodeScore(k)
		return score >= min && score <= max
	})
}

func (s *boltSet) removeWhere(match func(k []byte) bool) int {
	var doomed [][]byte
	c := s.bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) >= 8 && match(k) {
			doomed = append(doomed, bytes.Clone(k))
		}
	}
	for _, k := range doomed {
		s.fail(s.bucket.Delete(k))
	}
	return len(doomed)
}

func (s *boltSet) Card() int {
	n := 0
	c := s.bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func (s *boltSet) Expire(ttl time.Duration) {
	s.fail(s.expiry.Put(s.key, encodeTime(s.now.Add(ttl))))
}

// Update implements Store.
func (b *BoltStore) Update(ctx context.Context, key string, fn func(SortedSet) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := b.now()
	return b.db.Update(func(tx *bolt.Tx) error {
		sets := tx.Bucket(bucketSets)
		expiry := tx.Bucket(bucketExpiry)

		k := []byte(key)
		if v := expiry.Get(k); v != nil && !now.Before(decodeTime(v)) {
			if err := sets.DeleteBucket(k); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if err := expiry.Delete(k); err != nil {
				return err
			}
		}

		bucket, err := sets.CreateBucketIfNotExists(k)
		if err != nil {
			return err
		}

		set := &boltSet{bucket: bucket, expiry: expiry, key: k, now: now}
		if err := fn(set); err != nil {
			return err
		}
		return set.err
	})
}

// Sweep implements Store.
func (b *BoltStore) Sweep(now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		sets := tx.Bucket(bucketSets)
		expiry := tx.Bucket(bucketExpiry)

		var doomed [][]byte
		err := expiry.ForEach(func(k, v []byte) error {
			if !now.Before(decodeTime(v)) {
				doomed = append(doomed, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := sets.DeleteBucket(k); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if err := expiry.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Snapshot implements Store.
func (b *BoltStore) Snapshot(ctx context.Context) (map[string]int, error) {
	now := b.now()
	counts := make(map[string]int)
	err := b.db.View(func(tx *bolt.Tx) error {
		sets := tx.Bucket(bucketSets)
		expiry := tx.Bucket(bucketExpiry)
		return sets.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a nested bucket
			}
			if e := expiry.Get(k); e != nil && !now.Before(decodeTime(e)) {
				return nil
			}
			n := 0
			c := sets.Bucket(k).Cursor()
			for key, _ := c.First(); key != nil; key, _ = c.Next() {
				n++
			}
			counts[string(k)] = n
			return nil
		})
	})
	return counts, err
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
