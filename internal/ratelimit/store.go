package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SortedSet is the view of one key handed to Store.Update.
type SortedSet interface {
	// Add inserts member with score, replacing an existing member's score.
	Add(score int64, member string)
	// RemoveRangeByScore deletes members with min <= score <= max.
	RemoveRangeByScore(min, max int64) int
	// Card returns the number of members.
	Card() int
	// Expire schedules the whole key for deletion after ttl.
	Expire(ttl time.Duration)
}

// Store is the counter store shared by every worker.
type Store interface {
	// Update runs fn with exclusive access to key. Changes made by fn are
	// visible to the next Update of the same key.
	Update(ctx context.Context, key string, fn func(SortedSet) error) error
	// Sweep deletes keys whose expiry is at or before now.
	Sweep(now time.Time) (int, error)
	// Snapshot returns the member count of every live key.
	Snapshot(ctx context.Context) (map[string]int, error)
	Close() error
}

type member struct {
	score int64
	name  string
}

type memorySet struct {
	mu        sync.Mutex
	members   []member // sorted by score, then name
	expiresAt time.Time
	now       time.Time
}

func (s *memorySet) Add(score int64, name string) {
	for i, m := range s.members {
		if m.name == name {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}
	i := sort.Search(len(s.members), func(i int) bool {
		m := s.members[i]
		return m.score > score || (m.score == score && m.name >= name)
	})
	s.members = append(s.members, member{})
	copy(s.members[i+1:], s.members[i:])
	s.members[i] = member{score: score, name: name}
}

func (s *memorySet) RemoveRangeByScore(min, max int64) int {
	kept := s.members[:0]
	removed := 0
	for _, m := range s.members {
		if m.score >= min && m.score <= max {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.members = kept
	return removed
}

func (s *memorySet) Card() int {
	return len(s.members)
}

func (s *memorySet) Expire(ttl time.Duration) {
	s.expiresAt = s.now.Add(ttl)
}

func (s *memorySet) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// MemoryStore is an in-process Store. Each key has its own lock so
// different domains never contend.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]*memorySet
	now  func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets: make(map[string]*memorySet),
		now:  time.Now,
	}
}

func (m *MemoryStore) set(key string) *memorySet {
	m.mu.RLock()
	s, ok := m.sets[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sets[key]; ok {
		return s
	}
	s = &memorySet{}
	m.sets[key] = s
	return s
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, key string, fn func(SortedSet) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for {
		s := m.set(key)
		s.mu.Lock()

		// Sweep may have dropped the set while we waited for its lock.
		m.mu.RLock()
		current := m.sets[key]
		m.mu.RUnlock()
		if current != s {
			s.mu.Unlock()
			continue
		}

		s.now = m.now()
		if s.expired(s.now) {
			s.members = s.members[:0]
			s.expiresAt = time.Time{}
		}
		err := fn(s)
		s.mu.Unlock()
		return err
	}
}

// Sweep implements Store. Sets that are locked by an in-flight Update are
// in use and therefore skipped.
func (m *MemoryStore) Sweep(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, s := range m.sets {
		if !s.mu.TryLock() {
			continue
		}
		if s.expired(now) {
			delete(m.sets, key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Snapshot implements Store.
func (m *MemoryStore) Snapshot(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	sets := make(map[string]*memorySet, len(m.sets))
	for key, s := range m.sets {
		sets[key] = s
	}
	m.mu.RUnlock()

	now := m.now()
	counts := make(map[string]int, len(sets))
	for key, s := range sets {
		s.mu.Lock()
		if !s.expired(now) {
			counts[key] = len(s.members)
		}
		s.mu.Unlock()
	}
	return counts, nil
}

// Len returns the number of tracked keys, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
