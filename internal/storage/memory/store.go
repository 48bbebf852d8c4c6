// Package memory is an in-process implementation of storage.Store for tests
// and single-instance deployments. Buckets held here are not shared between
// gateway instances.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage"
)

type bucketKey struct {
	key, typ string
}

type bucket struct {
	count int64
	limit int64
	reset time.Time
}

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu       sync.RWMutex
	keys     map[string]*domain.APIKey // by hash
	profiles map[string]string
	buckets  map[bucketKey]*bucket
	usage    []*domain.UsageRecord
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		keys:     make(map[string]*domain.APIKey),
		profiles: make(map[string]string),
		buckets:  make(map[bucketKey]*bucket),
	}
}

// AddAPIKey stores a key indexed by its hash.
func (s *Store) AddAPIKey(key *domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.KeyHash] = &cp
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys {
		if key.ID == id {
			t := usedAt
			key.LastUsedAt = &t
		}
	}
	return nil
}

// SetDefaultOrganization sets or clears a user's default organization.
func (s *Store) SetDefaultOrganization(userID, organizationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = organizationID
}

func (s *Store) DefaultOrganization(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[userID], nil
}

// Consume checks and increments all buckets under one lock.
func (s *Store) Consume(ctx context.Context, specs []domain.BucketSpec, now time.Time) (*domain.ConsumeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]domain.BucketState, len(specs))
	admitted := true
	for i, spec := range specs {
		k := bucketKey{spec.Key, spec.Type}
		b, ok := s.buckets[k]
		if !ok {
			b = &bucket{reset: now.Add(spec.Period)}
			s.buckets[k] = b
		}
		b.limit = spec.Limit
		if !now.Before(b.reset) {
			b.reset = domain.NextReset(b.reset, now, spec.Period)
			b.count = 0
		}
		states[i] = domain.BucketState{Spec: spec, Count: b.count, ResetTime: b.reset}
		if states[i].Exhausted() {
			admitted = false
		}
	}

	if admitted {
		for i, spec := range specs {
			s.buckets[bucketKey{spec.Key, spec.Type}].count++
			states[i].Count++
		}
	}
	return &domain.ConsumeResult{Admitted: admitted, Buckets: states}, nil
}

// BucketCount returns the current count of a bucket, 0 if it does not exist.
func (s *Store) BucketCount(key, bucketType string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[bucketKey{key, bucketType}]; ok {
		return b.count
	}
	return 0
}

func (s *Store) WriteUsage(ctx context.Context, rec *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	s.usage = append(s.usage, &cp)
	return nil
}

// Usage returns a copy of all written usage records.
func (s *Store) Usage() []domain.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UsageRecord, len(s.usage))
	for i, rec := range s.usage {
		out[i] = *rec
	}
	return out
}

func (s *Store) Close() error {
	return nil
}
