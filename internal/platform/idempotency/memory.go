package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Tests and single-instance development use it.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	stored, found := s.records[id]
	res, write, err := reserve(stored, found, key, fingerprint, now.UTC(), ttl)
	if err != nil {
		return Reservation{}, err
	}
	if write {
		s.records[id] = res.Record
	}
	return res, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	stored, found := s.records[id]
	record, err := complete(stored, found, key, fingerprint, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	s.records[id] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}

// CleanupExpired drops up to limit expired records; limit <= 0 means all.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if record.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
