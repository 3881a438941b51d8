package otp

import (
	"context"
	"sync"
	"time"

	"authsvc/internal/common"
)

// MemStore keeps passcode records in process memory. It is the backend
// when no redis address is configured, and the one unit tests run against.
type MemStore struct {
	mu      sync.Mutex
	records map[Key]Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[Key]Record)}
}

func (s *MemStore) PutIfAbsent(_ context.Context, key Key, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok && !existing.Consumed && time.Now().UTC().Before(existing.ExpiresAt) {
		return existing, false, nil
	}
	s.records[key] = rec
	return rec, true, nil
}

func (s *MemStore) Replace(_ context.Context, key Key, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return nil
}

func (s *MemStore) Consume(_ context.Context, key Key, codeHash string, now time.Time, skew time.Duration) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, common.ErrOTPNotFound
	}
	if rec.CodeHash != codeHash {
		return Record{}, common.ErrOTPMismatch
	}
	if rec.Consumed {
		return Record{}, common.ErrOTPConsumed
	}
	if now.After(rec.ExpiresAt.Add(skew)) {
		return Record{}, common.ErrOTPExpired
	}
	rec.Consumed = true
	s.records[key] = rec
	return rec, nil
}

func (s *MemStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
