package tabsync

import (
	"sync"
	"time"
)

// Storage persists the countdown across tab churn: a newly elected leader
// reads the absolute expiry back even when no other tab is alive to ask.
// Browser hosts back this with localStorage; MemoryStorage serves tests and
// single-process hosts.
type Storage interface {
	SaveExpiry(expiresAt time.Time) error
	LoadExpiry() (time.Time, bool, error)
	MarkEnded() error
	Ended() (bool, error)
	Clear() error
}

type MemoryStorage struct {
	mu      sync.Mutex
	expiry  time.Time
	hasExp  bool
	endedAt bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) SaveExpiry(expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = expiresAt
	s.hasExp = true
	return nil
}

func (s *MemoryStorage) LoadExpiry() (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry, s.hasExp, nil
}

func (s *MemoryStorage) MarkEnded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedAt = true
	return nil
}

func (s *MemoryStorage) Ended() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt, nil
}

func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = time.Time{}
	s.hasExp = false
	s.endedAt = false
	return nil
}
