package services

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/firstpeek/peek_api/model"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
)

// IdentityBackend is the read/write contract of the identity store. The
// Postgres backend satisfies it with atomic upserts; MemoryIdentityStore
// emulates the same atomicity behind a process lock.
type IdentityBackend interface {
	GetIdentity(identity string) (*model.IdentityRecord, error)
	CreateIdentityIfAbsent(rec *model.IdentityRecord) (*model.IdentityRecord, error)
	MarkPreviewUsed(identity string) error
	IncrementVpnAttempts(identity string, window time.Duration, countryCode string) (int, time.Time, error)
	UpdateTimeConsumed(identity string, seconds, capSeconds int) error
	StartSession(identity, sessionID string) error
	AssociateFingerprint(identity, fingerprint string) error
	IdentityStats() (*model.IdentityStats, error)
	ResetIdentity(identity, fingerprint string) (int64, error)
	CleanupExpiredRecords(maxAge time.Duration) error
}

type IdentityStoreService struct {
	context.DefaultService

	backend  IdentityBackend
	fallback bool

	retentionAge time.Duration
	closed       chan struct{}
}

const IDENTITY_STORE_SVC = "identity_store_svc"

func (svc IdentityStoreService) Id() string {
	return IDENTITY_STORE_SVC
}

func (svc *IdentityStoreService) Configure(ctx *context.Context) error {
	svc.retentionAge = 72 * time.Hour
	if hours := os.Getenv("RETENTION_MAX_AGE_HOURS"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil && h > 0 {
			svc.retentionAge = time.Duration(h) * time.Hour
		}
	}
	svc.closed = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *IdentityStoreService) Start() error {
	pgSvc := svc.Service(POSTGRES_SVC).(*PostgresService)

	if err := svc.selectBackend(pgSvc, os.Getenv("APP_ENV") == "production"); err != nil {
		return err
	}

	go svc.retentionSweep()
	return nil
}

func (svc *IdentityStoreService) selectBackend(pg *PostgresService, production bool) error {
	if pg.Available() {
		svc.backend = pg
		return nil
	}

	if production {
		// Deliberate fail-fast: production must never silently run on
		// records that vanish on restart.
		return fmt.Errorf("refusing to start in production without a durable identity store: %w", ErrStoreNotConfigured)
	}

	svc.fallback = true
	svc.backend = NewMemoryIdentityStore()
	log.Warn("Identity store running in degraded in-memory mode, records are lost on restart")
	return nil
}

func (svc *IdentityStoreService) Shutdown() {
	close(svc.closed)
}

// Backend exposes the active store to the admission engine.
func (svc *IdentityStoreService) Backend() IdentityBackend {
	return svc.backend
}

// FallbackMode reports whether records live only in process memory.
func (svc *IdentityStoreService) FallbackMode() bool {
	return svc.fallback
}

func (svc *IdentityStoreService) retentionSweep() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := svc.backend.CleanupExpiredRecords(svc.retentionAge); err != nil {
				log.WithError(err).Error("Identity retention sweep failed")
			}
		case <-svc.closed:
			return
		}
	}
}

// ==================== IN-MEMORY FALLBACK ====================

// MemoryIdentityStore keeps identity records in a lock-protected map. It is
// an accepted degraded mode for non-production deployments only.
type MemoryIdentityStore struct {
	mu      sync.Mutex
	records map[string]*model.IdentityRecord
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		records: make(map[string]*model.IdentityRecord),
	}
}

func (m *MemoryIdentityStore) GetIdentity(identity string) (*model.IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[identity]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryIdentityStore) CreateIdentityIfAbsent(rec *model.IdentityRecord) (*model.IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.Identity]; ok {
		cp := *existing
		return &cp, nil
	}

	now := time.Now()
	stored := *rec
	if stored.FirstSeen.IsZero() {
		stored.FirstSeen = now
	}
	stored.LastSeen = now
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.records[rec.Identity] = &stored

	cp := stored
	return &cp, nil
}

func (m *MemoryIdentityStore) MarkPreviewUsed(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[identity]
	if !ok {
		return nil
	}
	rec.PreviewUsed = true
	rec.LastSeen = time.Now()
	rec.UpdatedAt = rec.LastSeen
	return nil
}

func (m *MemoryIdentityStore) IncrementVpnAttempts(identity string, window time.Duration, countryCode string) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.records[identity]
	if !ok {
		rec = &model.IdentityRecord{
			Identity:    identity,
			CountryCode: countryCode,
			FirstSeen:   now,
			CreatedAt:   now,
		}
		m.records[identity] = rec
	}

	if now.Before(rec.VpnWindowEnd) {
		rec.VpnAttempts++
	} else {
		rec.VpnAttempts = 1
		rec.VpnWindowEnd = now.Add(window)
	}
	if rec.CountryCode == "" {
		rec.CountryCode = countryCode
	}
	rec.LastSeen = now
	rec.UpdatedAt = now

	return rec.VpnAttempts, rec.VpnWindowEnd, nil
}

func (m *MemoryIdentityStore) UpdateTimeConsumed(identity string, seconds, capSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[identity]
	if !ok {
		return nil
	}

	if seconds > rec.TimeConsumed {
		rec.TimeConsumed = seconds
	}
	if rec.TimeConsumed > capSeconds {
		rec.TimeConsumed = capSeconds
	}
	rec.LastSeen = time.Now()
	rec.UpdatedAt = rec.LastSeen
	return nil
}

func (m *MemoryIdentityStore) StartSession(identity, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[identity]
	if !ok {
		return nil
	}
	rec.SessionID = sessionID
	rec.LastSeen = time.Now()
	rec.UpdatedAt = rec.LastSeen
	return nil
}

func (m *MemoryIdentityStore) AssociateFingerprint(identity, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[identity]
	if !ok {
		return nil
	}
	if rec.Fingerprint == "" {
		rec.Fingerprint = fingerprint
	}
	return nil
}

func (m *MemoryIdentityStore) IdentityStats() (*model.IdentityStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &model.IdentityStats{}
	now := time.Now()
	for _, rec := range m.records {
		stats.TotalRecords++
		if rec.PreviewUsed {
			stats.PreviewsUsed++
		}
		if now.Before(rec.VpnWindowEnd) {
			stats.ActiveVpnWindows++
		}
	}
	return stats, nil
}

func (m *MemoryIdentityStore) ResetIdentity(identity, fingerprint string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, rec := range m.records {
		if key == identity || (fingerprint != "" && rec.Fingerprint == fingerprint) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryIdentityStore) CleanupExpiredRecords(maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, rec := range m.records {
		if !rec.PreviewUsed && rec.LastSeen.Before(cutoff) {
			delete(m.records, key)
		}
	}
	return nil
}
