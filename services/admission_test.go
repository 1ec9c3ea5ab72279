package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firstpeek/peek_api/model"
	"github.com/firstpeek/peek_api/services"
	"github.com/firstpeek/peek_api/shared"
)

// stubGeoLookup counts invocations so tests can assert exactly how many
// external lookups an admission path performs.
type stubGeoLookup struct {
	mu     sync.Mutex
	calls  int
	result services.GeoLookupResult
	err    error
}

func (s *stubGeoLookup) Lookup(ctx context.Context, ip string) (*services.GeoLookupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	cp := s.result
	cp.IP = ip
	return &cp, s.err
}

func (s *stubGeoLookup) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// failingIdentityStore simulates a store outage on every operation.
type failingIdentityStore struct{}

var errStoreDown = errors.New("store down")

func (f *failingIdentityStore) GetIdentity(string) (*model.IdentityRecord, error) {
	return nil, errStoreDown
}
func (f *failingIdentityStore) CreateIdentityIfAbsent(*model.IdentityRecord) (*model.IdentityRecord, error) {
	return nil, errStoreDown
}
func (f *failingIdentityStore) MarkPreviewUsed(string) error { return errStoreDown }
func (f *failingIdentityStore) IncrementVpnAttempts(string, time.Duration, string) (int, time.Time, error) {
	return 0, time.Time{}, errStoreDown
}
func (f *failingIdentityStore) UpdateTimeConsumed(string, int, int) error { return errStoreDown }
func (f *failingIdentityStore) StartSession(string, string) error         { return errStoreDown }
func (f *failingIdentityStore) AssociateFingerprint(string, string) error { return errStoreDown }
func (f *failingIdentityStore) IdentityStats() (*model.IdentityStats, error) {
	return nil, errStoreDown
}
func (f *failingIdentityStore) ResetIdentity(string, string) (int64, error) {
	return 0, errStoreDown
}
func (f *failingIdentityStore) CleanupExpiredRecords(time.Duration) error { return errStoreDown }

func testConfig() services.AdmissionConfig {
	return services.AdmissionConfig{
		PreviewDuration:      180,
		UsedThresholdSeconds: 150,
		VPNMaxRetries:        5,
		VPNWindow:            30 * time.Minute,
		RestrictedCountries:  map[string]struct{}{"KP": {}},
	}
}

func TestAdmissionCheck_AdmitsFreshIdentity(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())

	decision := engine.Check(context.Background(), "203.0.113.10", "fp-1", false)

	assert.Equal(t, shared.StatusOK, decision.Status)
	assert.Equal(t, 180, decision.RemainingSeconds)
	assert.Equal(t, 1, lookup.Calls())

	rec, err := store.GetIdentity("203.0.113.10")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.SessionID)
	assert.Equal(t, "fp-1", rec.Fingerprint)
}

func TestAdmissionCheck_NeverAdmitsTwice(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())
	ctx := context.Background()

	first := engine.Check(ctx, "203.0.113.11", "", false)
	require.Equal(t, shared.StatusOK, first.Status)

	require.NoError(t, engine.RecordProgress("203.0.113.11", 30, shared.TriggerPeriodic))
	require.NoError(t, engine.Terminate("203.0.113.11"))

	second := engine.Check(ctx, "203.0.113.11", "", false)
	assert.Equal(t, shared.StatusBlocked, second.Status)
	assert.Equal(t, shared.ReasonPreviewUsed, second.Reason)

	// The terminal record denies before any further external lookup.
	assert.Equal(t, 1, lookup.Calls())
}

func TestAdmissionCheck_ResumesPartialPreview(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())
	ctx := context.Background()

	require.Equal(t, shared.StatusOK, engine.Check(ctx, "203.0.113.12", "", false).Status)
	require.NoError(t, engine.RecordProgress("203.0.113.12", 30, shared.TriggerPeriodic))

	resumed := engine.Check(ctx, "203.0.113.12", "", false)
	assert.Equal(t, shared.StatusOK, resumed.Status)
	assert.Equal(t, 150, resumed.RemainingSeconds)
}

func TestAdmissionCheck_EndedMarkerDeniesWithoutAnyCalls(t *testing.T) {
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(&failingIdentityStore{}, lookup, testConfig())

	decision := engine.Check(context.Background(), "203.0.113.13", "", true)

	assert.Equal(t, shared.StatusBlocked, decision.Status)
	assert.Equal(t, shared.ReasonPreviewUsed, decision.Reason)
	assert.Zero(t, lookup.Calls())
}

func TestAdmissionCheck_MostlyConsumedCountsAsUsed(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())
	ctx := context.Background()

	require.Equal(t, shared.StatusOK, engine.Check(ctx, "203.0.113.14", "", false).Status)
	require.NoError(t, engine.RecordProgress("203.0.113.14", 151, shared.TriggerUnload))

	decision := engine.Check(ctx, "203.0.113.14", "", false)
	assert.Equal(t, shared.StatusBlocked, decision.Status)
	assert.Equal(t, shared.ReasonPreviewUsed, decision.Reason)

	rec, err := store.GetIdentity("203.0.113.14")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.PreviewUsed)
}

func TestAdmissionCheck_VPNRetrySequence(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE", IsVPN: true}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		decision := engine.Check(ctx, "203.0.113.15", "", false)
		assert.Equal(t, shared.ReasonVPNDetected, decision.Reason, "attempt %d", i)
	}

	fifth := engine.Check(ctx, "203.0.113.15", "", false)
	assert.Equal(t, shared.ReasonVPNMaxRetries, fifth.Reason)
	assert.Equal(t, 5, lookup.Calls())

	// Further probes inside the open window deny without a new lookup.
	sixth := engine.Check(ctx, "203.0.113.15", "", false)
	assert.Equal(t, shared.ReasonVPNMaxRetries, sixth.Reason)
	assert.Equal(t, 5, lookup.Calls())
}

func TestAdmissionCheck_VPNAttemptsResetAfterWindow(t *testing.T) {
	config := testConfig()
	config.VPNWindow = 20 * time.Millisecond

	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE", IsVPN: true}}
	engine := services.NewAdmissionEngine(store, lookup, config)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		engine.Check(ctx, "203.0.113.16", "", false)
	}
	require.Equal(t, shared.ReasonVPNMaxRetries, engine.Check(ctx, "203.0.113.16", "", false).Reason)

	time.Sleep(30 * time.Millisecond)

	decision := engine.Check(ctx, "203.0.113.16", "", false)
	assert.Equal(t, shared.ReasonVPNDetected, decision.Reason)
}

func TestAdmissionCheck_RestrictedCountry(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "KP"}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())

	decision := engine.Check(context.Background(), "203.0.113.17", "", false)

	assert.Equal(t, shared.StatusBlocked, decision.Status)
	assert.Equal(t, shared.ReasonRestrictedCountry, decision.Reason)
}

func TestAdmissionCheck_LookupFailureAdmitsWithDefaults(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{
		result: services.GeoLookupResult{},
		err:    shared.NewUpstreamLookupError(errors.New("all keys exhausted"), "All lookup credentials exhausted"),
	}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())

	decision := engine.Check(context.Background(), "203.0.113.18", "", false)

	assert.Equal(t, shared.StatusOK, decision.Status)
	assert.Equal(t, 180, decision.RemainingSeconds)
}

// nilResultLookup breaks the non-nil result convention on purpose.
type nilResultLookup struct{}

func (nilResultLookup) Lookup(context.Context, string) (*services.GeoLookupResult, error) {
	return nil, errors.New("lookup backend gone")
}

func TestAdmissionCheck_NilLookupResultStillAdmits(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	engine := services.NewAdmissionEngine(store, nilResultLookup{}, testConfig())

	decision := engine.Check(context.Background(), "203.0.113.22", "", false)

	assert.Equal(t, shared.StatusOK, decision.Status)
	assert.Equal(t, 180, decision.RemainingSeconds)
}

func TestAdmissionCheck_StoreOutageFailsClosed(t *testing.T) {
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(&failingIdentityStore{}, lookup, testConfig())

	decision := engine.Check(context.Background(), "203.0.113.19", "", false)

	assert.Equal(t, shared.StatusBlocked, decision.Status)
	assert.Equal(t, shared.ReasonTransientError, decision.Reason)
}

func TestAdmissionTerminate_Idempotent(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())

	require.NoError(t, engine.Terminate("203.0.113.20"))
	require.NoError(t, engine.Terminate("203.0.113.20"))

	rec, err := store.GetIdentity("203.0.113.20")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.PreviewUsed)
}

func TestAdmissionReset_ReopensIdentity(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	lookup := &stubGeoLookup{result: services.GeoLookupResult{CountryCode: "DE"}}
	engine := services.NewAdmissionEngine(store, lookup, testConfig())
	ctx := context.Background()

	require.Equal(t, shared.StatusOK, engine.Check(ctx, "203.0.113.21", "fp-21", false).Status)
	require.NoError(t, engine.Terminate("203.0.113.21"))
	require.Equal(t, shared.ReasonPreviewUsed, engine.Check(ctx, "203.0.113.21", "", false).Reason)

	removed, err := engine.Reset("203.0.113.21", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	assert.Equal(t, shared.StatusOK, engine.Check(ctx, "203.0.113.21", "", false).Status)
}
