package services_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firstpeek/peek_api/model"
	"github.com/firstpeek/peek_api/services"
)

func TestMemoryStoreCreateIfAbsent_ReturnsExistingRecord(t *testing.T) {
	store := services.NewMemoryIdentityStore()

	first, err := store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "id-1", Fingerprint: "fp-a"})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "id-1", Fingerprint: "fp-b"})
	require.NoError(t, err)
	require.NotNil(t, second)

	// The original record wins; a later create never overwrites.
	assert.Equal(t, "fp-a", second.Fingerprint)
}

func TestMemoryStoreMarkPreviewUsed_Idempotent(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	_, err := store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "id-2"})
	require.NoError(t, err)

	require.NoError(t, store.MarkPreviewUsed("id-2"))
	require.NoError(t, store.MarkPreviewUsed("id-2"))

	rec, err := store.GetIdentity("id-2")
	require.NoError(t, err)
	assert.True(t, rec.PreviewUsed)
}

func TestMemoryStoreIncrementVpnAttempts_MonotonicInsideWindow(t *testing.T) {
	store := services.NewMemoryIdentityStore()

	var windowEnd time.Time
	for i := 1; i <= 5; i++ {
		attempts, end, err := store.IncrementVpnAttempts("id-3", time.Hour, "DE")
		require.NoError(t, err)
		assert.Equal(t, i, attempts)
		if i == 1 {
			windowEnd = end
		} else {
			// Increments inside the window never extend it.
			assert.Equal(t, windowEnd, end)
		}
	}
}

func TestMemoryStoreIncrementVpnAttempts_ResetsAfterWindow(t *testing.T) {
	store := services.NewMemoryIdentityStore()

	attempts, _, err := store.IncrementVpnAttempts("id-4", 10*time.Millisecond, "DE")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	attempts, _, err = store.IncrementVpnAttempts("id-4", 10*time.Millisecond, "DE")
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	time.Sleep(20 * time.Millisecond)

	attempts, _, err = store.IncrementVpnAttempts("id-4", 10*time.Millisecond, "DE")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestMemoryStoreIncrementVpnAttempts_ConcurrentCallsAllCount(t *testing.T) {
	store := services.NewMemoryIdentityStore()

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _, _ = store.IncrementVpnAttempts("id-5", time.Hour, "DE")
		}()
	}
	wg.Wait()

	rec, err := store.GetIdentity("id-5")
	require.NoError(t, err)
	assert.Equal(t, workers, rec.VpnAttempts)
}

func TestMemoryStoreUpdateTimeConsumed_MonotonicMaxWithCap(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	_, err := store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "id-6"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateTimeConsumed("id-6", 60, 180))
	// A stale smaller report must not shrink the consumed time.
	require.NoError(t, store.UpdateTimeConsumed("id-6", 30, 180))

	rec, err := store.GetIdentity("id-6")
	require.NoError(t, err)
	assert.Equal(t, 60, rec.TimeConsumed)

	require.NoError(t, store.UpdateTimeConsumed("id-6", 999, 180))
	rec, err = store.GetIdentity("id-6")
	require.NoError(t, err)
	assert.Equal(t, 180, rec.TimeConsumed)
}

func TestMemoryStoreResetIdentity_MatchesIdentityOrFingerprint(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	_, err := store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "id-7", Fingerprint: "fp-7"})
	require.NoError(t, err)
	_, err = store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "id-8", Fingerprint: "fp-7"})
	require.NoError(t, err)
	_, err = store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "id-9", Fingerprint: "fp-9"})
	require.NoError(t, err)

	removed, err := store.ResetIdentity("id-7", "fp-7")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	rec, err := store.GetIdentity("id-9")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestMemoryStoreCleanup_KeepsUsedRecords(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	_, err := store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "stale"})
	require.NoError(t, err)
	_, err = store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "used"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPreviewUsed("used"))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.CleanupExpiredRecords(time.Millisecond))

	stale, err := store.GetIdentity("stale")
	require.NoError(t, err)
	assert.Nil(t, stale)

	// Used records are the admission evidence; retention never drops them.
	used, err := store.GetIdentity("used")
	require.NoError(t, err)
	assert.NotNil(t, used)
}

func TestMemoryStoreIdentityStats_Counts(t *testing.T) {
	store := services.NewMemoryIdentityStore()
	_, err := store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "a"})
	require.NoError(t, err)
	_, err = store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: "b"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPreviewUsed("b"))
	_, _, err = store.IncrementVpnAttempts("c", time.Hour, "DE")
	require.NoError(t, err)

	stats, err := store.IdentityStats()
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalRecords)
	assert.EqualValues(t, 1, stats.PreviewsUsed)
	assert.EqualValues(t, 1, stats.ActiveVpnWindows)
}
