package services

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/firstpeek/peek_api/model"
	"github.com/firstpeek/peek_api/shared"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// AdmissionConfig carries the admission policy knobs.
type AdmissionConfig struct {
	PreviewDuration      int // seconds granted to a fresh identity
	UsedThresholdSeconds int // consumed time at which a retry counts as used
	VPNMaxRetries        int
	VPNWindow            time.Duration
	RestrictedCountries  map[string]struct{}
}

// AdmissionEngine turns a visitor identity into an allow/deny/retry verdict.
// Dependencies are injected so tests run against isolated instances.
type AdmissionEngine struct {
	store  IdentityBackend
	lookup GeoLookupClient
	config AdmissionConfig
}

func NewAdmissionEngine(store IdentityBackend, lookup GeoLookupClient, config AdmissionConfig) *AdmissionEngine {
	return &AdmissionEngine{store: store, lookup: lookup, config: config}
}

// Check runs the ordered short-circuit admission algorithm. Cheapest checks
// first; at most one external lookup and at most one record mutation per
// call. Internal failures resolve to transient_error (fail-closed).
func (e *AdmissionEngine) Check(ctx context.Context, identity, fingerprint string, endedMarker bool) model.Decision {
	// 1. Durable browser marker, no lookups needed.
	if endedMarker {
		return model.Deny(shared.ReasonPreviewUsed)
	}

	// 2. Terminal record state.
	rec, err := e.store.GetIdentity(identity)
	if err != nil {
		log.WithError(err).WithField("identity", identity).Error("Identity load failed during admission check")
		return model.Deny(shared.ReasonTransientError)
	}

	if rec != nil && rec.PreviewUsed {
		return model.Deny(shared.ReasonPreviewUsed)
	}

	// 3. Mostly-consumed previews count as used; a visitor who lost
	// connectivity near the end must not get a fresh full window.
	if rec != nil && rec.TimeConsumed >= e.config.UsedThresholdSeconds {
		if err := e.store.MarkPreviewUsed(identity); err != nil {
			log.WithError(err).WithField("identity", identity).Error("Failed to mark mostly-consumed preview as used")
			return model.Deny(shared.ReasonTransientError)
		}
		return model.Deny(shared.ReasonPreviewUsed)
	}

	// 4. Exhausted VPN retries inside an open window deny before any new
	// lookup; probing must not be rewarded with fresh external calls.
	now := time.Now()
	if rec != nil && rec.InVpnWindow(now) && rec.VpnAttempts >= e.config.VPNMaxRetries {
		return model.Deny(shared.ReasonVPNMaxRetries)
	}

	// 5. Single geo/proxy lookup.
	result, lookupErr := e.lookup.Lookup(ctx, identity)
	if lookupErr != nil {
		// Lookup outages degrade to the best-effort default (unknown
		// country, not VPN) instead of blocking every visitor.
		log.WithError(lookupErr).WithField("identity", identity).Warn("Geo lookup failed, proceeding with defaults")
		lookupFailuresTotal.Inc()
	}
	if result == nil {
		result = &GeoLookupResult{IP: identity}
	}

	// 6. VPN detection accumulates against the penalty window.
	if result.IsVPN {
		attempts, _, err := e.store.IncrementVpnAttempts(identity, e.config.VPNWindow, result.CountryCode)
		if err != nil {
			log.WithError(err).WithField("identity", identity).Error("VPN attempt increment failed")
			return model.Deny(shared.ReasonTransientError)
		}
		if attempts >= e.config.VPNMaxRetries {
			return model.Deny(shared.ReasonVPNMaxRetries)
		}
		return model.Deny(shared.ReasonVPNDetected)
	}

	// 7. Country restriction.
	if _, restricted := e.config.RestrictedCountries[result.CountryCode]; restricted {
		return model.Deny(shared.ReasonRestrictedCountry)
	}

	// 8. Admit: create-if-absent, start (or resume) the session.
	rec, err = e.store.CreateIdentityIfAbsent(&model.IdentityRecord{
		Identity:    identity,
		Fingerprint: fingerprint,
		CountryCode: result.CountryCode,
	})
	if err != nil || rec == nil {
		log.WithError(err).WithField("identity", identity).Error("Identity record creation failed")
		return model.Deny(shared.ReasonTransientError)
	}

	// Re-check terminal state: a concurrent check may have won the race.
	if rec.PreviewUsed {
		return model.Deny(shared.ReasonPreviewUsed)
	}

	if err := e.store.AssociateFingerprint(identity, fingerprint); err != nil {
		log.WithError(err).WithField("identity", identity).Warn("Fingerprint association failed")
	}

	sessionID, _ := uuid.NewV7()
	if err := e.store.StartSession(identity, sessionID.String()); err != nil {
		log.WithError(err).WithField("identity", identity).Error("Session start failed")
		return model.Deny(shared.ReasonTransientError)
	}

	return model.Admit(e.config.PreviewDuration - rec.TimeConsumed)
}

// RecordProgress applies a progress report as a monotonic max so an
// unload-triggered report racing a periodic one can never shrink the
// consumed time.
func (e *AdmissionEngine) RecordProgress(identity string, secondsElapsed int, trigger string) error {
	if err := e.store.UpdateTimeConsumed(identity, secondsElapsed, e.config.PreviewDuration); err != nil {
		return shared.NewStoreUnavailableError(err, "Failed to record progress")
	}

	log.WithFields(log.Fields{
		"identity": identity,
		"seconds":  secondsElapsed,
		"trigger":  trigger,
	}).Debug("Progress recorded")
	return nil
}

// Terminate marks the identity's preview as used. Idempotent: terminating an
// already-terminated identity leaves the record in the same terminal state.
func (e *AdmissionEngine) Terminate(identity string) error {
	if _, err := e.store.CreateIdentityIfAbsent(&model.IdentityRecord{Identity: identity}); err != nil {
		return shared.NewStoreUnavailableError(err, "Failed to load identity for termination")
	}
	if err := e.store.MarkPreviewUsed(identity); err != nil {
		return shared.NewStoreUnavailableError(err, "Failed to terminate preview")
	}
	return nil
}

func (e *AdmissionEngine) Reset(identity, fingerprint string) (int64, error) {
	removed, err := e.store.ResetIdentity(identity, fingerprint)
	if err != nil {
		return 0, shared.NewStoreUnavailableError(err, "Failed to reset identity")
	}
	return removed, nil
}

func (e *AdmissionEngine) Stats() (*model.IdentityStats, error) {
	stats, err := e.store.IdentityStats()
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err, "Failed to load identity stats")
	}
	return stats, nil
}

// ==================== SERVICE ====================

type AdmissionService struct {
	appContext.DefaultService

	engine *AdmissionEngine
	config AdmissionConfig

	storeSvc *IdentityStoreService
	geoSvc   *GeoLookupService
}

const ADMISSION_SVC = "admission_svc"

func (svc AdmissionService) Id() string {
	return ADMISSION_SVC
}

func (svc *AdmissionService) Configure(ctx *appContext.Context) error {
	svc.config = AdmissionConfig{
		PreviewDuration:      envInt("PREVIEW_DURATION_SECONDS", 180),
		UsedThresholdSeconds: envInt("PREVIEW_USED_THRESHOLD_SECONDS", 150),
		VPNMaxRetries:        envInt("VPN_MAX_RETRIES", 5),
		VPNWindow:            time.Duration(envInt("VPN_WINDOW_MINUTES", 30)) * time.Minute,
		RestrictedCountries:  parseCountrySet(os.Getenv("RESTRICTED_COUNTRIES")),
	}
	return svc.DefaultService.Configure(ctx)
}

func (svc *AdmissionService) Start() error {
	svc.storeSvc = svc.Service(IDENTITY_STORE_SVC).(*IdentityStoreService)
	svc.geoSvc = svc.Service(GEO_LOOKUP_SVC).(*GeoLookupService)

	svc.engine = NewAdmissionEngine(svc.storeSvc.Backend(), svc.geoSvc, svc.config)
	return nil
}

func (svc *AdmissionService) CheckAdmission(ctx context.Context, identity, fingerprint string, endedMarker bool) model.Decision {
	decision := svc.engine.Check(ctx, identity, fingerprint, endedMarker)
	admissionDecisionsTotal.WithLabelValues(decision.Status, decision.Reason).Inc()
	return decision
}

func (svc *AdmissionService) RecordProgress(identity string, secondsElapsed int, trigger string) error {
	progressReportsTotal.WithLabelValues(trigger).Inc()
	return svc.engine.RecordProgress(identity, secondsElapsed, trigger)
}

func (svc *AdmissionService) Terminate(identity string) error {
	return svc.engine.Terminate(identity)
}

func (svc *AdmissionService) Reset(identity, fingerprint string) (int64, error) {
	return svc.engine.Reset(identity, fingerprint)
}

func (svc *AdmissionService) Stats() (*model.IdentityStats, error) {
	return svc.engine.Stats()
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func parseCountrySet(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, code := range strings.Split(raw, ",") {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			set[code] = struct{}{}
		}
	}
	return set
}
