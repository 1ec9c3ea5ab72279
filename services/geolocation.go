package services

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/firstpeek/peek_api/shared"

	appContext "github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// GeoLookupResult is what the admission engine consumes: the single
// authoritative VPN boolean plus the resolved country. Other proxy
// classifications (Tor, data-center, public/web proxy) are deliberately not
// blocking; only VPN usage gates access.
type GeoLookupResult struct {
	IP          string `json:"ip"`
	CountryCode string `json:"country_code"`
	IsVPN       bool   `json:"is_vpn"`
}

// GeoLookupClient is the narrow interface the admission engine depends on.
// Implementations return a non-nil best-effort result even when they return
// an error, so callers can fail open without a nil check on every path.
type GeoLookupClient interface {
	Lookup(ctx context.Context, ip string) (*GeoLookupResult, error)
}

type keySkipReason string

const (
	skipQuota     keySkipReason = "quota"
	skipAuth      keySkipReason = "auth"
	skipMalformed keySkipReason = "malformed"
	skipNetwork   keySkipReason = "network"
)

type GeoLookupService struct {
	appContext.DefaultService

	httpClient     *http.Client
	apiURL         string
	apiKeys        []string
	attemptTimeout time.Duration
	defaultCountry string
	cacheExpiry    time.Duration

	redisSvc *RedisService
}

const GEO_LOOKUP_SVC = "geo_lookup_svc"

func (svc GeoLookupService) Id() string {
	return GEO_LOOKUP_SVC
}

func (svc *GeoLookupService) Configure(ctx *appContext.Context) error {
	svc.attemptTimeout = 5 * time.Second
	svc.httpClient = &http.Client{
		Timeout: svc.attemptTimeout,
	}
	svc.apiURL = "https://api.ip2location.io/"
	svc.cacheExpiry = 24 * time.Hour

	svc.defaultCountry = os.Getenv("GEO_DEFAULT_COUNTRY")
	if svc.defaultCountry == "" {
		svc.defaultCountry = "US"
	}

	if keys := os.Getenv("IP2LOCATION_API_KEYS"); keys != "" {
		for _, key := range strings.Split(keys, ",") {
			if key = strings.TrimSpace(key); key != "" {
				svc.apiKeys = append(svc.apiKeys, key)
			}
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *GeoLookupService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)

	if len(svc.apiKeys) == 0 {
		log.Warn("No IP2LOCATION_API_KEYS configured, lookups will run keyless")
	}
	return nil
}

// NewGeoLookupClient builds a standalone client outside the service
// container, for tests and tooling. The zero redis dependency disables the
// cache layer.
func NewGeoLookupClient(apiURL string, keys []string, client *http.Client) *GeoLookupService {
	svc := &GeoLookupService{
		apiURL:         apiURL,
		apiKeys:        keys,
		httpClient:     client,
		attemptTimeout: 5 * time.Second,
		cacheExpiry:    24 * time.Hour,
		defaultCountry: "US",
	}
	if svc.apiURL == "" {
		svc.apiURL = "https://api.ip2location.io/"
	}
	if svc.httpClient == nil {
		svc.httpClient = &http.Client{Timeout: svc.attemptTimeout}
	}
	return svc
}

// SetUpstream overrides the upstream endpoint and client, used by tests.
func (svc *GeoLookupService) SetUpstream(apiURL string, client *http.Client) {
	svc.apiURL = apiURL
	if client != nil {
		svc.httpClient = client
	}
}

func (svc *GeoLookupService) SetAPIKeys(keys []string) {
	svc.apiKeys = keys
}

// ip2locationPayload mirrors the subset of the upstream response we consume.
// The VPN flag appears both top-level and nested under "proxy" depending on
// plan; either placement is accepted.
type ip2locationPayload struct {
	IP          string `json:"ip"`
	CountryCode string `json:"country_code"`
	IsVPN       bool   `json:"is_vpn"`
	Proxy       *struct {
		IsVPN bool `json:"is_vpn"`
	} `json:"proxy"`
	Error *struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
}

// Lookup resolves a network address to a VPN/country verdict. Credentials are
// tried in order; a key is skipped on quota, auth or malformed-response
// signals. When every key is exhausted the caller receives a best-effort
// default together with the failure so it can decide to fail open or closed.
func (svc *GeoLookupService) Lookup(ctx context.Context, ip string) (*GeoLookupResult, error) {
	if isLocalAddress(ip) {
		return &GeoLookupResult{IP: ip, CountryCode: svc.defaultCountry, IsVPN: false}, nil
	}

	cacheKey := fmt.Sprintf("geoip:%s", ip)
	if svc.redisSvc != nil {
		var cached GeoLookupResult
		if err := svc.redisSvc.GetJSON(ctx, cacheKey, &cached); err == nil && cached.IP != "" {
			log.WithField("ip", ip).Debug("Geo lookup cache hit")
			return &cached, nil
		}
	}

	keys := svc.apiKeys
	if len(keys) == 0 {
		keys = []string{""} // keyless mode
	}

	var lastErr error
	for i, key := range keys {
		result, reason, err := svc.lookupWithKey(ctx, ip, key)
		if err == nil {
			if svc.redisSvc != nil {
				if cacheErr := svc.redisSvc.Set(ctx, cacheKey, result, svc.cacheExpiry); cacheErr != nil {
					log.WithError(cacheErr).WithField("ip", ip).Warn("Failed to cache geo lookup result")
				}
			}
			return result, nil
		}

		lastErr = err
		log.WithFields(log.Fields{
			"ip":     ip,
			"key":    i + 1,
			"reason": string(reason),
		}).Warn("Geo lookup credential skipped")
	}

	// Best-effort default: unknown country, not VPN. The failure indication
	// travels alongside so the engine can pick its policy.
	fallback := &GeoLookupResult{IP: ip, CountryCode: "", IsVPN: false}
	return fallback, shared.NewUpstreamLookupError(lastErr, "All lookup credentials exhausted")
}

func (svc *GeoLookupService) lookupWithKey(ctx context.Context, ip, key string) (*GeoLookupResult, keySkipReason, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, svc.attemptTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("ip", ip)
	params.Set("format", "json")
	if key != "" {
		params.Set("key", key)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, svc.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, skipNetwork, err
	}

	resp, err := svc.httpClient.Do(req)
	if err != nil {
		return nil, skipNetwork, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, skipAuth, fmt.Errorf("credential rejected with status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired:
		return nil, skipQuota, fmt.Errorf("credential out of quota, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, skipMalformed, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var payload ip2locationPayload
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, skipMalformed, fmt.Errorf("failed to decode upstream response: %w", err)
	}

	if payload.Error != nil {
		return nil, classifyPayloadError(payload.Error.ErrorMessage),
			fmt.Errorf("upstream error %d: %s", payload.Error.ErrorCode, payload.Error.ErrorMessage)
	}

	if payload.CountryCode == "" {
		return nil, skipMalformed, fmt.Errorf("upstream response missing country_code")
	}

	isVPN := payload.IsVPN
	if payload.Proxy != nil && payload.Proxy.IsVPN {
		isVPN = true
	}

	return &GeoLookupResult{
		IP:          ip,
		CountryCode: strings.ToUpper(payload.CountryCode),
		IsVPN:       isVPN,
	}, "", nil
}

// classifyPayloadError separates credential rejections from quota
// exhaustion. ip2location returns the same error-object shape for both, so
// the message text is the only discriminator.
func classifyPayloadError(message string) keySkipReason {
	msg := strings.ToLower(message)
	if strings.Contains(msg, "api key") || strings.Contains(msg, "permission") || strings.Contains(msg, "invalid key") {
		return skipAuth
	}
	return skipQuota
}

func isLocalAddress(ip string) bool {
	if ip == "" || ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified()
}
