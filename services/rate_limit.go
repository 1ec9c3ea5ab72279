package services

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/firstpeek/peek_api/dto"
	"github.com/firstpeek/peek_api/shared"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

// RateLimitConfig is the statically configured limit of one operation class.
type RateLimitConfig struct {
	OperationClass string
	MaxRequests    int
	WindowSize     time.Duration
	Description    string
}

type rateLimitKey struct {
	class    string
	identity string
}

type rateLimitEntry struct {
	count         int
	windowResetAt time.Time
}

// RateLimiter is a fixed-window counter keyed by (operationClass, identity).
// Instances are self-contained so tests can run isolated limiters; nothing is
// process-global. An entry past its windowResetAt is treated as absent even
// before the sweep has physically purged it.
type RateLimiter struct {
	mu      sync.Mutex
	configs map[string]*RateLimitConfig
	entries map[rateLimitKey]*rateLimitEntry
}

func NewRateLimiter(configs map[string]*RateLimitConfig) *RateLimiter {
	if configs == nil {
		configs = DefaultRateLimitConfigs()
	}
	return &RateLimiter{
		configs: configs,
		entries: make(map[rateLimitKey]*rateLimitEntry),
	}
}

func DefaultRateLimitConfigs() map[string]*RateLimitConfig {
	return map[string]*RateLimitConfig{
		shared.ClassAdmin: {
			OperationClass: shared.ClassAdmin,
			MaxRequests:    10,
			WindowSize:     time.Minute,
			Description:    "Administrative operations",
		},
		shared.ClassPublic: {
			OperationClass: shared.ClassPublic,
			MaxRequests:    60,
			WindowSize:     time.Minute,
			Description:    "Public operations",
		},
		shared.ClassIngest: {
			OperationClass: shared.ClassIngest,
			MaxRequests:    100,
			WindowSize:     time.Minute,
			Description:    "Ingestion operations",
		},
		// Tighter than public on purpose, polling the feed is the scraping
		// vector.
		shared.ClassFeed: {
			OperationClass: shared.ClassFeed,
			MaxRequests:    30,
			WindowSize:     time.Minute,
			Description:    "Read-heavy feed polling",
		},
	}
}

// Allow records one request against the (class, identity) window and reports
// whether it fits the class limit.
func (rl *RateLimiter) Allow(class, identity string) (bool, *dto.RateLimitInfo) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	config, exists := rl.configs[class]
	if !exists {
		return true, &dto.RateLimitInfo{Allowed: true, Remaining: -1}
	}

	now := time.Now()
	key := rateLimitKey{class: class, identity: identity}

	entry, ok := rl.entries[key]
	if !ok || !now.Before(entry.windowResetAt) {
		entry = &rateLimitEntry{
			count:         1,
			windowResetAt: now.Add(config.WindowSize),
		}
		rl.entries[key] = entry

		reset := entry.windowResetAt
		return true, &dto.RateLimitInfo{
			Allowed:   true,
			Remaining: config.MaxRequests - 1,
			ResetTime: &reset,
		}
	}

	entry.count++
	if entry.count > config.MaxRequests {
		reset := entry.windowResetAt
		retryAfter := int(time.Until(reset).Seconds()) + 1
		return false, &dto.RateLimitInfo{
			Allowed:           false,
			Remaining:         0,
			ResetTime:         &reset,
			RetryAfterSeconds: retryAfter,
		}
	}

	reset := entry.windowResetAt
	return true, &dto.RateLimitInfo{
		Allowed:   true,
		Remaining: config.MaxRequests - entry.count,
		ResetTime: &reset,
	}
}

// Sweep drops expired entries. It runs on a schedule decoupled from request
// volume so bursty-then-idle traffic cannot leave stale entries resident.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range rl.entries {
		if !now.Before(entry.windowResetAt) {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) Reset(class, identity string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, rateLimitKey{class: class, identity: identity})
}

func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	active := 0
	for _, entry := range rl.entries {
		if now.Before(entry.windowResetAt) {
			active++
		}
	}

	configs := make(map[string]*RateLimitConfig, len(rl.configs))
	for k, v := range rl.configs {
		configs[k] = v
	}

	return map[string]interface{}{
		"configs":        configs,
		"tracked_keys":   len(rl.entries),
		"active_windows": active,
		"timestamp":      now,
	}
}

// ==================== SERVICE ====================

type RateLimitService struct {
	context.DefaultService

	limiter *RateLimiter
	closed  chan struct{}
}

const RATE_LIMIT_SVC = "rate_limit_svc"

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *RateLimitService) Configure(ctx *context.Context) error {
	svc.limiter = NewRateLimiter(nil)
	svc.closed = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	go svc.sweepLoop()
	return nil
}

func (svc *RateLimitService) Shutdown() {
	close(svc.closed)
}

func (svc *RateLimitService) Limiter() *RateLimiter {
	return svc.limiter
}

func (svc *RateLimitService) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := svc.limiter.Sweep(); removed > 0 {
				log.WithField("removed", removed).Debug("Rate limit sweep completed")
			}
		case <-svc.closed:
			return
		}
	}
}

// ==================== MIDDLEWARE ====================

// Limit guards an endpoint with the given operation class.
func (svc *RateLimitService) Limit(operationClass string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity := GetClientIP(c)
		c.Locals(shared.ClientIdentity, identity)

		allowed, info := svc.limiter.Allow(operationClass, identity)
		addRateLimitHeaders(c, info)

		if !allowed {
			return shared.NewRateLimitError("Too many requests. Please try again later.", map[string]interface{}{
				"retry_after": info.RetryAfterSeconds,
			})
		}

		return c.Next()
	}
}

func addRateLimitHeaders(c *fiber.Ctx, info *dto.RateLimitInfo) {
	if info == nil {
		return
	}

	if info.Remaining >= 0 {
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	}
	if info.ResetTime != nil {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
	if info.RetryAfterSeconds > 0 {
		c.Set("Retry-After", strconv.Itoa(info.RetryAfterSeconds))
	}
}

// ==================== UTILITY FUNCTIONS ====================

// GetClientIP resolves the requesting identity behind load balancers and
// Cloudflare.
func GetClientIP(c *fiber.Ctx) string {
	cfIP := c.Get("CF-Connecting-IP")
	if cfIP != "" {
		return cfIP
	}

	forwarded := c.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	realIP := c.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}
	return ip
}
