// Package middleware holds HTTP middleware for the public API.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openalpha/clob-dex/metrics"
)

// RateLimiter implements token bucket rate limiting keyed by client IP, with
// a stricter bucket for order placement.
type RateLimiter struct {
	config *RateLimitConfig

	buckets   map[string]*bucket
	bucketsMu sync.Mutex

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int // general requests per second per IP
	Burst             int

	OrdersPerSecond int // order placements per second per IP
	OrderBurst      int

	CleanupInterval time.Duration
	BucketTTL       time.Duration
}

// DefaultRateLimitConfig returns default configuration.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		OrdersPerSecond:   10,
		OrderBurst:        20,
		CleanupInterval:   5 * time.Minute,
		BucketTTL:         time.Hour,
	}
}

type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	rl := &RateLimiter{
		config:        config,
		buckets:       make(map[string]*bucket),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		stopCh:        make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop stops the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.cleanupTicker.Stop()
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.config.BucketTTL)
	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		stale := b.lastUpdate.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) getBucket(key string, maxTokens, refillRate float64) *bucket {
	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     maxTokens,
			maxTokens:  maxTokens,
			refillRate: refillRate,
			lastUpdate: time.Now(),
		}
		rl.buckets[key] = b
	}
	return b
}

// Allow checks the general request bucket for an IP.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	b := rl.getBucket("ip:"+ip, float64(rl.config.Burst), float64(rl.config.RequestsPerSecond))
	return b.take()
}

// AllowOrder checks the order placement bucket for an IP.
func (rl *RateLimiter) AllowOrder(ip string) (bool, int) {
	b := rl.getBucket("order:"+ip, float64(rl.config.OrderBurst), float64(rl.config.OrdersPerSecond))
	return b.take()
}

// take consumes one token, reporting whether the request may proceed and a
// retry-after hint in seconds when it may not.
func (b *bucket) take() (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastUpdate).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

// RateLimitMiddleware enforces the general per-IP limit. Order placement
// additionally consumes from the stricter order bucket.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			allowed, retryAfter := rl.Allow(ip)
			if allowed && r.Method == http.MethodPost && r.URL.Path == "/api/orders" {
				allowed, retryAfter = rl.AllowOrder(ip)
			}
			if !allowed {
				metrics.GetCollector().RateLimitHits.WithLabelValues(r.URL.Path).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":    "RATE_LIMITED",
					"message": "too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP, honouring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if i := strings.LastIndexByte(ip, ':'); i >= 0 {
		return ip[:i]
	}
	return ip
}
