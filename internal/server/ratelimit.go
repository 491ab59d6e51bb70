package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. The global limit protects the
// server as a whole; the start limit throttles session creation per client
// IP, since every start spends remote API quota and spawns a transcoder.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	StartLimit    int
	StartWindow   time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *tokenBucket
	startLimit   int
	startWindow  time.Duration
	startMu      sync.Mutex
	startBuckets map[string]*ipLimiter
	store        tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		startLimit:   cfg.StartLimit,
		startWindow:  cfg.StartWindow,
		startBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.startWindow <= 0 {
		rl.startWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.startLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowStart gates session creation per client key. With a redis store
// configured, the count is shared across dashboard replicas.
func (r *rateLimiter) AllowStart(key string) (bool, time.Duration, error) {
	if r == nil || r.startLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("loopcast:start:%s", key), r.startLimit, r.startWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.startMu.Lock()
	limiter, exists := r.startBuckets[key]
	if !exists {
		rate := float64(r.startLimit) / r.startWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.startWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.startLimit)}
		r.startBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.startMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.startBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.startWindow)
	for key, limiter := range r.startBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.startBuckets, key)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowRequest() {
				http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
				allowed, retryAfter, err := rl.AllowStart(extractClientIP(r))
				if err != nil {
					if logger != nil {
						logger.Error("rate limiter failure", "error", err)
					}
					http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
					return
				}
				if !allowed {
					if retryAfter > 0 {
						w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
					}
					http.Error(w, "too many session starts", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
