package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/HailBahafi/KeyGuard-sub002/internal/database"
	"github.com/HailBahafi/KeyGuard-sub002/internal/metrics"
	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
)

// Decision is the limiter verdict for one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// RedisLimiter is a fixed-window counter shared by all gateway instances.
type RedisLimiter struct {
	redis  *database.Redis
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis backed limiter.
func NewRedisLimiter(redis *database.Redis) *RedisLimiter {
	return &RedisLimiter{redis: redis, prefix: "ratelimit:", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	count, ttl, err := l.redis.IncrWithExpire(ctx, l.prefix+key, window)
	if err != nil {
		return Decision{}, err
	}
	if ttl <= 0 {
		ttl = window
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		Reset:     l.now().Add(ttl),
	}, nil
}

// MemoryLimiter keeps one token bucket per key in a bounded LRU. Buckets
// that go unused for a window are evicted.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process limiter tracking at most size keys.
func NewMemoryLimiter(size int, idle time.Duration) *MemoryLimiter {
	if size <= 0 {
		size = 100_000
	}
	return &MemoryLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](size, nil, idle),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	every := window / time.Duration(limit)

	l.mu.Lock()
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(rate.Every(every), limit)
	}
	// Re-adding refreshes the entry's expiry.
	l.buckets.Add(key, bucket)
	l.mu.Unlock()

	now := l.now()
	allowed := bucket.AllowN(now, 1)
	tokens := bucket.TokensAt(now)
	missing := float64(limit) - tokens

	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(int(math.Floor(tokens)), 0),
		Reset:     now.Add(time.Duration(missing * float64(every))),
	}, nil
}

// RateLimitConfig defines per-device and per-API-key limits. A zero limit
// disables that scope.
type RateLimitConfig struct {
	PerDevice int
	PerKey    int
	Window    time.Duration
}

// RateLimit limits verified requests per device and per owning API key. It
// must run behind the signature gate. Limiter errors let the request through.
func RateLimit(l Limiter, cfg RateLimitConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dev := DeviceFrom(r.Context())
			if dev == nil {
				next.ServeHTTP(w, r)
				return
			}

			type scope struct {
				name  string
				key   string
				limit int
			}
			scopes := []scope{
				{name: "device", key: "device:" + dev.ID.String(), limit: cfg.PerDevice},
				{name: "api_key", key: "apikey:" + dev.APIKeyID.String(), limit: cfg.PerKey},
			}

			var tightest *Decision
			for _, s := range scopes {
				if s.limit <= 0 {
					continue
				}
				d, err := l.Allow(r.Context(), s.key, s.limit, cfg.Window)
				if err != nil {
					logger.Error("rate limiter unavailable", slog.String("scope", s.name), slog.String("error", err.Error()))
					continue
				}
				if tightest == nil || !d.Allowed || (tightest.Allowed && d.Remaining < tightest.Remaining) {
					tightest = &d
				}
				if !d.Allowed {
					metrics.RateLimitedTotal.WithLabelValues(s.name).Inc()
					break
				}
			}

			if tightest != nil {
				setRateLimitHeaders(w, *tightest)
				if !tightest.Allowed {
					retry := int(math.Ceil(time.Until(tightest.Reset).Seconds()))
					w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
					response.Error(w, apierrors.ErrRateLimited)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// NewLimiter picks the limiter for backend.
func NewLimiter(backend string, redis *database.Redis, size int, window time.Duration) (Limiter, error) {
	switch backend {
	case "", "memory":
		return NewMemoryLimiter(size, 2*window), nil
	case "redis":
		if redis == nil {
			return nil, fmt.Errorf("rate limit backend redis requires redis")
		}
		return NewRedisLimiter(redis), nil
	default:
		return nil, fmt.Errorf("rate limit backend %q is not supported", backend)
	}
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
