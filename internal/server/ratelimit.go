package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds requests per principal. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// principalLimiter keeps one token bucket per actor, or per remote address
// for unauthenticated requests.
type principalLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPrincipalLimiter(cfg RateLimitConfig) *principalLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS) + 1
	}
	return &principalLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *principalLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	// idle buckets are swept once the map grows
	if len(l.buckets) > 1024 {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > 3*time.Minute {
				delete(l.buckets, k)
			}
		}
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// middleware must run after authentication so the principal is known.
func (l *principalLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if p, ok := principalFromContext(r.Context()); ok {
			key = "actor:" + p.ActorID
		} else {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "addr:" + host
		}
		if !l.get(key).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(l.limit)))
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 || limit >= 1 {
		return 1
	}
	return int(1/float64(limit)) + 1
}
