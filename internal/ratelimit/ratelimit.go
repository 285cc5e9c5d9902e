// ABOUTME: Per-client-IP token bucket rate limiting for HTTP handlers
// ABOUTME: Idle limiters are evicted by a TTL cache so the map stays bounded

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v2"
	"golang.org/x/time/rate"
)

// idleTTL is how long a client's limiter survives without requests.
const idleTTL = 10 * time.Minute

// Limiter hands out one token bucket per client IP.
type Limiter struct {
	name    string
	limit   rate.Limit
	burst   int
	buckets *ttlcache.Cache
	logger  *slog.Logger
}

// PerMinute returns a Limiter allowing n requests per minute per IP, with
// bursts up to n. n <= 0 disables limiting.
func PerMinute(name string, n int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	c := ttlcache.NewCache()
	_ = c.SetTTL(idleTTL)
	l := &Limiter{
		name:    name,
		limit:   rate.Inf,
		burst:   0,
		buckets: c,
		logger:  logger.With("component", "ratelimit", "limiter", name),
	}
	if n > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(n))
		l.burst = n
	}
	return l
}

// Allow reports whether a request from ip may proceed now.
func (l *Limiter) Allow(ip string) bool {
	if l.limit == rate.Inf {
		return true
	}
	return l.bucket(ip).Allow()
}

func (l *Limiter) bucket(ip string) *rate.Limiter {
	if v, err := l.buckets.Get(ip); err == nil {
		if b, ok := v.(*rate.Limiter); ok {
			return b
		}
	}
	b := rate.NewLimiter(l.limit, l.burst)
	_ = l.buckets.Set(ip, b)
	return b
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int { return l.buckets.Count() }

// Close stops the eviction goroutine.
func (l *Limiter) Close() error { return l.buckets.Close() }

// Middleware refuses requests over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !l.Allow(ip) {
			l.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of the request's remote address.
// Forwarding headers are not trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
