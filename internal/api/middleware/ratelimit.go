package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// RateLimiter applies an in-memory token bucket per client address. It is a
// guard against runaway UI loops, not a substitute for API server quotas.
type RateLimiter struct {
	logger   *slog.Logger
	visitors sync.Map // remote host -> *visitor
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		logger: logger,
		limit:  rate.Limit(50), // requests per second per client
		burst:  100,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		v := rl.visitorFor(host)
		v.mu.Lock()
		v.lastSeen = time.Now()
		allowed := v.limiter.Allow()
		v.mu.Unlock()

		if !allowed {
			rl.logger.Warn("Rate limit exceeded", slog.String("remote", host))
			http.Error(w, `{"message": "Too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) visitorFor(host string) *visitor {
	if v, ok := rl.visitors.Load(host); ok {
		return v.(*visitor)
	}
	v, _ := rl.visitors.LoadOrStore(host, &visitor{
		limiter:  rate.NewLimiter(rl.limit, rl.burst),
		lastSeen: time.Now(),
	})
	return v.(*visitor)
}

// cleanupVisitors drops buckets for clients idle longer than three minutes.
func (rl *RateLimiter) cleanupVisitors() {
	for range time.Tick(time.Minute) {
		rl.visitors.Range(func(key, value any) bool {
			v := value.(*visitor)
			v.mu.Lock()
			idle := time.Since(v.lastSeen)
			v.mu.Unlock()
			if idle > 3*time.Minute {
				rl.visitors.Delete(key)
			}
			return true
		})
	}
}
