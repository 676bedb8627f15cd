package httpapi

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// RateLimiter throttles mutating requests per caller. Reads pass through
// untouched; writes are keyed by the user id in the path, falling back to
// the remote address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

// NewRateLimiter builds a limiter allowing writesPerMinute sustained
// mutations with the given burst.
func NewRateLimiter(writesPerMinute, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	if writesPerMinute <= 0 {
		writesPerMinute = 30
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(writesPerMinute) / 60.0),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Bound the map; dropping all limiters only briefly relaxes the limit.
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Handler returns the rate limiting middleware.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		key := callerKey(r)
		if !rl.getLimiter(key).Allow() {
			rl.log.WithField("key", key).Warnf("rate limit exceeded on %s %s", r.Method, r.URL.Path)
			writeError(w, http.StatusTooManyRequests, errTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errTooManyRequests = &rateLimitError{}

type rateLimitError struct{}

func (*rateLimitError) Error() string { return "too many requests" }

// callerKey extracts the user id from /users/{id}/... paths so each user
// gets an independent budget.
func callerKey(r *http.Request) string {
	trimmed := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 && parts[0] == "users" && parts[1] != "" {
		return "user:" + parts[1]
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return "addr:" + host
}
