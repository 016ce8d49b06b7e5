package middleware

import (
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"navyk-backend/internal/ratelimit"
)

// RateLimiter admits requests through a sliding window keyed by the
// authenticated user, or by client address for anonymous requests.
type RateLimiter struct {
	limiter ratelimit.Limiter
	log     *zap.Logger
}

func NewRateLimiter(limiter ratelimit.Limiter, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{limiter: limiter, log: log}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)

		d, err := rl.limiter.Allow(r.Context(), key)
		if err != nil {
			// Limiter backend unavailable: let the request through.
			rl.log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(d.WaitSeconds()))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if id := GetUserID(r.Context()); id != uuid.Nil {
		return "user:" + id.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
