package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Limiter decides whether a request identified by key is within quota.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// RateLimit rejects requests over quota with 429. Authenticated callers are
// keyed by user id, anonymous ones by remote address. A nil limiter
// disables the middleware.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.Context(), rateLimitKey(r)) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if userID, err := userIDFromContext(r.Context()); err == nil {
		return "user:" + strconv.Itoa(userID)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
