package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
)

// ClientIP returns the source identifier used for rate limiting. chi's RealIP
// middleware has already rewritten RemoteAddr when proxy headers are trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware limits requests to one named endpoint per client IP.
func (l *Limiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := l.Check(ClientIP(r), endpoint)
			if result.Limit == Unlimited {
				next.ServeHTTP(w, r)
				return
			}

			resetSeconds := int(math.Ceil(result.ResetIn.Seconds()))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSeconds))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(resetSeconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"statusCode": http.StatusTooManyRequests,
					"error":      l.Policy().Message,
					"retryAfter": resetSeconds,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
