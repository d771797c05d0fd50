package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"atlasux/pkg/httpx"
)

// Middleware enforces limit requests per window for the key keyFn derives from
// the request. An empty key bypasses the limiter. onLimited, when set, runs for
// every rejected request before the 429 is written.
func Middleware(lim Limiter, limit int, keyFn func(*http.Request) string, onLimited func(*http.Request, Decision)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if lim == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			d := lim.Allow(r.Context(), key, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				if onLimited != nil {
					onLimited(r, d)
				}
				secs := int(d.RetryAfter(time.Now().UTC()).Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				httpx.ErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
