package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// DefaultClientHeader is the forwarded-address header used for client keys.
const DefaultClientHeader = "X-Forwarded-For"

// KeyFunc derives the client key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP returns a KeyFunc that takes the first hop of the forwarded-address
// header and falls back to the connection's remote address.
func ClientIP(header string) KeyFunc {
	if header == "" {
		header = DefaultClientHeader
	}
	return func(r *http.Request) string {
		if fwd := r.Header.Get(header); fwd != "" {
			if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
				return ip
			}
		}
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
}

// Middleware wraps an HTTP handler with rate limiting. Rejected requests get
// 429 with a Retry-After header in whole seconds. onLimited is optional.
func (l *Limiter) Middleware(key KeyFunc, onLimited func(r *http.Request, d Decision)) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP("")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				if onLimited != nil {
					onLimited(r, d)
				}
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(d)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, minimum 1.
func RetryAfterSeconds(d Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
