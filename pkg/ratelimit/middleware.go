package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/auth"
	"github.com/DisCard-Technologies/discard-sub016/pkg/httpx"
)

// CallerKey identifies the caller: the authenticated subject when there is
// one, otherwise the remote address.
func CallerKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		return "sub:" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects callers over limit requests per window with 429. A
// non-positive limit disables throttling.
func Middleware(l Limiter, limit int, key func(*http.Request) string) func(http.Handler) http.Handler {
	if key == nil {
		key = CallerKey
	}
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(time.Until(d.ResetAt).Seconds()) + 1
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
