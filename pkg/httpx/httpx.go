// Package httpx holds the HTTP plumbing shared by the soul binaries.
package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

var (
	corsAllowHeaders  = []string{"Authorization", "Content-Type", RequestIDHeader, "X-Soul-Service-Token"}
	corsExposeHeaders = "Retry-After,X-RateLimit-Limit,X-RateLimit-Remaining," + RequestIDHeader
)

type corsPolicy struct {
	origins   map[string]struct{}
	anyOrigin bool
	headers   map[string]string
}

func newCORSPolicy(allowedOrigins string) corsPolicy {
	p := corsPolicy{origins: map[string]struct{}{}, headers: map[string]string{}}
	for _, part := range strings.Split(allowedOrigins, ",") {
		switch origin := strings.TrimSpace(part); origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = struct{}{}
		}
	}
	for _, h := range corsAllowHeaders {
		p.headers[strings.ToLower(h)] = h
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// allowHeaders answers a preflight with the requested headers that are on
// the allowlist, or the whole allowlist when none were named.
func (p corsPolicy) allowHeaders(requested string) string {
	if strings.TrimSpace(requested) == "" {
		return strings.Join(corsAllowHeaders, ",")
	}
	out := make([]string, 0, len(corsAllowHeaders))
	for _, h := range strings.Split(requested, ",") {
		if canonical, ok := p.headers[strings.ToLower(strings.TrimSpace(h))]; ok {
			out = append(out, canonical)
		}
	}
	return strings.Join(out, ",")
}

// CORSMiddleware enforces an explicit origin allowlist from comma-separated
// origins. Unknown origins get no CORS headers; their preflights are refused.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			preflight := r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
			if !policy.allows(origin) {
				if preflight {
					Error(w, http.StatusForbidden, "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			h.Set("Access-Control-Allow-Headers", policy.allowHeaders(r.Header.Get("Access-Control-Request-Headers")))
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error", "code"}; code is the snake_case status text so
// clients can branch without parsing messages.
func Error(w http.ResponseWriter, status int, msg string) {
	code := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	if code == "" {
		code = "error"
	}
	WriteJSON(w, status, map[string]string{"error": msg, "code": code})
}
