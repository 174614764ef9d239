package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type decodeTarget struct {
	AmountCents int64  `json:"amountCents"`
	Action      string `json:"action"`
}

func decodeVia(maxBytes int64, body string) (*httptest.ResponseRecorder, decodeTarget, bool) {
	var (
		out decodeTarget
		ok  bool
	)
	h := LimitBodyMiddleware(maxBytes)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok = DecodeJSON(w, r, &out)
		if ok {
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return rr, out, ok
}

func TestDecodeJSON(t *testing.T) {
	rr, out, ok := decodeVia(0, `{"amountCents":4000,"action":"transfer"}`)
	if !ok || rr.Code != http.StatusNoContent || out.AmountCents != 4000 || out.Action != "transfer" {
		t.Fatalf("unexpected decode: ok=%v code=%d out=%+v", ok, rr.Code, out)
	}

	cases := []struct {
		name string
		max  int64
		body string
		code int
	}{
		{"empty", 0, "  ", http.StatusBadRequest},
		{"malformed", 0, `{"amountCents":`, http.StatusBadRequest},
		{"trailing", 0, `{"amountCents":1} {"amountCents":2}`, http.StatusBadRequest},
		{"too_large", 8, `{"amountCents":4000}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, _, ok := decodeVia(tc.max, tc.body)
			if ok || rr.Code != tc.code {
				t.Fatalf("expected %d, got ok=%v code=%d", tc.code, ok, rr.Code)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 || rr.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("expected generated uuid, got %q header=%q", seen, rr.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "req-123" {
		t.Fatalf("expected inbound id to propagate, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) != 36 {
		t.Fatalf("oversized ids must be replaced, got %d chars", len(seen))
	}
}
