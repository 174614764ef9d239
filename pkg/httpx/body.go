package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const DefaultMaxBodyBytes int64 = 1 << 20

// LimitBodyMiddleware caps request bodies at max bytes.
func LimitBodyMiddleware(max int64) func(http.Handler) http.Handler {
	if max <= 0 {
		max = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ReadBody reads the request body, answering 413 or 400 itself on failure.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

// DecodeJSON reads and decodes a single JSON object into v. Float tokens are
// rejected: money travels as integer cents.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, ok := ReadBody(w, r)
	if !ok {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		Error(w, http.StatusBadRequest, "request body required")
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if dec.More() {
		Error(w, http.StatusBadRequest, "trailing data after json body")
		return false
	}
	return true
}
