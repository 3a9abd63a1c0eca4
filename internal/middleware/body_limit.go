package middleware

import (
	"encoding/json"
	"net/http"
	"time"
)

// BodyLimit rejects requests that declare a body larger than maxBytes and caps
// the rest. The ingest pipeline reports an over-long streamed body itself.
func BodyLimit(maxBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				writeTooLarge(w)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func writeTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    "PAYLOAD_TOO_LARGE",
			"message": "Email exceeds the maximum size",
		},
		"timestamp": time.Now().UTC(),
	})
}
