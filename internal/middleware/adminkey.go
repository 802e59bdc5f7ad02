package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

const adminKeyHeader = "X-Admin-Key"

// AdminKey rejects requests whose X-Admin-Key header does not match key.
// An empty key rejects everything.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(adminKeyHeader)
			if got == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError mirrors the api error envelope. The api router imports this
// package, so it cannot be used here.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
