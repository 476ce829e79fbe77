package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth accepts a request carrying any of keys in X-API-Key or
// Authorization: Bearer <key>. Several keys may be active during rotation.
func APIKeyAuth(keys ...string) func(http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			accepted = append(accepted, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					key = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}

			if key == "" {
				respondError(w, http.StatusUnauthorized, "Missing API key. Provide X-API-Key header or Authorization: Bearer <key>")
				return
			}

			if !matchesAny([]byte(key), accepted) {
				respondError(w, http.StatusForbidden, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchesAny compares against every key in constant time.
func matchesAny(key []byte, accepted [][]byte) bool {
	match := 0
	for _, k := range accepted {
		match |= subtle.ConstantTimeCompare(key, k)
	}
	return match == 1
}
