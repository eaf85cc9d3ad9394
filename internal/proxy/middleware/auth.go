package middleware

import (
	"net/http"
	"strings"
)

// APIKeyAuth validates the gateway's own inbound API key (spec §6's apiKey),
// checked via either an x-api-key header or an Authorization: Bearer
// header, adapted from the teacher's database-backed APIKeyAuth to a
// config-driven expected key.
func APIKeyAuth(expectedKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if apiKeyHeader := r.Header.Get("x-api-key"); apiKeyHeader == expectedKey {
				next.ServeHTTP(w, r)
				return
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				if strings.TrimPrefix(authHeader, "Bearer ") == expectedKey {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

// AdminAPIKeyAuth guards the admin-only surfaces spec §6's adminApiKey
// configures, using the same header contract as APIKeyAuth. A request is
// rejected when expectedKey is set and no header matches it.
func AdminAPIKeyAuth(expectedKey string) func(next http.Handler) http.Handler {
	return APIKeyAuth(expectedKey)
}
