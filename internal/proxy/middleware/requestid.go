package middleware

import (
	"net/http"

	"github.com/kirogateway/gateway/internal/logging"
)

// RequestID assigns each inbound request a short trace id (reusing the
// client's X-Request-ID if it sent one), threads it through the request
// context, and echoes it back on the response so a client and a log line
// can be correlated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
