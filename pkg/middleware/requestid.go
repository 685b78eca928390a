package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mctrack/mctrack/pkg/contextkeys"
)

// RequestID tags every request with an ID for log correlation. An
// inbound X-Request-ID is honored so proxy-side traces line up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestID(r.Context(), requestID)))
	})
}
