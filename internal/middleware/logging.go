package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"goa.design/goa/v3/middleware"
)

// RequestLogger logs one line per request with the goa request ID.
// The ResponseWriter is passed through untouched so websocket upgrades
// and streaming responses keep their Hijacker and Flusher.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			reqID, _ := r.Context().Value(middleware.RequestIDKey).(string)
			logger.Debug().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
