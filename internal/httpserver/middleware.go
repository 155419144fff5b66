package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// requestLogger attaches a request scoped logger to the context and logs each
// completed request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			reqLogger := logger.With().
				Str("request_id", middleware.GetReqID(req.Context())).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("remote_ip", req.RemoteAddr).
				Logger()
			req = req.WithContext(reqLogger.WithContext(req.Context()))

			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)

			ev := reqLogger.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				ev = reqLogger.Error()
			}
			ev.Int("status", ww.Status()).Dur("duration", time.Since(start)).Msg("request")
		})
	}
}
