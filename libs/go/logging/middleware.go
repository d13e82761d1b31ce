package logging

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger returns a middleware that logs HTTP requests and enriches context.
// It picks up the request ID set by chi's RequestID middleware and stores a
// request-scoped logger retrievable via FromContext.
func RequestLogger(logger *Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())

			reqLogger := logger.With(
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
			)

			ctx := r.Context()
			ctx = WithRequestID(ctx, reqID)
			ctx = WithLogger(ctx, reqLogger)

			// Upgraded connections live for the whole terminal session; the
			// completion line would only report the hijack.
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				reqLogger.Debug("websocket upgrade requested", "remote_addr", r.RemoteAddr)
				next.ServeHTTP(w, r.WithContext(ctx))
				reqLogger.Info("websocket closed", "duration_ms", time.Since(start).Milliseconds())
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqLogger.Debug("request started", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			attrs := []any{
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			}

			switch {
			case status >= 500:
				reqLogger.Error("request completed", attrs...)
			case status >= 400:
				reqLogger.Warn("request completed", attrs...)
			default:
				reqLogger.Info("request completed", attrs...)
			}
		})
	}
}
