package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flowkeep/engine/internal/apierrors"
	"github.com/flowkeep/engine/internal/logging"
)

type ctxKey string

const ctxTraceID ctxKey = "httpapi.trace_id"

// corsMiddleware allows cross-origin requests from any browser-based
// workflow dashboard and short-circuits preflight, grounded on
// infrastructure/middleware/cors.go's allow-list shape, simplified to a
// wildcard origin (credentials are bearer tokens, not cookies, so a
// wildcard origin carries no CSRF risk).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns a panic into a 500 ServiceError instead of
// killing the listener goroutine, grounded on
// infrastructure/middleware/recovery.go.
func recoveryMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(map[string]interface{}{
						"panic":  fmt.Sprintf("%v", rec),
						"stack":  string(debug.Stack()),
						"path":   r.URL.Path,
						"method": r.Method,
					}).Error("panic recovered")
					writeError(w, apierrors.Internal("internal server error", fmt.Errorf("%v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs every request with a trace id, grounded on
// infrastructure/middleware/logging.go.
func loggingMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), ctxTraceID, traceID)
			r = r.WithContext(ctx)
			r.Header.Set("X-Trace-ID", traceID)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			log.WithFields(map[string]interface{}{
				"trace_id": traceID,
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.status,
				"duration": time.Since(start).String(),
			}).Info("http request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
