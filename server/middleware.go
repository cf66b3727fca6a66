package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"meli-leader-bot/utils"
)

type ctxKey int

const requestIDKey ctxKey = iota

const requestIDHeader = "X-Request-Id"

// RequestIDFromContext returns the id WithRequestID attached, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// responseRecorder remembers the status and body size for the access log.
type responseRecorder struct {
	w      http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) Header() http.Header { return rr.w.Header() }

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.w.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	n, err := rr.w.Write(b)
	rr.bytes += n
	return n, err
}

// WithRequestID keeps an incoming X-Request-Id or mints one, and echoes it back.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithLogging writes one access line per request.
func WithLogging(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{w: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			if r.URL.Path == "/healthz" {
				logger.Debug("[http] %s %s %d (%v) request_id=%s",
					r.Method, r.URL.Path, rec.status, elapsed, RequestIDFromContext(r.Context()))
				return
			}
			logger.Info("[http] %s %s %d %dB (%v) request_id=%s",
				r.Method, r.URL.Path, rec.status, rec.bytes, elapsed, RequestIDFromContext(r.Context()))
		})
	}
}
