package server

import (
	"expvar"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	publishOnce sync.Once
	activeApp   atomic.Pointer[App]
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	activeApp.Store(app)
	publishOnce.Do(func() {
		expvar.Publish("monitor", expvar.Func(func() any {
			if a := activeApp.Load(); a != nil {
				return a.monitor.Stats()
			}
			return nil
		}))
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", app.rootHandler)
	mux.HandleFunc("GET /auth", app.authHandler)
	mux.HandleFunc("GET /callback", app.callbackHandler)
	mux.HandleFunc("GET /healthz", app.healthHandler)
	mux.HandleFunc("GET /debug/leader", app.leaderHandler)
	mux.HandleFunc("GET /debug/competitors", app.competitorsHandler)
	mux.HandleFunc("POST /debug/check", app.checkHandler)
	mux.HandleFunc("GET /debug/metrics", app.metricsHandler)
	mux.Handle("GET /debug/vars", expvar.Handler())
	return WithRequestID(WithLogging(app.logger)(mux))
}

// NewServer returns an http.Server for handler with conservative timeouts.
func NewServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}
