package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"meli-leader-bot/auth"
	"meli-leader-bot/models"
	"meli-leader-bot/services"
	"meli-leader-bot/storage"
	"meli-leader-bot/utils"
)

const rootMessage = "Tu bot de Mercado Libre está funcionando 🎉"

const (
	stateCookie = "oauth_state"
	stateTTL    = 10 * time.Minute
)

// Monitor is the read side of the cycle engine.
type Monitor interface {
	ProductID() string
	Preview(ctx context.Context) (models.Ranking, error)
	Stats() services.MonitorStats
}

// Trigger starts cycles on demand.
type Trigger interface {
	TriggerNow(ctx context.Context) (models.CycleResult, error)
	Running() bool
}

// Authorizer runs the OAuth authorization-code flow.
type Authorizer interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.Token, error)
}

type App struct {
	monitor Monitor
	trigger Trigger
	store   storage.LeaderStore
	authz   Authorizer
	logger  *utils.Logger
	started time.Time
}

// NewApp wires the handlers. authz may be nil when OAuth credentials are
// not configured.
func NewApp(monitor Monitor, trigger Trigger, store storage.LeaderStore, authz Authorizer, logger *utils.Logger) *App {
	return &App{
		monitor: monitor,
		trigger: trigger,
		store:   store,
		authz:   authz,
		logger:  logger,
		started: time.Now(),
	}
}

func (a *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(rootMessage))
}

func (a *App) authHandler(w http.ResponseWriter, r *http.Request) {
	if a.authz == nil {
		WriteJSONError(w, http.StatusServiceUnavailable, "oauth_not_configured", "APP_ID and CLIENT_SECRET are required")
		return
	}
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.authz.AuthURL(state), http.StatusFound)
}

// validState reports whether the callback carries the state /auth issued to
// this browser.
func validState(r *http.Request) bool {
	got := r.URL.Query().Get("state")
	c, err := r.Cookie(stateCookie)
	if err != nil || got == "" || c.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.Value)) == 1
}

func (a *App) callbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authz == nil {
		WriteJSONError(w, http.StatusServiceUnavailable, "oauth_not_configured", "APP_ID and CLIENT_SECRET are required")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		WriteJSONError(w, http.StatusBadRequest, "missing_code", "the callback needs a code query parameter")
		return
	}
	if !validState(r) {
		a.logger.Warn("[http] Rejected OAuth callback with a missing or mismatched state")
		WriteJSONError(w, http.StatusBadRequest, "invalid_state", "start the flow again at /auth")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})

	tok, err := a.authz.Exchange(r.Context(), code)
	if err != nil {
		a.logger.Error("[http] Token exchange failed: %v", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Error al obtener token"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<h1>Autenticado con éxito!</h1>\n<p>Usuario: %d</p>\n<p>El token vence: %s</p>\n",
		tok.UserID, html.EscapeString(tok.ExpiresAt.Format(time.RFC3339)))
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) leaderHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": a.monitor.ProductID(),
		"state":      a.store.LoadAll(r.Context()),
	})
}

func (a *App) competitorsHandler(w http.ResponseWriter, r *http.Request) {
	ranking, err := a.monitor.Preview(r.Context())
	if err != nil {
		WriteJSONError(w, http.StatusBadGateway, "preview_failed", err.Error())
		return
	}

	resp := map[string]any{
		"product_id":      a.monitor.ProductID(),
		"no_valid_leader": ranking.NoValidLeader(),
		"top":             ranking.Top,
		"stats":           ranking.Stats,
	}
	if leader, ok := ranking.Leader(); ok {
		resp["leader"] = leader
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) checkHandler(w http.ResponseWriter, r *http.Request) {
	result, err := a.trigger.TriggerNow(r.Context())
	switch {
	case errors.Is(err, services.ErrCycleInProgress):
		WriteJSONError(w, http.StatusConflict, "cycle_in_progress", "")
	case err != nil:
		WriteJSONError(w, http.StatusBadGateway, "cycle_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"monitor":       a.monitor.Stats(),
		"cycle_running": a.trigger.Running(),
		"uptime_sec":    time.Since(a.started).Seconds(),
	})
}
