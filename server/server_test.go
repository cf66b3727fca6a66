package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meli-leader-bot/auth"
	"meli-leader-bot/models"
	"meli-leader-bot/services"
	"meli-leader-bot/storage"
	"meli-leader-bot/utils"
)

type fakeMonitor struct {
	ranking models.Ranking
	err     error
}

func (f *fakeMonitor) ProductID() string { return "MLA1" }
func (f *fakeMonitor) Preview(context.Context) (models.Ranking, error) {
	return f.ranking, f.err
}
func (f *fakeMonitor) Stats() services.MonitorStats {
	return services.MonitorStats{Cycles: 3, Transitions: 1}
}

type fakeTrigger struct {
	result models.CycleResult
	err    error
}

func (f *fakeTrigger) TriggerNow(context.Context) (models.CycleResult, error) { return f.result, f.err }
func (f *fakeTrigger) Running() bool                                          { return false }

type fakeAuth struct {
	err error
}

func (f *fakeAuth) AuthURL(state string) string {
	return "https://auth.example.com/authorization?state=" + url.QueryEscape(state)
}

func (f *fakeAuth) Exchange(_ context.Context, code string) (*auth.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Token{AccessToken: "tok-" + code, UserID: 99, ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}, nil
}

type fixture struct {
	handler http.Handler
	monitor *fakeMonitor
	trigger *fakeTrigger
	authz   *fakeAuth
	store   storage.LeaderStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := utils.NewNopLogger()
	store, err := storage.NewJSONStore(filepath.Join(t.TempDir(), "state.json"), logger)
	require.NoError(t, err)

	f := &fixture{monitor: &fakeMonitor{}, trigger: &fakeTrigger{}, authz: &fakeAuth{}, store: store}
	f.handler = NewRouter(NewApp(f.monitor, f.trigger, store, f.authz, logger))
	return f
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

// callback hits /callback with the given query, sending state as the
// cookie /auth would have set when it is not empty.
func callback(h http.Handler, query, cookieState string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/callback?"+query, nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: stateCookie, Value: cookieState})
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) jsonError {
	t.Helper()
	var je jsonError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &je))
	return je
}

func TestRootAndRequestID(t *testing.T) {
	f := setup(t)
	rr := do(f.handler, http.MethodGet, "/")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, rootMessage, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestHealthz(t *testing.T) {
	f := setup(t)
	rr := do(f.handler, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestAuthRedirects(t *testing.T) {
	f := setup(t)
	rr := do(f.handler, http.MethodGet, "/auth")
	require.Equal(t, http.StatusFound, rr.Code)

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "auth.example.com", loc.Host)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.NotEmpty(t, cookies[0].Value)
	assert.Equal(t, cookies[0].Value, loc.Query().Get("state"))
}

func TestAuthIssuesFreshState(t *testing.T) {
	f := setup(t)
	first := do(f.handler, http.MethodGet, "/auth").Result().Cookies()
	second := do(f.handler, http.MethodGet, "/auth").Result().Cookies()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].Value, second[0].Value)
}

func TestCallback(t *testing.T) {
	f := setup(t)

	rr := callback(f.handler, "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "missing_code", decodeError(t, rr).Error)

	rr = callback(f.handler, "code=abc&state=s-1", "s-1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Autenticado con éxito!")
	assert.Contains(t, rr.Body.String(), "2026-01-02T03:04:05Z")
	assert.NotContains(t, rr.Body.String(), "tok-abc")

	// The state cookie is spent once the callback is accepted.
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookie, cookies[0].Name)
	assert.Less(t, cookies[0].MaxAge, 0)

	f.authz.err = errors.New("invalid_grant")
	rr = callback(f.handler, "code=abc&state=s-1", "s-1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Error al obtener token", rr.Body.String())
}

func TestCallbackRejectsBadState(t *testing.T) {
	f := setup(t)

	cases := []struct {
		name, query, cookie string
	}{
		{"no state at all", "code=abc", ""},
		{"state without cookie", "code=abc&state=s-1", ""},
		{"cookie without state", "code=abc", "s-1"},
		{"mismatch", "code=abc&state=attacker", "s-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := callback(f.handler, tc.query, tc.cookie)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid_state", decodeError(t, rr).Error)
		})
	}
}

func TestRequestIDIsKeptAndLogged(t *testing.T) {
	f := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, "req-42", rr.Header().Get("X-Request-Id"))
}

func TestResponseRecorderCapturesStatusAndSize(t *testing.T) {
	rec := &responseRecorder{w: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusTeapot)
	n, err := rec.Write([]byte("hola"))
	require.NoError(t, err)

	assert.Equal(t, 4, n)
	assert.Equal(t, http.StatusTeapot, rec.status)
	assert.Equal(t, 4, rec.bytes)
}

func TestAuthWithoutCredentials(t *testing.T) {
	logger := utils.NewNopLogger()
	h := NewRouter(NewApp(&fakeMonitor{}, &fakeTrigger{}, nil, nil, logger))
	rr := do(h, http.MethodGet, "/auth")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestDebugLeader(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.RecordLeader(context.Background(), "MLA1", "S2"))

	rr := do(f.handler, http.MethodGet, "/debug/leader")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"product_id":"MLA1","state":{"MLA1":"S2"}}`, rr.Body.String())
}

func TestDebugCompetitors(t *testing.T) {
	f := setup(t)
	leader := models.Listing{ID: "X2", SellerID: "S2", Title: "Dos", Price: decimal.NewNullDecimal(decimal.NewFromInt(90))}
	f.monitor.ranking = models.Ranking{Sorted: []models.Listing{leader}, Top: []models.Listing{leader}}

	rr := do(f.handler, http.MethodGet, "/debug/competitors")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, false, body["no_valid_leader"])
	assert.Equal(t, "X2", body["leader"].(map[string]any)["id"])

	f.monitor.err = errors.New("upstream 503")
	rr = do(f.handler, http.MethodGet, "/debug/competitors")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "upstream 503", decodeError(t, rr).Details)
}

func TestDebugCheck(t *testing.T) {
	f := setup(t)
	f.trigger.result = models.CycleResult{CycleID: "c-1", ProductID: "MLA1", Changed: true}

	rr := do(f.handler, http.MethodPost, "/debug/check")
	require.Equal(t, http.StatusOK, rr.Code)
	var res models.CycleResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "c-1", res.CycleID)
	assert.True(t, res.Changed)

	f.trigger.err = services.ErrCycleInProgress
	rr = do(f.handler, http.MethodPost, "/debug/check")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "cycle_in_progress", decodeError(t, rr).Error)

	f.trigger.err = errors.New("fetch competitors: status 500")
	rr = do(f.handler, http.MethodPost, "/debug/check")
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = do(f.handler, http.MethodGet, "/debug/check")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestDebugMetricsAndVars(t *testing.T) {
	f := setup(t)

	rr := do(f.handler, http.MethodGet, "/debug/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	assert.Contains(t, m, "uptime_sec")
	assert.Equal(t, float64(3), m["monitor"].(map[string]any)["cycles"])

	rr = do(f.handler, http.MethodGet, "/debug/vars")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"monitor"`)
}
