package mercadolibre

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meli-leader-bot/config"
	"meli-leader-bot/utils"
)

type staticToken struct {
	token string
	err   error
}

func (s staticToken) AccessToken(context.Context) (string, error) { return s.token, s.err }

func newTestClient(t *testing.T, baseURL, endpoint string, tokens TokenSource) *Client {
	t.Helper()
	cfg := &config.Config{
		APIBaseURL:  baseURL,
		Endpoint:    endpoint,
		HTTPTimeout: 2 * time.Second,
		MaxRetries:  3,
	}
	c := New(cfg, tokens, utils.NewNopLogger())
	c.retry.BaseDelay = time.Millisecond
	return c
}

func TestCompetitorsURL(t *testing.T) {
	products := newTestClient(t, "https://api.example.com/", config.EndpointProducts, nil)
	assert.Equal(t, "https://api.example.com/products/MLA123/items", products.CompetitorsURL("MLA123"))

	competition := newTestClient(t, "https://api.example.com", config.EndpointCompetition, nil)
	assert.Equal(t, "https://api.example.com/items/MLA123/catalog_seller_competition", competition.CompetitorsURL(" MLA123 "))
}

func TestFetchCompetitorsSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"id":"A","price":10}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, config.EndpointProducts, staticToken{token: "tok-1"})
	raw, err := c.FetchCompetitors(context.Background(), "MLA1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "/products/MLA1/items", gotPath)
	assert.JSONEq(t, `{"results":[{"id":"A","price":10}]}`, string(raw))
}

func TestFetchCompetitorsWithoutTokenIsPublic(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, config.EndpointProducts, staticToken{err: errors.New("not authorized")})
	_, err := c.FetchCompetitors(context.Background(), "MLA1")
	require.NoError(t, err)
	assert.Equal(t, "", gotAuth.Load())
}

func TestFetchCompetitorsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, config.EndpointProducts, nil)
	_, err := c.FetchCompetitors(context.Background(), "MLA1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchCompetitorsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, config.EndpointProducts, nil)
	_, err := c.FetchCompetitors(context.Background(), "MLA1")

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Contains(t, fe.Body, "not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchCompetitorsRejectsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>blocked</html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, config.EndpointProducts, nil)
	_, err := c.FetchCompetitors(context.Background(), "MLA1")
	assert.ErrorIs(t, err, ErrMalformedJSON)
}

func TestFetchCompetitorsEmptyID(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid", config.EndpointProducts, nil)
	_, err := c.FetchCompetitors(context.Background(), "  ")
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestItemTitleAndNickname(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/items/MLA9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"MLA9","title":"  Taladro percutor ","price":1500.5,"seller_id":77}`))
	})
	mux.HandleFunc("/users/77", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":77,"nickname":"TIENDA_SUR"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, config.EndpointProducts, nil)

	title, err := c.ItemTitle(context.Background(), "MLA9")
	require.NoError(t, err)
	assert.Equal(t, "Taladro percutor", title)

	item, err := c.FetchItem(context.Background(), "MLA9")
	require.NoError(t, err)
	assert.Equal(t, "77", item.SellerID.String())
	assert.Equal(t, "1500.5", item.Price.Decimal.String())

	nick, err := c.Nickname(context.Background(), "77")
	require.NoError(t, err)
	assert.Equal(t, "TIENDA_SUR", nick)
}

func TestFetchErrorTemporary(t *testing.T) {
	tests := []struct {
		err  *FetchError
		want bool
	}{
		{&FetchError{Err: errors.New("connection reset")}, true},
		{&FetchError{StatusCode: 429}, true},
		{&FetchError{StatusCode: 503}, true},
		{&FetchError{StatusCode: 403}, false},
		{&FetchError{StatusCode: 200, Err: ErrMalformedJSON}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Temporary(); got != tt.want {
			t.Errorf("Temporary(%v) = %v; want %v", tt.err, got, tt.want)
		}
	}
}
