/*
Package auth implements the Mercado Libre OAuth2 authorization-code flow and
keeps the resulting token fresh on disk.
*/
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"meli-leader-bot/config"
	"meli-leader-bot/utils"
)

// refreshMargin is how long before expiry a token is considered stale.
const refreshMargin = 5 * time.Minute

// ErrNoToken means the bot has not been authorized yet.
var ErrNoToken = errors.New("auth: no token found, visit /auth to authorize")

// ErrNoRefreshToken means the stored token cannot be renewed without a new
// authorization.
var ErrNoRefreshToken = errors.New("auth: no refresh token available")

// TokenError is returned when the token endpoint rejects a request.
type TokenError struct {
	StatusCode int
	Body       string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("auth: token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Token is the token as stored on disk.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	UserID       int64     `json:"user_id,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (t *Token) toOAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// Manager handles the OAuth flow and token persistence.
type Manager struct {
	oauth     *oauth2.Config
	tokenFile string

	http   *http.Client
	logger *utils.Logger
	now    func() time.Time

	mu     sync.Mutex
	token  *Token
	source oauth2.TokenSource
}

// NewManager creates a Manager and loads any token saved by a previous run.
func NewManager(cfg *config.Config, logger *utils.Logger) *Manager {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimRight(cfg.AuthBaseURL, "/") + "/authorization",
				TokenURL:  strings.TrimRight(cfg.APIBaseURL, "/") + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokenFile: cfg.TokenFile,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
		now:       time.Now,
	}
	if err := m.load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("[auth] No saved token at %s", m.tokenFile)
		} else {
			logger.Warn("[auth] Ignoring unreadable token file %s: %v", m.tokenFile, err)
		}
	}
	return m
}

// AuthURL returns the Mercado Libre consent page for this app.
func (m *Manager) AuthURL(state string) string {
	return m.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token and saves it.
func (m *Manager) Exchange(ctx context.Context, code string) (*Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("auth: empty authorization code")
	}

	ot, err := m.oauth.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, tokenErr(err)
	}
	tok := m.fromOAuth2(ot, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setLocked(tok); err != nil {
		return nil, err
	}
	m.logger.Info("[auth] Authorized user %d, token valid until %s", tok.UserID, tok.ExpiresAt.Format(time.RFC3339))
	return copyToken(tok), nil
}

// Refresh uses the stored refresh token to obtain a new access token,
// whatever the current expiry.
func (m *Manager) Refresh(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return copyToken(m.token), nil
}

// AccessToken returns a usable access token, refreshing it first when it
// expires within five minutes.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	src := m.source
	m.mu.Unlock()

	if src == nil {
		return "", ErrNoToken
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ot, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("auth: refresh: %w", err)
	}
	return ot.AccessToken, nil
}

// Token returns a copy of the current token, if any.
func (m *Manager) Token() (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, false
	}
	return copyToken(m.token), true
}

// persistingSource renews the stored token through the refresh grant and
// writes every new token back to disk. It sits behind a ReuseTokenSource,
// so it only runs when the cached token is about to expire.
type persistingSource struct {
	m *Manager
}

func (s persistingSource) Token() (*oauth2.Token, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	s.m.logger.Info("[auth] Access token expires at %s, refreshing", s.m.token.ExpiresAt.Format(time.RFC3339))
	ctx, cancel := context.WithTimeout(context.Background(), s.m.http.Timeout)
	defer cancel()
	if err := s.m.renewLocked(ctx); err != nil {
		return nil, err
	}
	return s.m.token.toOAuth2(), nil
}

// refreshLocked renews the token and rebuilds the cached source; mu must be held.
func (m *Manager) refreshLocked(ctx context.Context) error {
	if err := m.renewLocked(ctx); err != nil {
		return err
	}
	m.source = m.newSourceLocked()
	return nil
}

// renewLocked runs the refresh grant and saves the result; mu must be held.
func (m *Manager) renewLocked(ctx context.Context) error {
	if m.token == nil || m.token.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	// A token without an access token is never valid, so the library always
	// goes to the token endpoint here.
	stale := &oauth2.Token{RefreshToken: m.token.RefreshToken}
	ot, err := m.oauth.TokenSource(m.clientContext(ctx), stale).Token()
	if err != nil {
		return tokenErr(err)
	}

	tok := m.fromOAuth2(ot, m.token)
	m.token = tok
	if err := m.saveLocked(); err != nil {
		return err
	}
	m.logger.Info("[auth] Token refreshed, valid until %s", tok.ExpiresAt.Format(time.RFC3339))
	return nil
}

// setLocked replaces the token, persists it and rebuilds the source; mu must be held.
func (m *Manager) setLocked(tok *Token) error {
	m.token = tok
	if err := m.saveLocked(); err != nil {
		return err
	}
	m.source = m.newSourceLocked()
	return nil
}

func (m *Manager) newSourceLocked() oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(m.token.toOAuth2(), persistingSource{m: m}, refreshMargin)
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.http)
}

// fromOAuth2 converts a token response. Fields Mercado Libre omits on
// refresh are carried over from prev.
func (m *Manager) fromOAuth2(ot *oauth2.Token, prev *Token) *Token {
	tok := &Token{
		AccessToken:  ot.AccessToken,
		TokenType:    ot.TokenType,
		RefreshToken: ot.RefreshToken,
		ExpiresAt:    ot.Expiry,
	}
	if scope, ok := ot.Extra("scope").(string); ok {
		tok.Scope = scope
	}
	tok.UserID = int64Extra(ot.Extra("user_id"))
	if !ot.Expiry.IsZero() {
		tok.ExpiresIn = int(ot.Expiry.Sub(m.now()).Round(time.Second).Seconds())
	}

	if prev != nil {
		if tok.RefreshToken == "" {
			tok.RefreshToken = prev.RefreshToken
		}
		if tok.UserID == 0 {
			tok.UserID = prev.UserID
		}
		if tok.Scope == "" {
			tok.Scope = prev.Scope
		}
	}
	return tok
}

func int64Extra(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// tokenErr turns the library's RetrieveError into a TokenError.
func tokenErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &TokenError{StatusCode: re.Response.StatusCode, Body: strings.TrimSpace(string(re.Body))}
	}
	return fmt.Errorf("auth: token request: %w", err)
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.tokenFile)
	if err != nil {
		return err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tok.AccessToken == "" {
		return errors.New("token file has no access_token")
	}
	m.token = &tok
	m.source = m.newSourceLocked()
	return nil
}

// saveLocked writes the token through a temp file; mu must be held.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.token, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal token: %w", err)
	}

	dir := filepath.Dir(m.tokenFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("auth: create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("auth: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("auth: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("auth: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("auth: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: close temp: %w", err)
	}
	if err := os.Rename(tmpName, m.tokenFile); err != nil {
		return fmt.Errorf("auth: save token: %w", err)
	}
	return nil
}

func copyToken(t *Token) *Token {
	c := *t
	return &c
}
