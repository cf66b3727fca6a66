package mercadolibre

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meli-leader-bot/config"
	"meli-leader-bot/utils"
)

const (
	userAgent    = "meli-leader-bot/1.0"
	maxBodyBytes = 4 << 20
	maxErrorBody = 512
)

// TokenSource supplies a bearer token for authenticated requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Item is the subset of GET /items/{id} the bot uses.
type Item struct {
	ID       string              `json:"id"`
	Title    string              `json:"title"`
	Price    decimal.NullDecimal `json:"price"`
	SellerID json.Number         `json:"seller_id"`
}

// User is the subset of GET /users/{id} the bot uses.
type User struct {
	ID       json.Number `json:"id"`
	Nickname string      `json:"nickname"`
}

// Client talks to the Mercado Libre read API.
type Client struct {
	baseURL  string
	endpoint string
	http     *http.Client
	tokens   TokenSource
	retry    *utils.RetryConfig
	logger   *utils.Logger
}

// New creates a Client. tokens may be nil for public-only deployments.
func New(cfg *config.Config, tokens TokenSource, logger *utils.Logger) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: timeout},
		tokens:   tokens,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   500 * time.Millisecond,
			Logger:      logger,
			Retryable:   isTemporary,
		},
		logger: logger,
	}
}

// CompetitorsURL returns the competitor listing URL for the configured endpoint variant.
func (c *Client) CompetitorsURL(id string) string {
	return competitorsURL(c.baseURL, c.endpoint, id)
}

func competitorsURL(baseURL, endpoint, id string) string {
	escaped := url.PathEscape(strings.TrimSpace(id))
	if endpoint == config.EndpointCompetition {
		return baseURL + "/items/" + escaped + "/catalog_seller_competition"
	}
	return baseURL + "/products/" + escaped + "/items"
}

// FetchCompetitors returns the competitor payload for a tracked product
// exactly as the marketplace sent it.
func (c *Client) FetchCompetitors(ctx context.Context, id string) (json.RawMessage, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &FetchError{Op: "competitors", Err: fmt.Errorf("empty product id")}
	}
	body, err := c.getJSON(ctx, "competitors", c.CompetitorsURL(id))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// FetchItem returns a single listing.
func (c *Client) FetchItem(ctx context.Context, id string) (*Item, error) {
	body, err := c.getJSON(ctx, "item", c.baseURL+"/items/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	return &item, nil
}

// FetchUser returns the public profile of a seller.
func (c *Client) FetchUser(ctx context.Context, id string) (*User, error) {
	body, err := c.getJSON(ctx, "user", c.baseURL+"/users/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &user, nil
}

// ItemTitle resolves the canonical title of a listing.
func (c *Client) ItemTitle(ctx context.Context, id string) (string, error) {
	item, err := c.FetchItem(ctx, id)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(item.Title), nil
}

// Nickname resolves a seller id to its public nickname.
func (c *Client) Nickname(ctx context.Context, sellerID string) (string, error) {
	user, err := c.FetchUser(ctx, sellerID)
	if err != nil {
		return "", err
	}
	if user.Nickname == "" {
		return "", fmt.Errorf("user %s has no nickname", sellerID)
	}
	return user.Nickname, nil
}

func (c *Client) getJSON(ctx context.Context, op, u string) ([]byte, error) {
	var body []byte
	err := c.retry.Do(ctx, "GET "+op, func() error {
		b, err := c.doGET(ctx, op, u)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (c *Client) doGET(ctx context.Context, op, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Op: op, URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			c.logger.Warn("[mercadolibre] No access token for %s, sending unauthenticated request: %v", op, err)
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, URL: u, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Op: op, URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Op: op, URL: u, StatusCode: resp.StatusCode, Body: truncate(string(b), maxErrorBody)}
	}
	if !json.Valid(b) {
		return nil, &FetchError{Op: op, URL: u, StatusCode: resp.StatusCode, Body: truncate(string(b), maxErrorBody), Err: ErrMalformedJSON}
	}
	return b, nil
}
