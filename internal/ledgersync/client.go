// Package ledgersync talks to the external ERP that owns the authoritative
// purchase history and the customer's discount and bonus balance.
package ledgersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const tokenRefreshLeeway = 30 * time.Second

// ErrNotConfigured is returned by every call of a client without a base URL.
var ErrNotConfigured = errors.New("ledger sync is not configured")

// Client is an HTTP client for the ERP API. Access tokens are cached and
// refreshed once on 401.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
}

func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:     strings.TrimSpace(secret),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the client has somewhere to send requests.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type authRequest struct {
	SecretToken string `json:"secret_token"`
}

type authResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	} `json:"data"`
}

type purchaseSumResponse struct {
	Data struct {
		PurchaseSum decimal.Decimal `json:"purchase_sum"`
	} `json:"data"`
}

// PurchaseSum returns the customer's lifetime qualifying purchase sum.
func (c *Client) PurchaseSum(ctx context.Context, externalID string) (decimal.Decimal, error) {
	var out purchaseSumResponse
	if err := c.do(ctx, http.MethodGet, customerPath(externalID, "purchase-sum"), nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Data.PurchaseSum, nil
}

// SetDiscount pushes the customer's discount percent.
func (c *Client) SetDiscount(ctx context.Context, externalID string, percent decimal.Decimal) error {
	body := map[string]any{"percent": percent}
	return c.do(ctx, http.MethodPut, customerPath(externalID, "discount"), body, nil)
}

// AddBonus credits bonus points on the customer's ERP account.
func (c *Client) AddBonus(ctx context.Context, externalID string, amount decimal.Decimal, reason string) error {
	body := map[string]any{"amount": amount, "reason": reason}
	return c.do(ctx, http.MethodPost, customerPath(externalID, "bonus"), body, nil)
}

func customerPath(externalID, action string) string {
	return "/customers/" + url.PathEscape(externalID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal ledger request: %w", err)
		}
	}

	status, body, err := c.send(ctx, method, path, payload, false)
	if err == nil && status == http.StatusUnauthorized {
		status, body, err = c.send(ctx, method, path, payload, true)
	}
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("ledger %s %s: status %d, body: %s", method, path, status, truncate(body, 256))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode ledger response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, forceToken bool) (int, []byte, error) {
	token, err := c.accessToken(ctx, forceToken)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("execute ledger request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read ledger response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// accessToken returns a cached token, logging in again when it is about to
// expire or force is set. Without a secret requests go out unauthenticated.
func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	if c.secret == "" {
		return "", nil
	}
	if !force {
		c.mu.RLock()
		token := c.currentTokenLocked()
		c.mu.RUnlock()
		if token != "" {
			return token, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// another goroutine may have refreshed while we waited
	if !force {
		if token := c.currentTokenLocked(); token != "" {
			return token, nil
		}
	}

	payload, err := json.Marshal(authRequest{SecretToken: c.secret})
	if err != nil {
		return "", fmt.Errorf("marshal ledger auth payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create ledger auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute ledger auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ledger auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ledger auth failed: status %d, body: %s", resp.StatusCode, truncate(body, 256))
	}

	var auth authResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return "", fmt.Errorf("decode ledger auth response: %w", err)
	}
	if auth.Data.AccessToken == "" {
		return "", errors.New("ledger auth response missing access_token")
	}

	c.token = auth.Data.AccessToken
	if auth.Data.ExpiresIn > 0 {
		c.tokenExpiry = time.Now().Add(time.Duration(auth.Data.ExpiresIn) * time.Second)
	} else {
		c.tokenExpiry = time.Now().Add(5 * time.Minute)
	}
	return c.token, nil
}

func (c *Client) currentTokenLocked() string {
	if c.token == "" || time.Now().Add(tokenRefreshLeeway).After(c.tokenExpiry) {
		return ""
	}
	return c.token
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
