// Package feishu implements the bot adapter contract on top of the
// Feishu open platform: a websocket long connection for receiving
// events and the HTTP API for sending.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/harun/nara/pkg/channels"
)

const defaultBaseURL = "https://open.feishu.cn"

// client wraps the HTTP side of the Feishu API with tenant token
// caching.
type client struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func newClient(baseURL, appID, appSecret string) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		baseURL:   baseURL,
		appID:     appID,
		appSecret: appSecret,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// tenantToken returns a cached tenant access token, refreshing it
// shortly before expiry.
func (c *client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch tenant token: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.Code != 0 {
		return "", fmt.Errorf("%w: code %d: %s", channels.ErrAuthFailed, tr.Code, tr.Msg)
	}

	c.token = tr.TenantAccessToken
	// Refresh a minute early
	c.tokenExpiry = time.Now().Add(time.Duration(tr.Expire-60) * time.Second)
	return c.token, nil
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// post sends an authenticated JSON request and decodes the envelope
func (c *client) post(ctx context.Context, path string, payload any) (*apiResponse, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if ar.Code != 0 {
		return &ar, fmt.Errorf("feishu api error: code %d: %s", ar.Code, ar.Msg)
	}
	return &ar, nil
}

// wsEndpoint asks the platform for a websocket URL for the long
// connection.
func (c *client) wsEndpoint(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/open-apis/callback/ws/endpoint", map[string]string{
		"app_id": c.appID,
	})
	if err != nil {
		return "", err
	}
	var data struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("failed to decode endpoint response: %w", err)
	}
	if data.URL == "" {
		return "", fmt.Errorf("endpoint response carried no url")
	}
	return data.URL, nil
}
