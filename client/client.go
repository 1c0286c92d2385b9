package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const defaultTimeout = 10 * time.Second

var (
	ErrUnauthorized = errors.New("unauthorized")
)

type Config struct {
	Logger *slog.Logger

	// DeviceURL is the base URL of the channel registry, e.g.
	// "https://device.corvidcomms.io".
	DeviceURL  string
	AppKey     string
	AppSecret  string
	SkipVerify bool
	Timeout    time.Duration

	// RateLimit caps outbound requests per second; zero disables the
	// limiter entirely.
	RateLimit float64
	RateBurst int
}

// Client is the request/response primitive for the channel registry. It
// performs no retries and owns no backoff policy; callers classify the
// result and decide.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	appKey     string
	appSecret  string
	limiter    *rate.Limiter
	logger     *slog.Logger

	tokenSource     func(ctx context.Context, identity string) (string, error)
	invalidateToken func(token string)
}

// NewClient creates a new registry API client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.DeviceURL == "" {
		return nil, fmt.Errorf("deviceURL cannot be empty")
	}
	if cfg.AppKey == "" {
		return nil, fmt.Errorf("appKey cannot be empty")
	}

	baseURL, err := url.Parse(cfg.DeviceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device URL '%s': %w", cfg.DeviceURL, err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipVerify,
		},
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	clientLogger := cfg.Logger.WithGroup("registry_client")
	clientLogger.Debug("Registry client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		limiter:   limiter,
		logger:    clientLogger,
	}, nil
}

// WithTokenSource installs channel-scoped bearer authorization for the
// audience endpoint. fetch exchanges an identity for a token; invalidate
// is told when the registry rejects one, so a stale cached token is not
// reused on the retry. Both may be nil to fall back to app credentials.
func (c *Client) WithTokenSource(
	fetch func(ctx context.Context, identity string) (string, error),
	invalidate func(token string),
) *Client {
	c.tokenSource = fetch
	c.invalidateToken = invalidate
	return c
}

// doRequest issues one app-credential request and decodes a 2xx body into
// target when target is non-nil. Non-2xx statuses are not errors here;
// the caller classifies them through RequestResult. The returned error is
// reserved for transport-level failures.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, target any) (int, http.Header, error) {
	return c.send(ctx, method, path, "", body, target)
}

// doChannelRequest authorizes with a channel-scoped bearer token when a
// token source is installed, falling back to app credentials otherwise. A
// rejected token is invalidated before the status is handed back.
func (c *Client) doChannelRequest(ctx context.Context, method, path, identity string, body any, target any) (int, http.Header, error) {
	if c.tokenSource == nil {
		return c.send(ctx, method, path, "", body, target)
	}

	token, err := c.tokenSource(ctx, identity)
	if err != nil {
		return 0, nil, fmt.Errorf("bearer token fetch failed for %s %s: %w", method, path, err)
	}

	status, header, err := c.send(ctx, method, path, token, body, target)
	if err == nil && (status == http.StatusUnauthorized || status == http.StatusForbidden) && c.invalidateToken != nil {
		c.logger.Warn("Bearer token rejected, invalidating", "status", status, "identity", identity)
		c.invalidateToken(token)
	}
	return status, header, err
}

func (c *Client) send(ctx context.Context, method, path, bearer string, body any, target any) (int, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limiter wait cancelled for %s %s: %w", method, path, err)
		}
	}

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request %s %s: %w", method, reqURL.String(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.SetBasicAuth(c.appKey, c.appSecret)
	}

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "method", method, "url", reqURL.String(), "error", err)
		return 0, nil, fmt.Errorf("http request %s %s failed: %w", method, reqURL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
		if raw, readErr := io.ReadAll(resp.Body); readErr == nil && len(raw) > 0 {
			var errResp struct {
				ErrorType string `json:"error_type"`
				Message   string `json:"message"`
			}
			if jsonErr := json.Unmarshal(raw, &errResp); jsonErr == nil {
				c.logger.Debug("Parsed JSON error response from server", "error_type", errResp.ErrorType, "message", errResp.Message)
			}
		}
		return resp.StatusCode, resp.Header, nil
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			c.logger.Error("Failed to decode response body", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode, "error", err)
			return resp.StatusCode, nil, fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, reqURL.String(), resp.StatusCode, err)
		}
	}

	c.logger.Debug("Request successful", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
	return resp.StatusCode, resp.Header, nil
}
