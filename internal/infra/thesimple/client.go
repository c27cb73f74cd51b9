package thesimple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client talks to the EcoFactor-hosted thermostat API. It owns the session
// state (token, negotiated challenge, encrypted credentials) and classifies
// every response into success, auth failure, or API failure.
//
// Token derivation and clearing are guarded by a mutex so that thermostats
// sharing one client observe re-authentication consistently; the request
// path itself is not serialized.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	username     string
	challenge    challenge
	response     string
	encryptedPW  string
	accessToken  string
	refreshToken string
	userID       string
}

// challenge is the single-use {realm, nonce, opaque} triple issued by the
// nonce endpoint. It is consumed by exactly one token derivation.
type challenge struct {
	realm  string
	nonce  string
	opaque string
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// AccessToken returns the current bearer token, or "" when unauthenticated.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// UserID returns the identifier issued by the last successful authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ClearSession drops both tokens and the pooled connections, forcing the
// next request to establish a fresh connection context.
func (c *Client) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearSessionLocked()
}

func (c *Client) clearSessionLocked() {
	c.accessToken = ""
	c.refreshToken = ""
	c.httpClient.CloseIdleConnections()
}

// Request issues an API call and returns the raw response body on a 2xx
// status. A 401 clears the session and returns an *AuthError; any other
// non-success status returns an *APIError carrying status and body. An
// authenticated request without a token fails before any I/O.
func (c *Client) Request(ctx context.Context, method, path string, body any, authenticated bool) ([]byte, error) {
	switch method {
	case http.MethodGet, http.MethodPatch:
	default:
		panic("thesimple: unsupported HTTP method " + method)
	}

	var token string
	if authenticated {
		token = c.AccessToken()
		if token == "" {
			return nil, &AuthError{Cause: ErrNoToken}
		}
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setCommonHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("http request",
		"method", method,
		"path", path,
		"authenticated", authenticated,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("http response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return respBody, nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.ClearSession()
		return nil, &AuthError{Status: resp.StatusCode, Body: string(respBody)}
	default:
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("X-Request-Id", uuid.NewString())
}
