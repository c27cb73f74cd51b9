package thesimple

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
)

var challengePattern = regexp.MustCompile(`DigestE realm="(\w+)", nonce="(\w+)", opaque="(\w+)"`)

// Authenticate runs the full handshake: fetch the service's RSA public key,
// negotiate a challenge, compute the digest response, encrypt the password,
// then derive a bearer token. The challenge nonce is single-use, so
// recovering from an expired token means calling Authenticate again, not
// retrying the token derivation.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	pub, err := c.fetchPublicKey(ctx)
	if err != nil {
		return &AuthError{Cause: fmt.Errorf("fetching public key: %w", err)}
	}

	ch, err := c.fetchChallenge(ctx)
	if err != nil {
		return &AuthError{Cause: fmt.Errorf("negotiating challenge: %w", err)}
	}

	response := BuildResponse(username, password, ch.realm, ch.nonce)

	encrypted, err := EncryptPassword(password, pub)
	if err != nil {
		return &AuthError{Cause: err}
	}

	c.mu.Lock()
	c.username = username
	c.challenge = ch
	c.response = response
	c.encryptedPW = encrypted
	c.mu.Unlock()

	return c.deriveToken(ctx)
}

// fetchPublicKey retrieves and parses the PEM key used for credential
// transport. Unauthenticated.
func (c *Client) fetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	body, err := c.Request(ctx, http.MethodGet, "public_key", nil, false)
	if err != nil {
		return nil, err
	}

	var keyResp struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(body, &keyResp); err != nil {
		return nil, &ProtocolError{Reason: "parsing public key response", Cause: err}
	}
	if keyResp.PublicKey == "" {
		return nil, &ProtocolError{Reason: "public key response missing public_key"}
	}

	return ParsePublicKey(keyResp.PublicKey)
}

// fetchChallenge negotiates a one-time challenge. The triple arrives in the
// WWW-Authenticate response header; an absent or malformed header is a hard
// protocol failure, never retried.
func (c *Client) fetchChallenge(ctx context.Context) (challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"authenticate/nonce", nil)
	if err != nil {
		return challenge{}, fmt.Errorf("creating nonce request: %w", err)
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return challenge{}, fmt.Errorf("sending nonce request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return challenge{}, &ProtocolError{Reason: "nonce response missing WWW-Authenticate header"}
	}

	m := challengePattern.FindStringSubmatch(header)
	if m == nil {
		return challenge{}, &ProtocolError{Reason: fmt.Sprintf("unable to parse challenge: %q", header)}
	}

	return challenge{realm: m[1], nonce: m[2], opaque: m[3]}, nil
}

// deriveToken trades the stored challenge response for a bearer token. Any
// existing session is cleared first.
func (c *Client) deriveToken(ctx context.Context) error {
	c.mu.Lock()
	c.clearSessionLocked()
	authz := fmt.Sprintf(`DigestE username="%s", realm="Consumer", nonce="%s", response="%s", opaque="%s"`,
		c.username, c.challenge.nonce, c.response, c.challenge.opaque)
	payload, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.encryptedPW,
	})
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling authenticate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"authenticate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating authenticate request: %w", err)
	}
	c.setCommonHeaders(req)
	req.Header.Set("Authorization", authz)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending authenticate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading authenticate response: %w", err)
	}

	c.logger.Debug("authenticate response", "status", resp.StatusCode)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Status: resp.StatusCode, Body: string(body)}
	default:
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		UserID       string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return &ProtocolError{Reason: "parsing authenticate response", Cause: err}
	}
	if tokenResp.AccessToken == "" {
		return &ProtocolError{Reason: "authenticate response missing access_token"}
	}

	c.mu.Lock()
	c.accessToken = tokenResp.AccessToken
	c.refreshToken = tokenResp.RefreshToken
	c.userID = tokenResp.UserID
	c.mu.Unlock()

	return nil
}
