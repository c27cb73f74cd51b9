package thesimple_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"nve-thermostat/internal/infra/thesimple"
)

// fakeAPI implements the service's endpoint table: public key publication,
// nonce negotiation with single-use nonces, digest verification on
// authenticate, and the user/location/thermostat resources.
type fakeAPI struct {
	t        *testing.T
	key      *rsa.PrivateKey
	password string

	mu         sync.Mutex
	nonceSeq   int
	usedNonces map[string]bool
	lastNonce  string
	token      string
	tokenSeq   int
	state      map[string]any
	stateCode  int
	patches    []map[string]any
	requests   int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	// A small key keeps the test fast; padding behavior is identical.
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	return &fakeAPI{
		t:          t,
		key:        key,
		password:   "hunter2",
		usedNonces: make(map[string]bool),
		state: map[string]any{
			"connected":       true,
			"setpoint_reason": "schedule",
			"best_known_current_state_thermostat_data": map[string]any{
				"temperature":   71.46,
				"hold_mode":     "off",
				"fan_mode":      "auto",
				"fan_state":     "off",
				"hvac_mode":     "cool",
				"hvac_state":    "idle",
				"cool_setpoint": 72,
				"heat_setpoint": 68,
			},
		},
	}
}

func (f *fakeAPI) publicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
	if err != nil {
		f.t.Fatalf("marshaling public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// invalidateToken simulates server-side token expiry.
func (f *fakeAPI) invalidateToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
}

func (f *fakeAPI) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeAPI) recordedPatches() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.patches...)
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests++

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/public_key":
			json.NewEncoder(w).Encode(map[string]string{"public_key": f.publicKeyPEM()})

		case r.Method == http.MethodGet && r.URL.Path == "/authenticate/nonce":
			f.nonceSeq++
			f.lastNonce = fmt.Sprintf("nonce%d", f.nonceSeq)
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`DigestE realm="Consumer", nonce="%s", opaque="opaque%d"`, f.lastNonce, f.nonceSeq))
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && r.URL.Path == "/authenticate":
			f.handleAuthenticate(w, r)

		case r.Method == http.MethodGet && r.URL.Path == "/user":
			if !f.authorized(w, r) {
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"location_id_list": []int64{10}})

		case r.Method == http.MethodGet && r.URL.Path == "/location/10":
			if !f.authorized(w, r) {
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"thermostatIdList": []int64{99}})

		case r.Method == http.MethodGet && r.URL.Path == "/thermostat/99":
			if !f.authorized(w, r) {
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"name":          "Hallway",
				"schedule_mode": "weekly",
				"hvac_control":  []string{"cool", "heat", "off"},
				"model": map[string]any{
					"min_temperature": 55,
					"max_temperature": 85,
				},
			})

		case r.Method == http.MethodGet && r.URL.Path == "/thermostat/99/state":
			if !f.authorized(w, r) {
				return
			}
			if f.stateCode != 0 {
				http.Error(w, "upstream unavailable", f.stateCode)
				return
			}
			json.NewEncoder(w).Encode(f.state)

		case r.Method == http.MethodPatch && r.URL.Path == "/thermostat/99/state":
			if !f.authorized(w, r) {
				return
			}
			var patch map[string]any
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				http.Error(w, "bad patch body", http.StatusBadRequest)
				return
			}
			f.patches = append(f.patches, patch)
			w.WriteHeader(http.StatusOK)

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})
}

func (f *fakeAPI) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")

	nonce := extractField(authz, "nonce")
	username := extractField(authz, "username")
	response := extractField(authz, "response")
	if nonce == "" || f.usedNonces[nonce] || nonce != f.lastNonce {
		http.Error(w, "stale nonce", http.StatusUnauthorized)
		return
	}
	f.usedNonces[nonce] = true

	want := thesimple.BuildResponse(username, f.password, "Consumer", nonce)
	if response != want {
		http.Error(w, "bad digest response", http.StatusUnauthorized)
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(body.Password)
	if err != nil {
		http.Error(w, "bad ciphertext", http.StatusBadRequest)
		return
	}
	plaintext, err := rsa.DecryptPKCS1v15(nil, f.key, ciphertext)
	if err != nil || string(plaintext) != f.password {
		http.Error(w, "bad encrypted password", http.StatusUnauthorized)
		return
	}

	f.tokenSeq++
	f.token = fmt.Sprintf("token%d", f.tokenSeq)
	json.NewEncoder(w).Encode(map[string]string{
		"access_token":  f.token,
		"refresh_token": fmt.Sprintf("refresh%d", f.tokenSeq),
		"user_id":       "user-1",
	})
}

func (f *fakeAPI) authorized(w http.ResponseWriter, r *http.Request) bool {
	if f.token == "" || r.Header.Get("Authorization") != "Bearer "+f.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// extractField pulls a quoted field out of a DigestE authorization header.
func extractField(header, name string) string {
	marker := name + `="`
	i := strings.Index(header, marker)
	if i < 0 {
		return ""
	}
	rest := header[i+len(marker):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, f *fakeAPI) (*thesimple.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	return thesimple.NewClient(server.URL, testLogger()), server
}

func TestClient_Authenticate(t *testing.T) {
	f := newFakeAPI(t)
	client, _ := newTestClient(t, f)

	if err := client.Authenticate(context.Background(), "bob", "hunter2"); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	if client.AccessToken() == "" {
		t.Error("access token not stored after authentication")
	}
	if client.UserID() != "user-1" {
		t.Errorf("user id: got %q, want user-1", client.UserID())
	}
}

func TestClient_Authenticate_WrongPassword(t *testing.T) {
	f := newFakeAPI(t)
	client, _ := newTestClient(t, f)

	err := client.Authenticate(context.Background(), "bob", "wrong")
	if err == nil {
		t.Fatal("expected error for wrong password")
	}

	var authErr *thesimple.AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("error type: got %T, want *AuthError", err)
	}
	if client.AccessToken() != "" {
		t.Error("access token should be empty after failed authentication")
	}
}

func TestClient_Authenticate_MissingChallengeHeader(t *testing.T) {
	f := newFakeAPI(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/public_key" {
			json.NewEncoder(w).Encode(map[string]string{"public_key": f.publicKeyPEM()})
			return
		}
		// nonce endpoint answers 200 without the WWW-Authenticate header
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := thesimple.NewClient(server.URL, testLogger())

	err := client.Authenticate(context.Background(), "bob", "hunter2")
	if err == nil {
		t.Fatal("expected error for missing challenge header")
	}

	var protoErr *thesimple.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("error type: got %T (%v), want *ProtocolError in chain", err, err)
	}
}

func TestClient_Authenticate_UnparsableKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"public_key": "not a pem key"})
	}))
	defer server.Close()

	client := thesimple.NewClient(server.URL, testLogger())

	err := client.Authenticate(context.Background(), "bob", "hunter2")
	var protoErr *thesimple.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("error type: got %T (%v), want *ProtocolError in chain", err, err)
	}
}

func TestClient_Request_RequiresToken(t *testing.T) {
	f := newFakeAPI(t)
	client, _ := newTestClient(t, f)

	_, err := client.Request(context.Background(), http.MethodGet, "user", nil, true)
	if !errors.Is(err, thesimple.ErrNoToken) {
		t.Fatalf("error: got %v, want ErrNoToken", err)
	}

	if got := f.requestCount(); got != 0 {
		t.Errorf("server requests: got %d, want 0 (no network call without token)", got)
	}
}

func TestClient_Request_ClearsSessionOn401(t *testing.T) {
	f := newFakeAPI(t)
	client, _ := newTestClient(t, f)

	if err := client.Authenticate(context.Background(), "bob", "hunter2"); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	f.invalidateToken()

	_, err := client.Request(context.Background(), http.MethodGet, "thermostat/99/state", nil, true)
	var authErr *thesimple.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type: got %T (%v), want *AuthError", err, err)
	}

	if client.AccessToken() != "" {
		t.Error("access token should be cleared after a 401")
	}

	// A further authenticated call must fail locally, before any I/O.
	before := f.requestCount()
	_, err = client.Request(context.Background(), http.MethodGet, "thermostat/99/state", nil, true)
	if !errors.Is(err, thesimple.ErrNoToken) {
		t.Errorf("error: got %v, want ErrNoToken", err)
	}
	if got := f.requestCount(); got != before {
		t.Errorf("server requests after clear: got %d, want %d", got, before)
	}
}

func TestClient_Request_APIError(t *testing.T) {
	f := newFakeAPI(t)
	client, _ := newTestClient(t, f)

	if err := client.Authenticate(context.Background(), "bob", "hunter2"); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	f.mu.Lock()
	f.stateCode = http.StatusServiceUnavailable
	f.mu.Unlock()

	_, err := client.Request(context.Background(), http.MethodGet, "thermostat/99/state", nil, true)
	var apiErr *thesimple.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type: got %T (%v), want *APIError", err, err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", apiErr.Status)
	}
	if !strings.Contains(apiErr.Body, "upstream unavailable") {
		t.Errorf("body not preserved: %q", apiErr.Body)
	}

	if client.AccessToken() == "" {
		t.Error("access token should survive a non-401 failure")
	}
}
