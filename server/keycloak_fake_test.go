package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const (
	testRealm         = "test"
	testClientID      = "broker"
	testClientSecret  = "broker-secret"
	testAdminUser     = "admin"
	testAdminPassword = "admin-password"
	testSessionSecret = "0123456789abcdef0123456789abcdef"
)

// fakeKeycloak serves the realm endpoints the broker talks to.
type fakeKeycloak struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu             sync.Mutex
	passwords      map[string]string
	adminToken     string
	adminExpiresIn int
	grantStatus    int
	grantDelay     time.Duration
	codes          map[string]fakeCode
	users          []json.RawMessage
	groups         map[string]json.RawMessage
	roles          map[string]json.RawMessage
	logoutStatus   int

	passwordGrants atomic.Int32
	adminGrants    atomic.Int32
	codeExchanges  atomic.Int32
	adminCalls     atomic.Int32
	logouts        atomic.Int32
}

type fakeCode struct {
	challenge   string
	redirectURI string
}

func newFakeKeycloak(t *testing.T) *fakeKeycloak {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fk := &fakeKeycloak{
		t:              t,
		key:            key,
		passwords:      map[string]string{testAdminUser: testAdminPassword, "alice": "correct-password"},
		adminExpiresIn: 60,
		codes:          map[string]fakeCode{},
		users: []json.RawMessage{
			json.RawMessage(`{"id":"u1","username":"alice","email":"alice@example.com","firstName":"Alice","lastName":"Liddell","enabled":true,"emailVerified":true,"createdTimestamp":1700000000000,"attributes":{"dept":["eng"]},"totp":false,"access":{"manage":true}}`),
			json.RawMessage(`{"id":"u2","username":"bob","email":"bob@other.org","enabled":false,"createdTimestamp":1700000001000,"notBefore":0}`),
		},
		groups: map[string]json.RawMessage{
			"u1": json.RawMessage(`[{"id":"g1","name":"engineering","path":"/engineering"}]`),
			"u2": json.RawMessage(`[]`),
		},
		roles: map[string]json.RawMessage{
			"u1": json.RawMessage(`[{"id":"r1","name":"offline_access","composite":false,"clientRole":false}]`),
			"u2": json.RawMessage(`[]`),
		},
	}
	fk.srv = httptest.NewServer(http.HandlerFunc(fk.serve))
	t.Cleanup(fk.srv.Close)
	return fk
}

func (fk *fakeKeycloak) URL() string { return fk.srv.URL }

func (fk *fakeKeycloak) issuer() string { return fk.srv.URL + "/realms/" + testRealm }

func (fk *fakeKeycloak) config() Config {
	cfg := DefaultConfig()
	cfg.Keycloak.BaseURL = fk.srv.URL
	cfg.Keycloak.Realm = testRealm
	cfg.Keycloak.ClientID = testClientID
	cfg.Keycloak.ClientSecret = testClientSecret
	cfg.Keycloak.AdminUsername = testAdminUser
	cfg.Keycloak.AdminPassword = testAdminPassword
	cfg.Session.Secret = testSessionSecret
	return cfg
}

func (fk *fakeKeycloak) keycloak(cfg KeycloakConfig, metrics *Metrics) *Keycloak {
	return NewKeycloak(cfg, fk.srv.Client(), metrics, discardLogger())
}

// authorize plays the IdP login page: it validates the authorize URL and
// returns a code bound to its challenge, plus the echoed state.
func (fk *fakeKeycloak) authorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	if got, want := u.Scheme+"://"+u.Host+u.Path, fk.issuer()+"/protocol/openid-connect/auth"; got != want {
		t.Fatalf("authorize endpoint = %q, want %q", got, want)
	}
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != testClientID {
		t.Fatalf("unexpected authorize params: %v", q)
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("authorize url missing S256 challenge: %v", q)
	}
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Fatalf("scope %q lacks openid", q.Get("scope"))
	}

	code = fmt.Sprintf("code-%d", time.Now().UnixNano())
	fk.mu.Lock()
	fk.codes[code] = fakeCode{challenge: q.Get("code_challenge"), redirectURI: q.Get("redirect_uri")}
	fk.mu.Unlock()
	return code, q.Get("state")
}

func (fk *fakeKeycloak) serve(w http.ResponseWriter, r *http.Request) {
	oidcPrefix := "/realms/" + testRealm + "/protocol/openid-connect/"
	adminPrefix := "/admin/realms/" + testRealm + "/"

	switch {
	case r.URL.Path == "/realms/"+testRealm+"/.well-known/openid-configuration":
		fk.discovery(w)
	case r.URL.Path == oidcPrefix+"token":
		fk.token(w, r)
	case r.URL.Path == oidcPrefix+"userinfo":
		fk.userinfo(w, r)
	case r.URL.Path == oidcPrefix+"certs":
		fk.certs(w)
	case r.URL.Path == oidcPrefix+"logout":
		fk.logout(w, r)
	case strings.HasPrefix(r.URL.Path, adminPrefix):
		fk.admin(w, r, strings.TrimPrefix(r.URL.Path, adminPrefix))
	default:
		http.NotFound(w, r)
	}
}

func (fk *fakeKeycloak) discovery(w http.ResponseWriter) {
	base := fk.issuer() + "/protocol/openid-connect/"
	writeFakeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                fk.issuer(),
		"authorization_endpoint":                base + "auth",
		"token_endpoint":                        base + "token",
		"userinfo_endpoint":                     base + "userinfo",
		"jwks_uri":                              base + "certs",
		"end_session_endpoint":                  base + "logout",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (fk *fakeKeycloak) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("client_id") != testClientID || r.PostForm.Get("client_secret") != testClientSecret {
		writeFakeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized_client", "error_description": "Invalid client credentials"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		fk.passwordGrant(w, r)
	case "authorization_code":
		fk.codeGrant(w, r)
	default:
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (fk *fakeKeycloak) passwordGrant(w http.ResponseWriter, r *http.Request) {
	fk.passwordGrants.Add(1)
	fk.mu.Lock()
	status, delay := fk.grantStatus, fk.grantDelay
	fk.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		writeFakeJSON(w, status, map[string]string{"error": "server_error", "error_description": "forced failure"})
		return
	}

	username := r.PostForm.Get("username")
	fk.mu.Lock()
	want, ok := fk.passwords[username]
	fk.mu.Unlock()
	if !ok || want != r.PostForm.Get("password") {
		writeFakeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant", "error_description": "Invalid user credentials"})
		return
	}

	if username == testAdminUser {
		n := fk.adminGrants.Add(1)
		fk.mu.Lock()
		fk.adminToken = fmt.Sprintf("admin-token-%d", n)
		tok, exp := fk.adminToken, fk.adminExpiresIn
		fk.mu.Unlock()
		writeFakeJSON(w, http.StatusOK, map[string]any{
			"access_token": tok,
			"expires_in":   exp,
			"token_type":   "Bearer",
		})
		return
	}

	writeFakeJSON(w, http.StatusOK, map[string]any{
		"access_token":  "AT1",
		"refresh_token": "RT1",
		"expires_in":    300,
		"token_type":    "Bearer",
	})
}

func (fk *fakeKeycloak) codeGrant(w http.ResponseWriter, r *http.Request) {
	fk.codeExchanges.Add(1)
	code := r.PostForm.Get("code")
	fk.mu.Lock()
	grant, ok := fk.codes[code]
	delete(fk.codes, code)
	fk.mu.Unlock()
	if !ok {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Code not valid"})
		return
	}
	if grant.redirectURI != r.PostForm.Get("redirect_uri") {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Incorrect redirect_uri"})
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
		return
	}

	writeFakeJSON(w, http.StatusOK, map[string]any{
		"access_token":  "AT-code",
		"refresh_token": "RT-code",
		"id_token":      fk.idToken(),
		"expires_in":    300,
		"token_type":    "Bearer",
	})
}

func (fk *fakeKeycloak) idToken() string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: fk.key, KeyID: "k1", Algorithm: "RS256"}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		fk.t.Errorf("signer: %v", err)
		return ""
	}
	now := time.Now()
	payload, _ := json.Marshal(map[string]any{
		"iss":                fk.issuer(),
		"sub":                "user-1",
		"aud":                testClientID,
		"iat":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
		"preferred_username": "alice",
		"email":              "alice@example.com",
	})
	obj, err := signer.Sign(payload)
	if err != nil {
		fk.t.Errorf("sign id token: %v", err)
		return ""
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		fk.t.Errorf("serialize id token: %v", err)
		return ""
	}
	return raw
}

func (fk *fakeKeycloak) certs(w http.ResponseWriter) {
	writeFakeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &fk.key.PublicKey,
		KeyID:     "k1",
		Algorithm: "RS256",
		Use:       "sig",
	}}})
}

func (fk *fakeKeycloak) userinfo(w http.ResponseWriter, r *http.Request) {
	switch r.Header.Get("Authorization") {
	case "Bearer AT-code", "Bearer AT1":
		writeFakeJSON(w, http.StatusOK, map[string]string{
			"sub":                "user-1",
			"preferred_username": "alice",
			"email":              "alice@example.com",
		})
	default:
		writeFakeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
	}
}

func (fk *fakeKeycloak) logout(w http.ResponseWriter, r *http.Request) {
	fk.logouts.Add(1)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("client_secret") != testClientSecret {
		writeFakeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized_client"})
		return
	}
	fk.mu.Lock()
	status := fk.logoutStatus
	fk.mu.Unlock()
	if status != 0 {
		writeFakeJSON(w, status, map[string]string{"error": "server_error"})
		return
	}
	if r.PostForm.Get("refresh_token") != "RT1" {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid refresh token"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (fk *fakeKeycloak) admin(w http.ResponseWriter, r *http.Request, path string) {
	fk.adminCalls.Add(1)
	fk.mu.Lock()
	valid := fk.adminToken != "" && r.Header.Get("Authorization") == "Bearer "+fk.adminToken
	fk.mu.Unlock()
	if !valid {
		writeFakeJSON(w, http.StatusUnauthorized, map[string]string{"error": "HTTP 401 Unauthorized"})
		return
	}

	parts := strings.Split(path, "/")
	if parts[0] != "users" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1:
		fk.listUsers(w, r.URL.Query())
	case len(parts) == 2:
		if u, ok := fk.user(parts[1]); ok {
			writeFakeJSON(w, http.StatusOK, u)
			return
		}
		writeFakeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
	case len(parts) == 3 && parts[2] == "groups":
		fk.mapping(w, fk.groups, parts[1])
	case len(parts) == 4 && parts[2] == "role-mappings" && parts[3] == "realm":
		fk.mapping(w, fk.roles, parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (fk *fakeKeycloak) listUsers(w http.ResponseWriter, q url.Values) {
	out := []json.RawMessage{}
	for _, raw := range fk.users {
		var u struct {
			Username  string `json:"username"`
			Email     string `json:"email"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
		}
		_ = json.Unmarshal(raw, &u)
		if s := q.Get("search"); s != "" {
			hay := strings.ToLower(u.Username + " " + u.Email + " " + u.FirstName + " " + u.LastName)
			if !strings.Contains(hay, strings.ToLower(s)) {
				continue
			}
		}
		if e := q.Get("email"); e != "" && !strings.Contains(u.Email, e) {
			continue
		}
		out = append(out, raw)
	}
	writeFakeJSON(w, http.StatusOK, out)
}

func (fk *fakeKeycloak) user(id string) (json.RawMessage, bool) {
	for _, raw := range fk.users {
		var u struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &u)
		if u.ID == id {
			return raw, true
		}
	}
	return nil, false
}

func (fk *fakeKeycloak) mapping(w http.ResponseWriter, m map[string]json.RawMessage, id string) {
	v, ok := m[id]
	if !ok {
		writeFakeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	writeFakeJSON(w, http.StatusOK, v)
}

// update mutates fake behaviour under the lock the handlers read it with.
func (fk *fakeKeycloak) update(fn func()) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fn()
}

// revokeAdminToken makes the fake reject the token the broker has cached.
func (fk *fakeKeycloak) revokeAdminToken() {
	fk.mu.Lock()
	fk.adminToken = "revoked"
	fk.mu.Unlock()
}

func writeFakeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
