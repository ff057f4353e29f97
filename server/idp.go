package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

const maxIdPResponseBytes = 1 << 20

// Keycloak talks to the token, userinfo, logout and admin endpoints of one realm.
type Keycloak struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	oauthConfig  *oauth2.Config
	httpClient   *http.Client
	verifier     *oidc.IDTokenVerifier
	metrics      *Metrics
	logger       *slog.Logger
}

// NewHTTPClient returns a pooled client whose every request is bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return client
}

// NewKeycloak prepares the realm endpoints. No network call is made here; the
// realm JWKS is fetched lazily on the first ID token verification.
func NewKeycloak(cfg KeycloakConfig, httpClient *http.Client, metrics *Metrics, logger *slog.Logger) *Keycloak {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.HTTPTimeout)
	}
	k := &Keycloak{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		metrics:      metrics,
		logger:       logger,
	}

	k.oauthConfig = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   k.endpoint("auth"),
			TokenURL:  k.endpoint("token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
	}

	if cfg.VerifyIDToken {
		keySet := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), httpClient), k.endpoint("certs"))
		k.verifier = oidc.NewVerifier(k.Issuer(), keySet, &oidc.Config{ClientID: cfg.ClientID})
	}

	return k
}

// Issuer is the realm issuer as it appears in Keycloak-signed tokens.
func (k *Keycloak) Issuer() string {
	return k.baseURL + "/realms/" + url.PathEscape(k.realm)
}

func (k *Keycloak) endpoint(name string) string {
	return k.Issuer() + "/protocol/openid-connect/" + name
}

// AdminURL builds a URL under /admin/realms/{realm}/.
func (k *Keycloak) AdminURL(segments ...string) string {
	var b strings.Builder
	b.WriteString(k.baseURL)
	b.WriteString("/admin/realms/")
	b.WriteString(url.PathEscape(k.realm))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// AuthCodeURL builds the authorize redirect carrying the S256 challenge of verifier.
func (k *Keycloak) AuthCodeURL(state, verifier string) string {
	return k.oauthConfig.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// PasswordGrant performs a resource-owner password grant.
func (k *Keycloak) PasswordGrant(ctx context.Context, username, password string) (TokenSet, error) {
	start := time.Now()
	tok, err := k.oauthConfig.PasswordCredentialsToken(k.clientContext(ctx), username, password)
	if err != nil {
		err = classifyTokenError("password grant", err)
		k.metrics.observeIdP("password_grant", err, time.Since(start))
		return TokenSet{}, err
	}
	k.metrics.observeIdP("password_grant", nil, time.Since(start))
	return tokenSetFrom(tok), nil
}

// ExchangeCode redeems an authorization code together with its PKCE verifier.
func (k *Keycloak) ExchangeCode(ctx context.Context, code, verifier string) (TokenSet, error) {
	start := time.Now()
	tok, err := k.oauthConfig.Exchange(k.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		err = classifyTokenError("code exchange", err)
		k.metrics.observeIdP("code_exchange", err, time.Since(start))
		return TokenSet{}, err
	}
	k.metrics.observeIdP("code_exchange", nil, time.Since(start))
	return tokenSetFrom(tok), nil
}

// VerifyIDToken checks signature, issuer, audience and expiry of an ID token.
// It is a no-op when verification is disabled.
func (k *Keycloak) VerifyIDToken(ctx context.Context, rawIDToken string) error {
	if k.verifier == nil || rawIDToken == "" {
		return nil
	}
	if _, err := k.verifier.Verify(ctx, rawIDToken); err != nil {
		return AuthenticationError("id token rejected", "", err)
	}
	return nil
}

// UserInfo fetches the userinfo claims for an access token.
func (k *Keycloak) UserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	start := time.Now()
	status, body, err := k.do(ctx, http.MethodGet, k.endpoint("userinfo"), accessToken, nil)
	if err == nil && status != http.StatusOK {
		err = statusError("userinfo", status, body)
	}
	var info UserInfo
	if err == nil {
		if uerr := json.Unmarshal(body, &info); uerr != nil {
			err = UpstreamError("userinfo returned an unexpected shape", "", uerr)
		}
	}
	k.metrics.observeIdP("userinfo", err, time.Since(start))
	return info, err
}

// Logout ends the IdP session bound to refreshToken.
func (k *Keycloak) Logout(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("client_id", k.clientID)
	form.Set("client_secret", k.clientSecret)
	form.Set("refresh_token", refreshToken)

	start := time.Now()
	status, body, err := k.do(ctx, http.MethodPost, k.endpoint("logout"), "", form)
	if err == nil && (status < 200 || status >= 300) {
		err = UpstreamError("logout rejected", upstreamDetails(status, body), nil)
	}
	k.metrics.observeIdP("logout", err, time.Since(start))
	return err
}

// EndSessionURL builds the browser redirect for RP-initiated logout.
func (k *Keycloak) EndSessionURL(idTokenHint, postLogoutRedirect string) string {
	q := url.Values{}
	q.Set("client_id", k.clientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	return k.endpoint("logout") + "?" + q.Encode()
}

// do issues a request and returns the status and a bounded body. Transport
// failures come back as UpstreamError; status handling is left to the caller.
func (k *Keycloak) do(ctx context.Context, method, target, bearer string, form url.Values) (int, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, UpstreamError("build identity provider request", "", err)
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return 0, nil, UpstreamError("identity provider unreachable", "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxIdPResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, UpstreamError("read identity provider response", "", err)
	}
	return resp.StatusCode, payload, nil
}

func (k *Keycloak) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, k.httpClient)
}

func tokenSetFrom(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		TokenType:        tok.TokenType,
		ExpiresInSeconds: expiresIn(tok),
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = idToken
	}
	return ts
}

// expiresIn reads the wire expires_in value rather than the Expiry oauth2
// derives from its own clock.
func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	if !tok.Expiry.IsZero() {
		return int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	return 0
}

// classifyTokenError maps token endpoint failures: 4xx means the IdP rejected
// what we sent, anything else means the IdP is unavailable.
func classifyTokenError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil {
		details := rErr.ErrorCode
		if rErr.ErrorDescription != "" {
			details = strings.TrimSpace(details + " " + rErr.ErrorDescription)
		}
		status := rErr.Response.StatusCode
		if status >= 400 && status < 500 {
			return AuthenticationError(op+" rejected", details, err)
		}
		if details == "" {
			details = fmt.Sprintf("identity provider returned status %d", status)
		}
		return UpstreamError(op+" failed", details, err)
	}
	return UpstreamError(op+" failed", "identity provider unreachable", err)
}

func statusError(op string, status int, body []byte) error {
	details := upstreamDetails(status, body)
	switch {
	case status == http.StatusNotFound:
		return NotFoundError(op+" not found", details)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthenticationError(op+" unauthorized", details, nil)
	default:
		return UpstreamError(op+" failed", details, nil)
	}
}

// upstreamDetails extracts Keycloak's error fields, falling back to the status.
func upstreamDetails(status int, body []byte) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorMessage     string `json:"errorMessage"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		parts := make([]string, 0, 2)
		for _, p := range []string{payload.Error, payload.ErrorDescription, payload.ErrorMessage} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			return fmt.Sprintf("status %d: %s", status, strings.Join(parts, " "))
		}
	}
	return fmt.Sprintf("status %d", status)
}
