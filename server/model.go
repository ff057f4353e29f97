package server

import (
	"encoding/json"
	"time"
)

// AdminCredentialToken is the cached service-account token used for the
// admin API. Only AdminTokenCache creates or replaces it.
type AdminCredentialToken struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt reports whether the token may still be handed to a consumer.
func (t AdminCredentialToken) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// PendingAuthorization is the per-attempt PKCE secret carried by the browser
// between the authorize redirect and the callback.
type PendingAuthorization struct {
	CodeVerifier string
	State        string
	ExpiresAt    time.Time
}

// TokenSet is a token endpoint response forwarded to the caller.
type TokenSet struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	ExpiresInSeconds int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
}

// LoginResponse is the body returned by the direct login endpoint.
type LoginResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// UserRecord is the read-only projection of a Keycloak user.
type UserRecord struct {
	ID               string              `json:"id"`
	Username         string              `json:"username"`
	Email            string              `json:"email"`
	FirstName        string              `json:"firstName"`
	LastName         string              `json:"lastName"`
	Enabled          bool                `json:"enabled"`
	EmailVerified    bool                `json:"emailVerified"`
	CreatedTimestamp int64               `json:"createdTimestamp"`
	Attributes       map[string][]string `json:"attributes"`
}

// Group and Role are passed through exactly as Keycloak returns them.
type (
	Group = json.RawMessage
	Role  = json.RawMessage
)

// UserInfo holds the userinfo claims the broker cares about.
type UserInfo struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// Session is the browser-held identity issued after a PKCE login.
type Session struct {
	Subject     string    `json:"sub"`
	Username    string    `json:"preferred_username"`
	Email       string    `json:"email"`
	IDTokenHint string    `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Status  int    `json:"status"`
}
