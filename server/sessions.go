package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookieName = "kc_session"
	pendingCookieName = "codeVerifier"
	pendingCookiePath = "/api/auth"

	sessionAudience = "kcbroker-session"
	pendingAudience = "kcbroker-pkce"

	// maxCookieBytes bounds name=value so browsers keep the cookie; they
	// drop anything past 4096 bytes including attributes.
	maxCookieBytes = 3800
)

// SessionIssuer turns a completed login into a signed session cookie and
// seals the per-attempt PKCE secret into its own short-lived cookie. No
// session table is kept on the server.
type SessionIssuer struct {
	secret       []byte
	secure       bool
	cookieDomain string
	now          func() time.Time
	logger       *slog.Logger
}

type sessionClaims struct {
	Username    string `json:"preferred_username,omitempty"`
	Email       string `json:"email,omitempty"`
	IDTokenHint string `json:"id_token_hint,omitempty"`
	jwt.RegisteredClaims
}

type pendingClaims struct {
	Verifier string `json:"cv"`
	jwt.RegisteredClaims
}

// NewSessionIssuer uses the configured secret, or a random per-process one.
func NewSessionIssuer(cfg SessionConfig, logger *slog.Logger) (*SessionIssuer, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		logger.Warn("session.secret not set; sessions will not survive a restart")
	}
	return &SessionIssuer{
		secret:       secret,
		secure:       cfg.SecureCookies,
		cookieDomain: cfg.CookieDomain,
		now:          time.Now,
		logger:       logger,
	}, nil
}

// Issue signs a session valid for exactly SessionTTL and sets the cookie.
func (si *SessionIssuer) Issue(w http.ResponseWriter, info UserInfo, idToken string) (Session, error) {
	issued := si.now().Truncate(time.Second)
	sess := Session{
		Subject:     info.Subject,
		Username:    info.PreferredUsername,
		Email:       info.Email,
		IDTokenHint: idToken,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(SessionTTL),
	}

	signed, err := si.signSession(sess)
	if err != nil {
		return Session{}, err
	}
	if len(sessionCookieName)+1+len(signed) > maxCookieBytes && sess.IDTokenHint != "" {
		// End-session still works without a hint; Keycloak asks for confirmation.
		si.logger.Warn("id token too large for session cookie; dropping logout hint",
			"id_token_bytes", len(sess.IDTokenHint))
		sess.IDTokenHint = ""
		if signed, err = si.signSession(sess); err != nil {
			return Session{}, err
		}
	}
	if len(sessionCookieName)+1+len(signed) > maxCookieBytes {
		return Session{}, fmt.Errorf("session cookie is %d bytes, limit %d", len(signed), maxCookieBytes)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/",
		Domain:   si.cookieDomain,
		Expires:  sess.ExpiresAt,
		MaxAge:   int(SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   si.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

func (si *SessionIssuer) signSession(sess Session) (string, error) {
	claims := sessionClaims{
		Username:    sess.Username,
		Email:       sess.Email,
		IDTokenHint: sess.IDTokenHint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.Subject,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(si.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Read verifies the session cookie on r.
func (si *SessionIssuer) Read(r *http.Request) (Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, AuthenticationError("no session", "", nil)
	}

	var claims sessionClaims
	if _, err := si.parse(cookie.Value, sessionAudience, &claims); err != nil {
		return Session{}, AuthenticationError("invalid session", "", err)
	}

	sess := Session{
		Subject:     claims.Subject,
		Username:    claims.Username,
		Email:       claims.Email,
		IDTokenHint: claims.IDTokenHint,
	}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// Clear expires the session cookie.
func (si *SessionIssuer) Clear(w http.ResponseWriter) {
	si.expire(w, sessionCookieName, "/")
}

// SealPending stores the PKCE verifier and state in the codeVerifier cookie.
func (si *SessionIssuer) SealPending(w http.ResponseWriter, p PendingAuthorization) error {
	claims := pendingClaims{
		Verifier: p.CodeVerifier,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.State,
			Audience:  jwt.ClaimStrings{pendingAudience},
			IssuedAt:  jwt.NewNumericDate(si.now()),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(si.secret)
	if err != nil {
		return fmt.Errorf("seal pending authorization: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     pendingCookieName,
		Value:    signed,
		Path:     pendingCookiePath,
		Domain:   si.cookieDomain,
		Expires:  p.ExpiresAt,
		MaxAge:   int(PendingAuthTTL.Seconds()),
		HttpOnly: true,
		Secure:   si.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// OpenPending reads back the PKCE secret sealed by SealPending.
func (si *SessionIssuer) OpenPending(r *http.Request) (PendingAuthorization, error) {
	cookie, err := r.Cookie(pendingCookieName)
	if err != nil || cookie.Value == "" {
		return PendingAuthorization{}, ValidationError("no login attempt in progress")
	}

	var claims pendingClaims
	if _, err := si.parse(cookie.Value, pendingAudience, &claims); err != nil {
		return PendingAuthorization{}, AuthenticationError("login attempt invalid or expired", "", err)
	}
	if claims.ID == "" || claims.Verifier == "" {
		return PendingAuthorization{}, AuthenticationError("login attempt invalid or expired", "", nil)
	}

	p := PendingAuthorization{CodeVerifier: claims.Verifier, State: claims.ID}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// ClearPending expires the codeVerifier cookie.
func (si *SessionIssuer) ClearPending(w http.ResponseWriter) {
	si.expire(w, pendingCookieName, pendingCookiePath)
}

func (si *SessionIssuer) parse(raw, audience string, claims jwt.Claims) (*jwt.Token, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(si.now),
	)
	tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return si.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}
	return tok, nil
}

func (si *SessionIssuer) expire(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   si.cookieDomain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   si.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
