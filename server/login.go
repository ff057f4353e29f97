package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// RealmClient is the part of the realm DirectLoginService depends on.
type RealmClient interface {
	PasswordGrant(ctx context.Context, username, password string) (TokenSet, error)
	Logout(ctx context.Context, refreshToken string) error
}

// DirectLoginService exchanges end-user credentials for tokens and ends IdP
// sessions by refresh token.
type DirectLoginService struct {
	realm   RealmClient
	metrics *Metrics
	logger  *slog.Logger
}

// NewDirectLoginService constructs the service.
func NewDirectLoginService(realm RealmClient, metrics *Metrics, logger *slog.Logger) *DirectLoginService {
	return &DirectLoginService{realm: realm, metrics: metrics, logger: logger}
}

// Login performs a password grant. Every failure is an AuthenticationError
// whose details come only from the IdP's error fields.
func (s *DirectLoginService) Login(ctx context.Context, username, password string) (TokenSet, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return TokenSet{}, ValidationError("username and password are required")
	}

	set, err := s.realm.PasswordGrant(ctx, username, password)
	if err != nil {
		var details string
		var e *Error
		if errors.As(err, &e) {
			details = e.Details
		}
		err = AuthenticationError("invalid username or password", details, nil)
		s.metrics.login("password", err)
		s.logger.Warn("direct login failed", "username", username, "details", details)
		return TokenSet{}, err
	}

	s.metrics.login("password", nil)
	s.logger.Info("direct login succeeded", "username", username)
	return set, nil
}

// Logout ends the IdP session bound to refreshToken.
func (s *DirectLoginService) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return ValidationError("refreshToken is required")
	}
	if err := s.realm.Logout(ctx, refreshToken); err != nil {
		if !IsKind(err, KindUpstream) {
			err = UpstreamError("logout failed", "", err)
		}
		s.logger.Warn("logout failed", "error", err)
		return err
	}
	s.logger.Info("logout succeeded")
	return nil
}
