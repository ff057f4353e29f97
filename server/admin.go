package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// listFilterParams are the request query parameters callers may add on top
// of the configured user filter.
var listFilterParams = []string{"first", "max", "email", "username", "enabled", "exact"}

// AdminAPI proxies the read-only part of Keycloak's user-management API.
type AdminAPI struct {
	idp    *Keycloak
	tokens AdminTokenProvider
	logger *slog.Logger
}

// NewAdminAPI wires the proxy to the realm and the admin token cache.
func NewAdminAPI(idp *Keycloak, tokens AdminTokenProvider, logger *slog.Logger) *AdminAPI {
	return &AdminAPI{idp: idp, tokens: tokens, logger: logger}
}

// keycloakUser mirrors the subset of Keycloak's UserRepresentation we copy.
type keycloakUser struct {
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

func (u keycloakUser) record() UserRecord {
	attrs := u.Attributes
	if attrs == nil {
		attrs = map[string][]string{}
	}
	return UserRecord{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Enabled:          u.Enabled,
		EmailVerified:    u.EmailVerified,
		CreatedTimestamp: u.CreatedTimestamp,
		Attributes:       attrs,
	}
}

// ListUsers returns the users matching filter.
func (a *AdminAPI) ListUsers(ctx context.Context, filter url.Values) ([]UserRecord, error) {
	var users []keycloakUser
	if err := a.get(ctx, "list users", a.idp.AdminURL("users"), filter, &users); err != nil {
		return nil, err
	}
	return projectUsers(users), nil
}

// GetUserByID returns one user; an unknown id yields a NotFoundError.
func (a *AdminAPI) GetUserByID(ctx context.Context, id string) (UserRecord, error) {
	if err := checkUserID(id); err != nil {
		return UserRecord{}, err
	}
	var user keycloakUser
	if err := a.get(ctx, "user", a.idp.AdminURL("users", id), nil, &user); err != nil {
		return UserRecord{}, err
	}
	return user.record(), nil
}

// SearchUsers matches term against username, email, first and last name.
func (a *AdminAPI) SearchUsers(ctx context.Context, term string) ([]UserRecord, error) {
	if strings.TrimSpace(term) == "" {
		return nil, ValidationError("search term is required")
	}
	var users []keycloakUser
	q := url.Values{"search": {term}}
	if err := a.get(ctx, "search users", a.idp.AdminURL("users"), q, &users); err != nil {
		return nil, err
	}
	return projectUsers(users), nil
}

// GetUserGroups returns the user's groups unchanged.
func (a *AdminAPI) GetUserGroups(ctx context.Context, id string) ([]Group, error) {
	if err := checkUserID(id); err != nil {
		return nil, err
	}
	groups := []Group{}
	if err := a.get(ctx, "user groups", a.idp.AdminURL("users", id, "groups"), nil, &groups); err != nil {
		return nil, missingAsUpstream(err)
	}
	return groups, nil
}

// GetUserRoles returns the user's realm role mappings unchanged.
func (a *AdminAPI) GetUserRoles(ctx context.Context, id string) ([]Role, error) {
	if err := checkUserID(id); err != nil {
		return nil, err
	}
	roles := []Role{}
	if err := a.get(ctx, "user roles", a.idp.AdminURL("users", id, "role-mappings", "realm"), nil, &roles); err != nil {
		return nil, missingAsUpstream(err)
	}
	return roles, nil
}

func (a *AdminAPI) get(ctx context.Context, op, target string, query url.Values, out any) (err error) {
	start := time.Now()
	defer func() { a.idp.metrics.observeIdP("admin_"+strings.ReplaceAll(op, " ", "_"), err, time.Since(start)) }()

	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return err
	}

	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	status, body, err := a.idp.do(ctx, http.MethodGet, target, tok.Value, nil)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound:
		return NotFoundError(op+" not found", upstreamDetails(status, body))
	case status == http.StatusUnauthorized:
		// The IdP no longer honours a token we believed valid.
		a.tokens.Invalidate()
		a.logger.Warn("admin token rejected by identity provider", "operation", op)
		return UpstreamError(op+" failed", upstreamDetails(status, body), nil)
	default:
		return UpstreamError(op+" failed", upstreamDetails(status, body), nil)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return UpstreamError(op+" returned an unexpected shape", "", err)
	}
	return nil
}

// checkUserID accepts only ids that form a single opaque path segment, so a
// request can never climb out of /users/{id} with the admin token.
func checkUserID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return ValidationError("user id is required")
	case id == "." || id == "..",
		strings.ContainsAny(id, "/\\?#%"),
		strings.ContainsFunc(id, unicode.IsControl):
		return ValidationError("invalid user id")
	}
	return nil
}

// missingAsUpstream reports a 404 on a user's groups or roles as a failed
// call. Only the user lookup itself answers not found.
func missingAsUpstream(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindNotFound {
		return UpstreamError(strings.TrimSuffix(e.Message, " not found")+" failed", e.Details, nil)
	}
	return err
}

func projectUsers(users []keycloakUser) []UserRecord {
	out := make([]UserRecord, 0, len(users))
	for _, u := range users {
		out = append(out, u.record())
	}
	return out
}

// MergeUserFilter layers the allowed request parameters over the configured base filter.
func MergeUserFilter(base url.Values, request url.Values) url.Values {
	out := url.Values{}
	for k, v := range base {
		out[k] = append([]string(nil), v...)
	}
	for _, k := range listFilterParams {
		if v := request.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}
