package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxRequestBodyBytes = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Metrics      *Metrics
	Store        *InMemoryStore
	Keycloak     *Keycloak
	AdminTokens  *AdminTokenCache
	Admin        *AdminAPI
	Login        *DirectLoginService
	Flow         *PkceFlow
	Sessions     *SessionIssuer
	LoginLimiter *RateLimiter

	userFilter url.Values
}

// NewApp wires together the application state from configuration. It makes
// no network calls.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	userFilter, err := url.ParseQuery(cfg.Admin.UserFilter)
	if err != nil {
		return nil, ConfigurationError("admin.user_filter", err)
	}

	metrics := NewMetrics()
	store := NewInMemoryStore()
	kc := NewKeycloak(cfg.Keycloak, nil, metrics, logger)

	sessions, err := NewSessionIssuer(cfg.Session, logger)
	if err != nil {
		return nil, err
	}

	adminTokens := NewAdminTokenCache(kc, cfg.Keycloak.AdminUsername, cfg.Keycloak.AdminPassword, logger,
		WithCacheMetrics(metrics))

	return &App{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Store:        store,
		Keycloak:     kc,
		AdminTokens:  adminTokens,
		Admin:        NewAdminAPI(kc, adminTokens, logger),
		Login:        NewDirectLoginService(kc, metrics, logger),
		Flow:         NewPkceFlow(kc, store, metrics, logger),
		Sessions:     sessions,
		LoginLimiter: NewRateLimiter(cfg.Server.LoginRatePerMinute),
		userFilter:   userFilter,
	}, nil
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"message": "Keycloak identity broker",
		"endpoints": map[string]string{
			"/api/auth/login":        "POST - direct username/password login",
			"/api/auth/logout":       "POST - end the identity provider session by refresh token",
			"/api/auth/authorize":    "GET - start the browser login",
			"/api/auth/callback":     "GET - browser login callback",
			"/api/auth/session":      "GET - current browser session",
			"/api/auth/handoff":      "POST - redeem a login ticket",
			"/api/auth/end-session":  "GET - browser logout",
			"/api/users":             "GET - list users",
			"/api/users/search":      "GET - search users (?q=)",
			"/api/users/{id}":        "GET - one user",
			"/api/users/{id}/groups": "GET - user groups",
			"/api/users/{id}/roles":  "GET - user realm roles",
		},
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}

	set, err := a.Login.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if IsKind(err, KindValidation) {
			status = http.StatusBadRequest
		}
		a.fail(w, r, err, status)
		return
	}

	writeJSON(w, LoginResponse{
		Success:      true,
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		ExpiresIn:    set.ExpiresInSeconds,
		TokenType:    set.TokenType,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if err := a.Login.Logout(r.Context(), req.RefreshToken); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"success": true, "message": "logged out"})
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	pending, authURL, err := a.Flow.Begin()
	if err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if err := a.Sessions.SealPending(w, pending); err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	// The verifier is single use whatever happens next.
	a.Sessions.ClearPending(w)

	q := r.URL.Query()
	if code := q.Get("error"); code != "" {
		err := AuthenticationError("authorization denied", strings.TrimSpace(code+" "+q.Get("error_description")), nil)
		a.Metrics.login("pkce", err)
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}

	pending, err := a.Sessions.OpenPending(r)
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}

	result, err := a.Flow.Complete(r.Context(), pending, q.Get("state"), q.Get("code"))
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}

	sess, err := a.Sessions.Issue(w, result.UserInfo, result.Tokens.IDToken)
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	a.Flow.Established(pending, &result)

	http.Redirect(w, r, a.frontendRedirect(sess), http.StatusFound)
}

// frontendRedirect appends the hand-off parameters to frontend.url. The
// configured URL may be a hash route, so the query goes after the fragment.
func (a *App) frontendRedirect(sess Session) string {
	q := url.Values{}
	switch a.Config.Frontend.ClaimsDelivery {
	case ClaimsDeliveryTicket:
		q.Set("ticket", a.Store.SaveTicket(sess, HandoffTicketTTL))
	default:
		q.Set("name", sess.Username)
		q.Set("email", sess.Email)
	}

	base := a.Config.Frontend.URL
	tail := base
	if i := strings.Index(base, "#"); i >= 0 {
		tail = base[i:]
	}
	sep := "?"
	if strings.Contains(tail, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

type handoffRequest struct {
	Ticket string `json:"ticket"`
}

func (a *App) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Ticket) == "" {
		a.fail(w, r, ValidationError("ticket is required"), http.StatusBadRequest)
		return
	}
	sess, ok := a.Store.ConsumeTicket(req.Ticket)
	if !ok {
		a.fail(w, r, AuthenticationError("ticket invalid or expired", "", nil), http.StatusUnauthorized)
		return
	}
	writeJSON(w, sess)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Read(r)
	if err != nil {
		a.fail(w, r, err, http.StatusUnauthorized)
		return
	}
	writeJSON(w, sess)
}

func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	// A missing or stale session still gets logged out at the IdP.
	sess, _ := a.Sessions.Read(r)
	a.Sessions.Clear(w)
	http.Redirect(w, r, a.Keycloak.EndSessionURL(sess.IDTokenHint, a.Config.Frontend.LogoutURL), http.StatusFound)
}

func (a *App) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Admin.ListUsers(r.Context(), MergeUserFilter(a.userFilter, r.URL.Query()))
	if err != nil {
		a.fail(w, r, err, adminStatus(err))
		return
	}
	writeJSON(w, users)
}

func (a *App) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		a.fail(w, r, ValidationError("search term q is required"), http.StatusBadRequest)
		return
	}
	users, err := a.Admin.SearchUsers(r.Context(), q)
	if err != nil {
		a.fail(w, r, err, adminStatus(err))
		return
	}
	writeJSON(w, users)
}

func (a *App) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.Admin.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, adminStatus(err))
		return
	}
	writeJSON(w, user)
}

func (a *App) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.Admin.GetUserGroups(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, adminStatus(err))
		return
	}
	writeJSON(w, groups)
}

func (a *App) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.Admin.GetUserRoles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, adminStatus(err))
		return
	}
	writeJSON(w, roles)
}

func adminStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and writes the JSON error body. Only the message and details
// of a tagged *Error reach the client; anything else is reported generically.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg, details := "internal server error", ""
	var e *Error
	if errors.As(err, &e) {
		msg, details = e.Message, e.Details
	}

	attrs := []any{
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"kind", KindOf(err).String(),
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", attrs...)
	} else {
		a.Logger.Warn("request failed", attrs...)
	}
	writeErrorBody(w, status, msg, details)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &Error{Kind: KindValidation, Message: "invalid JSON body", Err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorBody(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Details: details, Status: status})
}
