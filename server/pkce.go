package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// FlowState is the position of one login attempt in the authorization code flow.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowAuthorizationIssued
	FlowCallbackReceived
	FlowTokenExchanged
	FlowUserInfoFetched
	FlowSessionEstablished
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowAuthorizationIssued:
		return "authorization_issued"
	case FlowCallbackReceived:
		return "callback_received"
	case FlowTokenExchanged:
		return "token_exchanged"
	case FlowUserInfoFetched:
		return "userinfo_fetched"
	case FlowSessionEstablished:
		return "session_established"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CodeFlowIdP is what the flow needs from the realm. *Keycloak satisfies it.
type CodeFlowIdP interface {
	AuthCodeURL(state, verifier string) string
	ExchangeCode(ctx context.Context, code, verifier string) (TokenSet, error)
	VerifyIDToken(ctx context.Context, rawIDToken string) error
	UserInfo(ctx context.Context, accessToken string) (UserInfo, error)
}

// FlowResult describes how far Complete got.
type FlowResult struct {
	State    FlowState
	Tokens   TokenSet
	UserInfo UserInfo
}

// PkceFlow drives the authorization code flow with PKCE.
type PkceFlow struct {
	idp     CodeFlowIdP
	store   *InMemoryStore
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

// NewPkceFlow wires the flow to the realm and the consumed-state store.
func NewPkceFlow(idp CodeFlowIdP, store *InMemoryStore, metrics *Metrics, logger *slog.Logger) *PkceFlow {
	return &PkceFlow{idp: idp, store: store, now: time.Now, metrics: metrics, logger: logger}
}

// Begin creates a fresh verifier and state and returns them together with
// the authorize URL. The caller must persist the pending authorization.
func (f *PkceFlow) Begin() (PendingAuthorization, string, error) {
	state, err := randomState()
	if err != nil {
		return PendingAuthorization{}, "", err
	}
	pending := PendingAuthorization{
		CodeVerifier: oauth2.GenerateVerifier(),
		State:        state,
		ExpiresAt:    f.now().Add(PendingAuthTTL),
	}
	f.transition(state, FlowIdle, FlowAuthorizationIssued)
	return pending, f.idp.AuthCodeURL(pending.State, pending.CodeVerifier), nil
}

// Complete validates the callback against pending and runs the exchange and
// userinfo steps. On failure the returned result is in FlowFailed and the
// error carries the taxonomy kind.
func (f *PkceFlow) Complete(ctx context.Context, pending PendingAuthorization, state, code string) (result FlowResult, err error) {
	result.State = FlowAuthorizationIssued
	defer func() {
		if err != nil {
			f.logger.Warn("pkce flow failed", "state", flowTag(pending.State), "from", result.State.String(), "error", err)
			result.State = FlowFailed
		}
		f.metrics.login("pkce", err)
	}()

	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		return result, ValidationError("code and state are required")
	}
	if pending.State == "" || pending.CodeVerifier == "" {
		return result, ValidationError("no login attempt in progress")
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		return result, AuthenticationError("state mismatch", "", nil)
	}
	if !f.now().Before(pending.ExpiresAt) {
		return result, AuthenticationError("login attempt expired", "", nil)
	}
	if !f.store.MarkConsumed(pending.State, pending.ExpiresAt) {
		return result, AuthenticationError("login attempt already used", "", nil)
	}
	result.State = f.transition(pending.State, result.State, FlowCallbackReceived)

	tokens, err := f.idp.ExchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		return result, err
	}
	if err := f.idp.VerifyIDToken(ctx, tokens.IDToken); err != nil {
		return result, err
	}
	result.Tokens = tokens
	result.State = f.transition(pending.State, result.State, FlowTokenExchanged)

	info, err := f.idp.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return result, err
	}
	result.UserInfo = info
	result.State = f.transition(pending.State, result.State, FlowUserInfoFetched)
	return result, nil
}

// Established marks the attempt finished once the caller has issued the session.
func (f *PkceFlow) Established(pending PendingAuthorization, result *FlowResult) {
	result.State = f.transition(pending.State, result.State, FlowSessionEstablished)
}

func (f *PkceFlow) transition(state string, from, to FlowState) FlowState {
	f.logger.Debug("pkce flow transition", "state", flowTag(state), "from", from.String(), "to", to.String())
	return to
}

// flowTag shortens a state value for logs.
func flowTag(state string) string {
	if len(state) > 8 {
		return state[:8]
	}
	return state
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
