package server

import (
	"errors"
	"fmt"
)

// Kind tags a failure with its place in the error taxonomy so handlers can
// pick a status code without inspecting messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindNotFound
	KindUpstream
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by every broker operation.
// Message is shown to callers; Details carries upstream information that is
// safe to echo (never credentials).
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError reports a missing or malformed request field.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// AuthenticationError reports rejected credentials, a failed code exchange or
// a PKCE state mismatch.
func AuthenticationError(msg, details string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Details: details, Err: err}
}

// NotFoundError reports an unknown resource at the IdP.
func NotFoundError(msg, details string) *Error {
	return &Error{Kind: KindNotFound, Message: msg, Details: details}
}

// UpstreamError reports an unreachable IdP or an unexpected response.
func UpstreamError(msg, details string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Details: details, Err: err}
}

// ConfigurationError reports an absent or invalid startup setting.
func ConfigurationError(msg string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: msg, Err: err}
}

// KindOf returns the taxonomy tag of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given tag.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
