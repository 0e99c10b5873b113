// Package serviceerr defines the error taxonomy shared by the session
// manager and its collaborator clients. Identity-provider failures and
// backend failures are kept distinct so callers can render them
// differently.
package serviceerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNoSession = errors.New("no active session")

	// ErrNoToken is returned when a login exchange succeeds at the HTTP
	// level but the response carries no access token.
	ErrNoToken = errors.New("login response contained no access token")
)

type IdentityErrorKind string

const (
	DuplicateAccount  IdentityErrorKind = "duplicate_account"
	WeakCredential    IdentityErrorKind = "weak_credential"
	InvalidFormat     IdentityErrorKind = "invalid_format"
	WrongCredential   IdentityErrorKind = "wrong_credential"
	PrincipalNotFound IdentityErrorKind = "principal_not_found"
	RateLimited       IdentityErrorKind = "rate_limited"
	UserCancelled     IdentityErrorKind = "user_cancelled"
	IdentityUnknown   IdentityErrorKind = "unknown"
)

// IdentityError is raised by the identity provider. ProviderCode carries
// the provider's raw error code for logging.
type IdentityError struct {
	Kind         IdentityErrorKind
	ProviderCode string
	Err          error
}

func (e *IdentityError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("identity provider: %s (%s)", e.Kind, e.ProviderCode)
	}
	return fmt.Sprintf("identity provider: %s", e.Kind)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Message returns the user-facing message for the error kind. Every kind
// maps to a distinct message.
func (e *IdentityError) Message() string {
	switch e.Kind {
	case DuplicateAccount:
		return "Email already in use. Please log in or use a different email."
	case WeakCredential:
		return "Password is too weak. Please use a stronger password."
	case InvalidFormat:
		return "Invalid email format."
	case WrongCredential:
		return "Incorrect password. Please try again."
	case PrincipalNotFound:
		return "No user found with this email. Please register."
	case RateLimited:
		return "Too many attempts. Please try again later."
	case UserCancelled:
		return "Sign-in was cancelled."
	default:
		return "Authentication failed. Please try again."
	}
}

func NewIdentityError(kind IdentityErrorKind, providerCode string, err error) *IdentityError {
	return &IdentityError{Kind: kind, ProviderCode: providerCode, Err: err}
}

// IsIdentityKind reports whether err is an IdentityError of the given kind.
func IsIdentityKind(err error, kind IdentityErrorKind) bool {
	var ie *IdentityError
	return errors.As(err, &ie) && ie.Kind == kind
}

// BackendError is raised by the backend exchange and profile calls and is
// distinguished by HTTP status.
type BackendError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend %s: status %d", e.Op, e.StatusCode)
}

// IsConflict reports whether err is a backend conflict (409), which the
// registration flow treats as "already registered".
func IsConflict(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.StatusCode == http.StatusConflict
}

// IsUnauthorized reports whether err is a backend 401, meaning the access
// token is invalid or expired.
func IsUnauthorized(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.StatusCode == http.StatusUnauthorized
}
