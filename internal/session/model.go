package session

import "github.com/hostelmate/session-manager/internal/identity"

// Status is the session lifecycle state. A session starts initializing
// and settles to authenticated or anonymous once the provider reports
// whether a principal exists.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// Profile is the application-level user data merged on top of the
// provider identity.
type Profile struct {
	Name     string `json:"name,omitempty"`
	PhotoURL string `json:"photoURL,omitempty"`
	Role     string `json:"role,omitempty"`
	Badge    string `json:"badge,omitempty"`
}

// Session is the published authentication state. Snapshots are immutable:
// AccessToken is set if and only if Status is StatusAuthenticated, and
// Profile always belongs to Identity.
type Session struct {
	Status      Status              `json:"status"`
	Identity    *identity.Principal `json:"-"`
	AccessToken string              `json:"accessToken,omitempty"`
	Profile     Profile             `json:"profile,omitzero"`
}

func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated
}

// Role is a convenience accessor for consumers deciding what to render.
func (s Session) Role() string {
	return s.Profile.Role
}

func anonymous() Session {
	return Session{Status: StatusAnonymous}
}
