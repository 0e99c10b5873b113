// Package identity defines the contract with the external identity
// provider. The provider authenticates end users and issues short-lived
// identity proofs; the backend exchanges those proofs for access tokens.
package identity

import (
	"context"
	"time"
)

// Principal is the provider's representation of an authenticated end user.
type Principal struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Proof is a short-lived, signed assertion of the principal's identity,
// consumed by the backend login endpoint. The client treats Token as
// opaque apart from reading its expiry.
type Proof struct {
	Token  string
	Expiry time.Time
}

// ProfileFields are the provider-side profile attributes a client may set.
type ProfileFields struct {
	DisplayName string
	PhotoURL    string
}

// WatchFunc receives provider session-change notifications. A nil
// principal means the provider no longer has a signed-in user.
type WatchFunc func(p *Principal)

type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (Principal, error)
	Authenticate(ctx context.Context, email, password string) (Principal, error)
	// InteractiveAuthenticate runs the provider-owned sign-in flow. A user
	// abandoning the flow yields an IdentityError of kind UserCancelled.
	InteractiveAuthenticate(ctx context.Context) (Principal, error)
	UpdateProfile(ctx context.Context, p Principal, fields ProfileFields) (Principal, error)
	IdentityProof(ctx context.Context, p Principal) (Proof, error)
	SignOut(ctx context.Context, p Principal) error
	// Watch registers for session-change notifications and returns an
	// unsubscribe handle. Implementations deliver one initial notification
	// reflecting any resumable provider session.
	Watch(fn WatchFunc) (unsubscribe func())
}
