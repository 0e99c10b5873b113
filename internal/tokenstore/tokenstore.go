// Package tokenstore provides the durable client-side storage for
// credentials the session manager mirrors between runs. The persisted data
// is a cache: the identity provider remains the source of truth.
package tokenstore

import "context"

// Well-known storage keys. KeyAccessToken and KeyUserRole mirror the
// backend-issued state; KeyProviderSession holds the identity provider's
// own resumable session.
const (
	KeyAccessToken     = "access-token"
	KeyUserRole        = "user-role"
	KeyProviderSession = "provider-session"
)

type Store interface {
	// Get returns the stored value, or serviceerr.ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes the value. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
