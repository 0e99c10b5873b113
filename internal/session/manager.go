// Package session owns the client's authentication lifecycle: it signs
// principals in and out against the identity provider, exchanges identity
// proofs for backend access tokens, merges the backend profile, and
// publishes the resulting Session to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"github.com/hostelmate/session-manager/internal/backend"
	"github.com/hostelmate/session-manager/internal/identity"
	"github.com/hostelmate/session-manager/internal/serviceerr"
	"github.com/hostelmate/session-manager/internal/tokenstore"
)

type Manager struct {
	provider identity.Provider
	backend  *backend.Client
	tokens   tokenstore.Store

	mu      sync.Mutex
	session Session
	// gen increments on every identity-changing attempt; an exchange
	// result whose generation is behind the counter is discarded instead
	// of published.
	gen     uint64
	subs    map[int]func(Session)
	nextSub int
	started bool
	unwatch func()
}

func NewManager(provider identity.Provider, backendClient *backend.Client, tokens tokenstore.Store) *Manager {
	return &Manager{
		provider: provider,
		backend:  backendClient,
		tokens:   tokens,
		session:  Session{Status: StatusInitializing},
		subs:     map[int]func(Session){},
	}
}

// Start registers for provider session-change notifications. The provider
// delivers one initial notification, which settles the session out of
// StatusInitializing. ctx bounds the passive resync exchanges.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	// registered outside the lock: providers may deliver the initial
	// notification synchronously, which re-enters the manager
	unwatch := m.provider.Watch(func(p *identity.Principal) {
		m.resync(ctx, p)
	})

	m.mu.Lock()
	m.unwatch = unwatch
	m.mu.Unlock()
}

// Close unregisters the provider watch. The session value remains
// readable but no longer changes passively.
func (m *Manager) Close() {
	m.mu.Lock()
	unwatch := m.unwatch
	m.unwatch = nil
	m.started = false
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
}

// Current returns the latest published session snapshot.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Subscribe registers fn to receive every published session and returns
// an unsubscribe handle. fn is invoked outside the manager's lock, so
// when two operations complete close together their snapshots may reach
// fn in either order. Current reflects the winning state; treat the
// stream as a change signal rather than an ordered log.
func (m *Manager) Subscribe(fn func(Session)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// CachedToken returns the mirrored access token from durable storage. It
// is an optimistic hint for consumers issuing requests while the session
// is still initializing; the provider remains the source of truth.
func (m *Manager) CachedToken(ctx context.Context) (string, error) {
	token, err := m.tokens.Get(ctx, tokenstore.KeyAccessToken)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return "", serviceerr.ErrNoSession
		}
		return "", fmt.Errorf("reading mirrored token: %w", err)
	}
	return token, nil
}

// SignUp creates a provider account, registers the user with the backend
// and settles an authenticated session. A backend "already registered"
// conflict is not fatal.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName, photoURL string) (Session, error) {
	if email == "" || password == "" {
		return m.Current(), serviceerr.NewIdentityError(serviceerr.InvalidFormat, "", errors.New("email and password are required"))
	}

	ctx = slogctx.With(ctx, "operation", "signUp")
	gen := m.begin()

	principal, err := m.provider.CreateAccount(ctx, email, password)
	if err != nil {
		return m.abort(ctx, gen, "register", fmt.Errorf("creating provider account: %w", err))
	}

	if displayName == "" {
		displayName = localPart(email)
	}
	principal, err = m.provider.UpdateProfile(ctx, principal, identity.ProfileFields{
		DisplayName: displayName,
		PhotoURL:    photoURL,
	})
	if err != nil {
		return m.abort(ctx, gen, "register", fmt.Errorf("updating provider profile: %w", err))
	}

	return m.completeExchange(ctx, gen, principal, "register", &backend.User{
		Email:    principal.Email,
		Name:     displayName,
		PhotoURL: photoURL,
		Role:     "user",
	})
}

// SignIn authenticates an existing principal and settles an
// authenticated session. No retry is attempted; the caller decides.
func (m *Manager) SignIn(ctx context.Context, email, password string) (Session, error) {
	if email == "" || password == "" {
		return m.Current(), serviceerr.NewIdentityError(serviceerr.InvalidFormat, "", errors.New("email and password are required"))
	}

	ctx = slogctx.With(ctx, "operation", "signIn")
	gen := m.begin()

	principal, err := m.provider.Authenticate(ctx, email, password)
	if err != nil {
		return m.abort(ctx, gen, "password", fmt.Errorf("authenticating with provider: %w", err))
	}

	return m.completeExchange(ctx, gen, principal, "password", nil)
}

// SignInWithProvider runs the provider-owned interactive flow and settles
// an authenticated session. The user cancelling the flow lands the
// session anonymous and surfaces a UserCancelled identity error.
func (m *Manager) SignInWithProvider(ctx context.Context) (Session, error) {
	ctx = slogctx.With(ctx, "operation", "signInWithProvider")
	gen := m.begin()

	principal, err := m.provider.InteractiveAuthenticate(ctx)
	if err != nil {
		return m.abort(ctx, gen, "provider", fmt.Errorf("interactive sign-in: %w", err))
	}

	name := principal.DisplayName
	if name == "" {
		name = localPart(principal.Email)
	}

	return m.completeExchange(ctx, gen, principal, "provider", &backend.User{
		Email:      principal.Email,
		Name:       name,
		PhotoURL:   principal.PhotoURL,
		GoogleAuth: true,
		Role:       "user",
	})
}

// SignOut clears the local session and the durable mirror, then revokes
// the provider session. A failed revoke is logged, not surfaced: local
// state is authoritative for the caller.
func (m *Manager) SignOut(ctx context.Context) error {
	ctx = slogctx.With(ctx, "operation", "signOut")

	m.mu.Lock()
	m.gen++
	principal := m.session.Identity
	m.clearMirrorLocked(ctx)
	m.session = anonymous()
	fns := m.subsLocked()
	m.mu.Unlock()

	notify(fns, anonymous())
	slogctx.Info(ctx, "Signed out")

	if principal != nil {
		if err := m.provider.SignOut(ctx, *principal); err != nil {
			slogctx.Error(ctx, "Provider sign-out failed after local session was cleared", "error", err)
		}
	}

	return nil
}

// RefreshProfile re-fetches the profile for the current identity. It
// no-ops when the session is not authenticated and never demotes the
// session on failure.
func (m *Manager) RefreshProfile(ctx context.Context) (Session, error) {
	m.mu.Lock()
	current := m.session
	gen := m.gen
	m.mu.Unlock()

	if current.Status != StatusAuthenticated {
		return current, nil
	}

	ctx = slogctx.With(ctx, "operation", "refreshProfile", "email", current.Identity.Email)

	user, err := m.backend.GetUser(ctx, current.Identity.Email, current.AccessToken)
	if err != nil {
		slogctx.Warn(ctx, "Keeping previous profile after failed refresh", "error", err)
		return m.Current(), fmt.Errorf("refreshing profile: %w", err)
	}

	next := current
	next.Profile = mergeProfile(*current.Identity, user)

	if !m.commit(ctx, gen, next) {
		return m.Current(), nil
	}

	return next, nil
}

// resync is the passive half of the lifecycle, driven by provider
// session-change notifications: a present principal replays the
// post-authentication exchange, an absent one forces anonymous.
func (m *Manager) resync(ctx context.Context, p *identity.Principal) {
	ctx = slogctx.With(ctx, "operation", "resync")

	if p == nil {
		m.mu.Lock()
		m.gen++
		m.clearMirrorLocked(ctx)
		m.session = anonymous()
		fns := m.subsLocked()
		m.mu.Unlock()

		notify(fns, anonymous())
		slogctx.Info(ctx, "Provider reports no principal, session is anonymous")
		recordResync(ctx, "anonymous")
		return
	}

	gen := m.begin()
	if _, err := m.completeExchange(ctx, gen, *p, "resync", nil); err != nil {
		slogctx.Error(ctx, "Passive resync failed", "error", err, "email", p.Email)
		return
	}
	recordResync(ctx, "authenticated")
}

// completeExchange performs the shared tail of every sign-in path:
// obtain an identity proof, optionally register the user (conflict means
// already registered), exchange the proof for an access token, fetch the
// profile, and publish the settled session.
func (m *Manager) completeExchange(ctx context.Context, gen uint64, principal identity.Principal, method string, register *backend.User) (Session, error) {
	ctx = slogctx.With(ctx, "email", principal.Email)

	proof, err := m.provider.IdentityProof(ctx, principal)
	if err != nil {
		return m.abort(ctx, gen, method, fmt.Errorf("obtaining identity proof: %w", err))
	}

	if register != nil {
		if err := m.backend.Register(ctx, *register); err != nil {
			if !serviceerr.IsConflict(err) {
				return m.abort(ctx, gen, method, fmt.Errorf("registering user: %w", err))
			}
			slogctx.Info(ctx, "User already registered, proceeding to login")
		}
	}

	token, err := m.backend.Login(ctx, proof.Token, principal.Email)
	if err != nil {
		return m.abort(ctx, gen, method, fmt.Errorf("exchanging proof for access token: %w", err))
	}

	user, err := m.backend.GetUser(ctx, principal.Email, token)
	if err != nil {
		return m.abort(ctx, gen, method, fmt.Errorf("fetching profile: %w", err))
	}

	next := Session{
		Status:      StatusAuthenticated,
		Identity:    &principal,
		AccessToken: token,
		Profile:     mergeProfile(principal, user),
	}

	if !m.commit(ctx, gen, next) {
		slogctx.Info(ctx, "Discarding superseded exchange result")
		return m.Current(), nil
	}

	slogctx.Info(ctx, "Session authenticated", "role", next.Profile.Role)
	recordSignIn(ctx, method)

	return next, nil
}

// begin opens an identity-changing attempt and returns its generation.
func (m *Manager) begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	return m.gen
}

// commit publishes next if gen is still current. The durable mirror is
// written under the state lock so a superseding operation cannot
// interleave between the check and the write.
func (m *Manager) commit(ctx context.Context, gen uint64, next Session) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}

	if next.Status == StatusAuthenticated {
		m.writeMirrorLocked(ctx, next.AccessToken, next.Profile.Role)
	} else {
		m.clearMirrorLocked(ctx)
	}
	m.session = next
	fns := m.subsLocked()
	m.mu.Unlock()

	notify(fns, next)

	return true
}

// abort reverts an attempt: if gen is still current the session becomes
// anonymous and the mirror is cleared, so no partial token survives a
// failed exchange. The error is always returned to the caller.
func (m *Manager) abort(ctx context.Context, gen uint64, method string, err error) (Session, error) {
	m.mu.Lock()
	if gen == m.gen {
		m.clearMirrorLocked(ctx)
		m.session = anonymous()
		fns := m.subsLocked()
		m.mu.Unlock()
		notify(fns, anonymous())
	} else {
		m.mu.Unlock()
	}

	recordSignInFailure(ctx, method)

	return m.Current(), err
}

func (m *Manager) writeMirrorLocked(ctx context.Context, token, role string) {
	if err := m.tokens.Set(ctx, tokenstore.KeyAccessToken, token); err != nil {
		slogctx.Warn(ctx, "Failed to mirror access token", "error", err)
	}
	if role == "" {
		role = "user"
	}
	if err := m.tokens.Set(ctx, tokenstore.KeyUserRole, role); err != nil {
		slogctx.Warn(ctx, "Failed to mirror user role", "error", err)
	}
}

func (m *Manager) clearMirrorLocked(ctx context.Context) {
	if err := m.tokens.Delete(ctx, tokenstore.KeyAccessToken); err != nil {
		slogctx.Warn(ctx, "Failed to clear mirrored access token", "error", err)
	}
	if err := m.tokens.Delete(ctx, tokenstore.KeyUserRole); err != nil {
		slogctx.Warn(ctx, "Failed to clear mirrored user role", "error", err)
	}
}

func (m *Manager) subsLocked() []func(Session) {
	fns := make([]func(Session), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Session), s Session) {
	for _, fn := range fns {
		fn(s)
	}
}

// mergeProfile overlays the backend profile on the provider identity,
// keeping provider attributes where the backend has none.
func mergeProfile(principal identity.Principal, user backend.User) Profile {
	profile := Profile{
		Name:     user.Name,
		PhotoURL: user.PhotoURL,
		Role:     user.Role,
		Badge:    user.Badge,
	}
	if profile.Name == "" {
		profile.Name = principal.DisplayName
	}
	if profile.PhotoURL == "" {
		profile.PhotoURL = principal.PhotoURL
	}
	if profile.Role == "" {
		profile.Role = "user"
	}
	return profile
}

func localPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
