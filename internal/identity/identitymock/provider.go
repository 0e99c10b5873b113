// Package identitymock provides an in-memory identity provider for tests.
package identitymock

import (
	"context"
	"fmt"
	"sync"

	"github.com/hostelmate/session-manager/internal/identity"
	"github.com/hostelmate/session-manager/internal/serviceerr"
)

type ProviderOption func(*Provider)

type record struct {
	password  string
	principal identity.Principal
}

type Provider struct {
	mu       sync.Mutex
	accounts map[string]record
	proofs   map[string]string
	current  *identity.Principal

	watchers    map[int]identity.WatchFunc
	nextWatcher int

	// principal delivered with the initial watch notification; nil means
	// "no resumable session"
	resumed *identity.Principal

	createErr, authErr, interactiveErr, updateErr, proofErr, signOutErr error

	interactivePrincipal *identity.Principal

	signOutCalls int
}

var _ = identity.Provider(&Provider{})

func WithAccount(password string, principal identity.Principal) ProviderOption {
	return func(p *Provider) {
		p.accounts[principal.Email] = record{password: password, principal: principal}
	}
}
func WithProof(uid, token string) ProviderOption {
	return func(p *Provider) { p.proofs[uid] = token }
}
func WithResumedPrincipal(principal identity.Principal) ProviderOption {
	return func(p *Provider) { p.resumed = &principal }
}
func WithInteractivePrincipal(principal identity.Principal) ProviderOption {
	return func(p *Provider) { p.interactivePrincipal = &principal }
}
func WithCreateAccountError(err error) ProviderOption {
	return func(p *Provider) { p.createErr = err }
}
func WithAuthenticateError(err error) ProviderOption {
	return func(p *Provider) { p.authErr = err }
}
func WithInteractiveError(err error) ProviderOption {
	return func(p *Provider) { p.interactiveErr = err }
}
func WithUpdateProfileError(err error) ProviderOption {
	return func(p *Provider) { p.updateErr = err }
}
func WithProofError(err error) ProviderOption {
	return func(p *Provider) { p.proofErr = err }
}
func WithSignOutError(err error) ProviderOption {
	return func(p *Provider) { p.signOutErr = err }
}

func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{
		accounts: make(map[string]record),
		proofs:   make(map[string]string),
		watchers: make(map[int]identity.WatchFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Provider) CreateAccount(_ context.Context, email, password string) (identity.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return identity.Principal{}, p.createErr
	}
	if _, exists := p.accounts[email]; exists {
		return identity.Principal{}, serviceerr.NewIdentityError(serviceerr.DuplicateAccount, "EMAIL_EXISTS", nil)
	}

	principal := identity.Principal{UID: "uid-" + email, Email: email}
	p.accounts[email] = record{password: password, principal: principal}
	p.current = &principal

	return principal, nil
}

func (p *Provider) Authenticate(_ context.Context, email, password string) (identity.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authErr != nil {
		return identity.Principal{}, p.authErr
	}

	rec, ok := p.accounts[email]
	if !ok {
		return identity.Principal{}, serviceerr.NewIdentityError(serviceerr.PrincipalNotFound, "EMAIL_NOT_FOUND", nil)
	}
	if rec.password != password {
		return identity.Principal{}, serviceerr.NewIdentityError(serviceerr.WrongCredential, "INVALID_PASSWORD", nil)
	}

	principal := rec.principal
	p.current = &principal

	return principal, nil
}

func (p *Provider) InteractiveAuthenticate(_ context.Context) (identity.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interactiveErr != nil {
		return identity.Principal{}, p.interactiveErr
	}
	if p.interactivePrincipal == nil {
		return identity.Principal{}, serviceerr.NewIdentityError(serviceerr.UserCancelled, "access_denied", nil)
	}

	principal := *p.interactivePrincipal
	p.current = &principal

	return principal, nil
}

func (p *Provider) UpdateProfile(_ context.Context, principal identity.Principal, fields identity.ProfileFields) (identity.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return identity.Principal{}, p.updateErr
	}

	principal.DisplayName = fields.DisplayName
	principal.PhotoURL = fields.PhotoURL
	if rec, ok := p.accounts[principal.Email]; ok {
		rec.principal = principal
		p.accounts[principal.Email] = rec
	}

	return principal, nil
}

func (p *Provider) IdentityProof(_ context.Context, principal identity.Principal) (identity.Proof, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proofErr != nil {
		return identity.Proof{}, p.proofErr
	}

	token, ok := p.proofs[principal.UID]
	if !ok {
		token = fmt.Sprintf("proof-%s", principal.UID)
	}

	return identity.Proof{Token: token}, nil
}

func (p *Provider) SignOut(_ context.Context, _ identity.Principal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutCalls++
	p.current = nil

	return p.signOutErr
}

// Watch registers a watcher and synchronously delivers the configured
// initial notification, which keeps resync tests deterministic.
func (p *Provider) Watch(fn identity.WatchFunc) func() {
	p.mu.Lock()
	id := p.nextWatcher
	p.nextWatcher++
	p.watchers[id] = fn
	resumed := p.resumed
	p.mu.Unlock()

	fn(resumed)

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

// FireSessionChange delivers a session-change notification to all
// watchers, standing in for the provider noticing a change on its own.
func (p *Provider) FireSessionChange(principal *identity.Principal) {
	p.mu.Lock()
	fns := make([]identity.WatchFunc, 0, len(p.watchers))
	for _, fn := range p.watchers {
		fns = append(fns, fn)
	}
	p.current = principal
	p.mu.Unlock()

	for _, fn := range fns {
		fn(principal)
	}
}

// SignOutCalls reports how often SignOut was invoked.
func (p *Provider) SignOutCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOutCalls
}
