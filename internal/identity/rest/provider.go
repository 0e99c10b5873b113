// Package rest implements the identity.Provider contract against the
// provider's REST API. Besides the credential operations it keeps the
// provider-side session resumable: the refresh token is persisted through
// the token store so a new process can re-derive the signed-in principal.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	gocache "github.com/patrickmn/go-cache"

	slogctx "github.com/veqryn/slog-context"

	"github.com/hostelmate/session-manager/internal/identity"
	"github.com/hostelmate/session-manager/internal/pkce"
	"github.com/hostelmate/session-manager/internal/serviceerr"
	"github.com/hostelmate/session-manager/internal/tokenstore"
)

// proofExpiryMargin is how long before its expiry a cached identity proof
// is considered too stale to hand out.
const proofExpiryMargin = time.Minute

// proofSigAlgs are the signature algorithms accepted when reading the
// registered claims of an identity proof. The client never verifies the
// signature; the backend does.
var proofSigAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

type Config struct {
	// BaseURL of the provider API, e.g. https://identity.example.com.
	BaseURL string
	// APIKey identifies this application to the provider.
	APIKey string
	// ClientID is used by the interactive authorization-code flow.
	ClientID string
	// CallbackAddr is the loopback listen address for the interactive
	// flow, e.g. 127.0.0.1:8085.
	CallbackAddr string
}

type Provider struct {
	cfg          Config
	secureClient *http.Client
	store        tokenstore.Store
	pkce         pkce.Source
	cache        *gocache.Cache

	mu      sync.Mutex
	account *account

	watcherMu   sync.Mutex
	watchers    map[int]identity.WatchFunc
	nextWatcher int

	resumeOnce sync.Once
}

// account is the provider-side session held in memory.
type account struct {
	principal    identity.Principal
	idToken      string
	idTokenExp   time.Time
	refreshToken string
}

// persistedSession is the durable mirror of the provider session.
type persistedSession struct {
	RefreshToken string `json:"refreshToken"`
	UID          string `json:"uid"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName,omitempty"`
	PhotoURL     string `json:"photoURL,omitempty"`
}

var _ = identity.Provider(&Provider{})

func NewProvider(cfg Config, store tokenstore.Store, httpClient *http.Client) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("identity provider base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing identity provider base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Provider{
		cfg:          cfg,
		secureClient: httpClient,
		store:        store,
		cache:        gocache.New(5*time.Minute, 10*time.Minute),
		watchers:     map[int]identity.WatchFunc{},
	}, nil
}

func (p *Provider) CreateAccount(ctx context.Context, email, password string) (identity.Principal, error) {
	var resp authResponse
	err := p.post(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return identity.Principal{}, err
	}

	principal := identity.Principal{UID: resp.LocalID, Email: resp.Email}
	if principal.Email == "" {
		principal.Email = email
	}
	p.adopt(ctx, principal, resp.IDToken, resp.RefreshToken, resp.expiresIn())

	return principal, nil
}

func (p *Provider) Authenticate(ctx context.Context, email, password string) (identity.Principal, error) {
	var resp authResponse
	err := p.post(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return identity.Principal{}, err
	}

	principal := identity.Principal{
		UID:         resp.LocalID,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		PhotoURL:    resp.PhotoURL,
	}
	if principal.Email == "" {
		principal.Email = email
	}
	p.adopt(ctx, principal, resp.IDToken, resp.RefreshToken, resp.expiresIn())

	return principal, nil
}

func (p *Provider) UpdateProfile(ctx context.Context, principal identity.Principal, fields identity.ProfileFields) (identity.Principal, error) {
	proof, err := p.IdentityProof(ctx, principal)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("getting proof for profile update: %w", err)
	}

	var resp authResponse
	err = p.post(ctx, "accounts:update", map[string]any{
		"idToken":           proof.Token,
		"displayName":       fields.DisplayName,
		"photoUrl":          fields.PhotoURL,
		"returnSecureToken": false,
	}, &resp)
	if err != nil {
		return identity.Principal{}, err
	}

	principal.DisplayName = fields.DisplayName
	principal.PhotoURL = fields.PhotoURL

	p.mu.Lock()
	if p.account != nil && p.account.principal.UID == principal.UID {
		p.account.principal = principal
	}
	p.mu.Unlock()
	p.persist(ctx)

	return principal, nil
}

// IdentityProof returns a valid proof for the principal, refreshing the
// provider session when the cached one is about to expire.
func (p *Provider) IdentityProof(ctx context.Context, principal identity.Principal) (identity.Proof, error) {
	p.mu.Lock()
	acct := p.account
	p.mu.Unlock()

	if acct == nil || acct.principal.UID != principal.UID {
		return identity.Proof{}, serviceerr.ErrNoSession
	}

	if acct.idToken != "" && time.Until(acct.idTokenExp) > proofExpiryMargin {
		return identity.Proof{Token: acct.idToken, Expiry: acct.idTokenExp}, nil
	}

	return p.refreshProof(ctx)
}

// refreshProof exchanges the stored refresh token for a fresh identity
// proof. A rejected refresh token invalidates the provider session and
// notifies watchers, which is how consumers learn the principal is gone.
func (p *Provider) refreshProof(ctx context.Context) (identity.Proof, error) {
	p.mu.Lock()
	acct := p.account
	p.mu.Unlock()

	if acct == nil || acct.refreshToken == "" {
		return identity.Proof{}, serviceerr.ErrNoSession
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", acct.refreshToken)

	endpoint := p.endpoint("token")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return identity.Proof{}, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.secureClient.Do(req)
	if err != nil {
		return identity.Proof{}, fmt.Errorf("executing refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp, "token")
		if isSessionInvalid(apiErr) {
			slogctx.Info(ctx, "Provider session no longer valid, clearing it", "code", apiErr.ProviderCode)
			p.clearSession(ctx)
			p.notify(nil)
		}
		return identity.Proof{}, apiErr
	}

	var body struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return identity.Proof{}, fmt.Errorf("decoding refresh response: %w", err)
	}

	expiresIn := 55 * time.Minute
	if secs, err := strconv.Atoi(body.ExpiresIn); err == nil && secs > 0 {
		expiresIn = time.Duration(secs) * time.Second
	}

	p.mu.Lock()
	acct.idToken = body.IDToken
	acct.idTokenExp = proofExpiry(body.IDToken, expiresIn)
	if body.RefreshToken != "" {
		acct.refreshToken = body.RefreshToken
	}
	proof := identity.Proof{Token: acct.idToken, Expiry: acct.idTokenExp}
	p.mu.Unlock()
	p.persist(ctx)

	return proof, nil
}

// SignOut drops the local provider session first and then revokes the
// provider-side one. The revoke error is returned, but the local session
// is already gone by then.
func (p *Provider) SignOut(ctx context.Context, principal identity.Principal) error {
	p.mu.Lock()
	var refreshToken string
	if p.account != nil {
		refreshToken = p.account.refreshToken
	}
	p.account = nil
	p.mu.Unlock()

	if err := p.store.Delete(ctx, tokenstore.KeyProviderSession); err != nil {
		slogctx.Warn(ctx, "Failed to delete persisted provider session", "error", err)
	}
	p.notify(nil)

	if refreshToken == "" {
		return nil
	}

	var resp struct{}
	if err := p.post(ctx, "accounts:signOut", map[string]any{"refreshToken": refreshToken}, &resp); err != nil {
		return fmt.Errorf("revoking provider session: %w", err)
	}

	return nil
}

// Watch registers a session-change watcher. The first registration
// triggers the resume of any persisted provider session; each watcher
// receives one initial notification once that settles.
func (p *Provider) Watch(fn identity.WatchFunc) func() {
	p.watcherMu.Lock()
	id := p.nextWatcher
	p.nextWatcher++
	p.watchers[id] = fn
	p.watcherMu.Unlock()

	go func() {
		p.resumeOnce.Do(p.resume)
		p.mu.Lock()
		var current *identity.Principal
		if p.account != nil {
			principal := p.account.principal
			current = &principal
		}
		p.mu.Unlock()
		fn(current)
	}()

	return func() {
		p.watcherMu.Lock()
		delete(p.watchers, id)
		p.watcherMu.Unlock()
	}
}

// resume rebuilds the in-memory provider session from the persisted
// refresh token and validates it with one refresh round-trip.
func (p *Provider) resume() {
	ctx := context.Background()

	raw, err := p.store.Get(ctx, tokenstore.KeyProviderSession)
	if err != nil {
		if !errors.Is(err, serviceerr.ErrNotFound) {
			slogctx.Warn(ctx, "Failed to load persisted provider session", "error", err)
		}
		return
	}

	var persisted persistedSession
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		slogctx.Warn(ctx, "Discarding unreadable persisted provider session", "error", err)
		_ = p.store.Delete(ctx, tokenstore.KeyProviderSession)
		return
	}

	p.mu.Lock()
	p.account = &account{
		principal: identity.Principal{
			UID:         persisted.UID,
			Email:       persisted.Email,
			DisplayName: persisted.DisplayName,
			PhotoURL:    persisted.PhotoURL,
		},
		refreshToken: persisted.RefreshToken,
	}
	p.mu.Unlock()

	if _, err := p.refreshProof(ctx); err != nil {
		slogctx.Info(ctx, "Could not resume provider session", "error", err)
		p.clearSession(ctx)
	}
}

// adopt installs a freshly authenticated provider session.
func (p *Provider) adopt(ctx context.Context, principal identity.Principal, idToken, refreshToken string, expiresIn time.Duration) {
	p.mu.Lock()
	p.account = &account{
		principal:    principal,
		idToken:      idToken,
		idTokenExp:   proofExpiry(idToken, expiresIn),
		refreshToken: refreshToken,
	}
	p.mu.Unlock()
	p.persist(ctx)
}

func (p *Provider) clearSession(ctx context.Context) {
	p.mu.Lock()
	p.account = nil
	p.mu.Unlock()
	if err := p.store.Delete(ctx, tokenstore.KeyProviderSession); err != nil {
		slogctx.Warn(ctx, "Failed to delete persisted provider session", "error", err)
	}
}

func (p *Provider) persist(ctx context.Context) {
	p.mu.Lock()
	acct := p.account
	var persisted persistedSession
	if acct != nil {
		persisted = persistedSession{
			RefreshToken: acct.refreshToken,
			UID:          acct.principal.UID,
			Email:        acct.principal.Email,
			DisplayName:  acct.principal.DisplayName,
			PhotoURL:     acct.principal.PhotoURL,
		}
	}
	p.mu.Unlock()

	if acct == nil || persisted.RefreshToken == "" {
		return
	}

	data, err := json.Marshal(persisted)
	if err != nil {
		slogctx.Warn(ctx, "Failed to encode provider session", "error", err)
		return
	}
	if err := p.store.Set(ctx, tokenstore.KeyProviderSession, string(data)); err != nil {
		slogctx.Warn(ctx, "Failed to persist provider session", "error", err)
	}
}

func (p *Provider) notify(principal *identity.Principal) {
	p.watcherMu.Lock()
	fns := make([]identity.WatchFunc, 0, len(p.watchers))
	for _, fn := range p.watchers {
		fns = append(fns, fn)
	}
	p.watcherMu.Unlock()

	for _, fn := range fns {
		fn(principal)
	}
}

func (p *Provider) endpoint(name string) string {
	u := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/v1/" + name
	if p.cfg.APIKey != "" {
		u += "?key=" + url.QueryEscape(p.cfg.APIKey)
	}
	return u
}

// post performs a JSON call against one of the account endpoints and maps
// provider error codes into the identity error taxonomy.
func (p *Provider) post(ctx context.Context, name string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(name), strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.secureClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing %s request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp, name)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", name, err)
	}

	return nil
}

type authResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

func (r authResponse) expiresIn() time.Duration {
	if secs, err := strconv.Atoi(r.ExpiresIn); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 55 * time.Minute
}

// proofExpiry reads the expiry claim of the proof token, falling back to
// the provider-reported lifetime when the token is not a readable JWT.
func proofExpiry(token string, expiresIn time.Duration) time.Time {
	fallback := time.Now().Add(expiresIn)

	parsed, err := jwt.ParseSigned(token, proofSigAlgs)
	if err != nil {
		return fallback
	}

	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil || claims.Expiry == nil {
		return fallback
	}

	return claims.Expiry.Time()
}

func decodeAPIError(resp *http.Response, op string) *serviceerr.IdentityError {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	code := body.Error.Message
	// codes may carry a trailing explanation, e.g. "WEAK_PASSWORD : ..."
	if idx := strings.IndexAny(code, " :"); idx > 0 {
		code = code[:idx]
	}

	kind := serviceerr.IdentityUnknown
	switch code {
	case "EMAIL_EXISTS":
		kind = serviceerr.DuplicateAccount
	case "WEAK_PASSWORD":
		kind = serviceerr.WeakCredential
	case "INVALID_EMAIL":
		kind = serviceerr.InvalidFormat
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS":
		kind = serviceerr.WrongCredential
	case "EMAIL_NOT_FOUND", "USER_NOT_FOUND", "USER_DISABLED":
		kind = serviceerr.PrincipalNotFound
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		kind = serviceerr.RateLimited
	}

	return serviceerr.NewIdentityError(kind, code, fmt.Errorf("%s failed with status %d", op, resp.StatusCode))
}

// isSessionInvalid reports whether a token-endpoint error means the
// refresh token itself is no longer usable.
func isSessionInvalid(err *serviceerr.IdentityError) bool {
	switch err.ProviderCode {
	case "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN", "USER_NOT_FOUND", "USER_DISABLED":
		return true
	}
	return false
}
