package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	gocache "github.com/patrickmn/go-cache"

	slogctx "github.com/veqryn/slog-context"

	"github.com/hostelmate/session-manager/internal/identity"
	"github.com/hostelmate/session-manager/internal/pkce"
	"github.com/hostelmate/session-manager/internal/serviceerr"
)

const discoveryCacheKey = "discovery"

// discovery is the provider's published endpoint configuration.
type discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// callbackResult carries the outcome of one loopback callback hit.
type callbackResult struct {
	code string
	err  error
}

// InteractiveAuthenticate runs the provider-hosted sign-in flow: it opens
// a loopback listener, prints the authorization URL for the user's
// browser, and exchanges the returned code for a provider session. The
// user abandoning the flow (context cancelled, or the provider reporting
// access_denied) resolves to a UserCancelled identity error.
func (p *Provider) InteractiveAuthenticate(ctx context.Context) (identity.Principal, error) {
	disc, err := p.getDiscovery(ctx)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("getting provider discovery document: %w", err)
	}

	listener, err := net.Listen("tcp", p.callbackAddr())
	if err != nil {
		return identity.Principal{}, fmt.Errorf("opening loopback listener: %w", err)
	}
	defer listener.Close()

	state := p.pkce.State()
	proofKey := p.pkce.PKCE()
	redirectURI := fmt.Sprintf("http://%s/callback", listener.Addr().String())

	results := make(chan callbackResult, 1)
	server := &http.Server{Handler: callbackHandler(state, results)}
	go func() { _ = server.Serve(listener) }()
	defer server.Close()

	authURL, err := authURI(disc, p.cfg.ClientID, redirectURI, state, proofKey)
	if err != nil {
		return identity.Principal{}, err
	}

	slogctx.Info(ctx, "Open the sign-in page in a browser", "url", authURL)

	var result callbackResult
	select {
	case <-ctx.Done():
		return identity.Principal{}, serviceerr.NewIdentityError(serviceerr.UserCancelled, "flow_abandoned", ctx.Err())
	case result = <-results:
	}
	if result.err != nil {
		return identity.Principal{}, result.err
	}

	principal, err := p.finishInteractive(ctx, disc, result.code, proofKey.Verifier, redirectURI)
	if err != nil {
		return identity.Principal{}, err
	}

	return principal, nil
}

func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callback" {
			http.NotFound(w, r)
			return
		}

		q := r.URL.Query()
		switch {
		case q.Get("error") == "access_denied":
			fmt.Fprintln(w, "Sign-in cancelled. You can close this window.")
			results <- callbackResult{err: serviceerr.NewIdentityError(serviceerr.UserCancelled, "access_denied", nil)}
		case q.Get("error") != "":
			http.Error(w, "Sign-in failed.", http.StatusBadRequest)
			results <- callbackResult{err: serviceerr.NewIdentityError(serviceerr.IdentityUnknown, q.Get("error"), nil)}
		case q.Get("state") != state:
			http.Error(w, "Sign-in failed.", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("state mismatch in interactive callback")}
		case q.Get("code") == "":
			http.Error(w, "Sign-in failed.", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("interactive callback carried no code")}
		default:
			fmt.Fprintln(w, "Signed in. You can close this window.")
			results <- callbackResult{code: q.Get("code")}
		}
	})
}

func authURI(disc discovery, clientID, redirectURI, state string, proofKey pkce.PKCE) (string, error) {
	u, err := url.Parse(disc.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("scope", "openid profile email")
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("state", state)
	q.Set("code_challenge", proofKey.Challenge)
	q.Set("code_challenge_method", proofKey.Method)
	q.Set("redirect_uri", redirectURI)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// finishInteractive exchanges the authorization code for tokens and
// derives the principal from the identity proof's claims.
func (p *Provider) finishInteractive(ctx context.Context, disc discovery, code, codeVerifier, redirectURI string) (identity.Principal, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("code_verifier", codeVerifier)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", p.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, disc.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return identity.Principal{}, fmt.Errorf("creating code exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.secureClient.Do(req)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("executing code exchange request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return identity.Principal{}, decodeAPIError(resp, "code exchange")
	}

	var tokens struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return identity.Principal{}, fmt.Errorf("decoding code exchange response: %w", err)
	}

	principal, err := principalFromProof(tokens.IDToken)
	if err != nil {
		return identity.Principal{}, err
	}

	expiresIn := 55 * time.Minute
	if tokens.ExpiresIn > 0 {
		expiresIn = time.Duration(tokens.ExpiresIn) * time.Second
	}
	p.adopt(ctx, principal, tokens.IDToken, tokens.RefreshToken, expiresIn)

	return principal, nil
}

// principalFromProof reads the principal attributes from the proof's
// claims without verifying the signature; the backend verifies it during
// the token exchange.
func principalFromProof(proofToken string) (identity.Principal, error) {
	parsed, err := jwt.ParseSigned(proofToken, proofSigAlgs)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("parsing identity proof: %w", err)
	}

	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return identity.Principal{}, fmt.Errorf("reading identity proof claims: %w", err)
	}
	if claims.Subject == "" || claims.Email == "" {
		return identity.Principal{}, errors.New("identity proof is missing subject or email")
	}

	return identity.Principal{
		UID:         claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		PhotoURL:    claims.Picture,
	}, nil
}

// getDiscovery fetches the provider's endpoint configuration, caching it
// for subsequent interactive flows.
func (p *Provider) getDiscovery(ctx context.Context) (discovery, error) {
	if cached, ok := p.cache.Get(discoveryCacheKey); ok {
		//nolint:forcetypeassert
		return cached.(discovery), nil
	}

	u := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/.well-known/configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return discovery{}, fmt.Errorf("creating discovery request: %w", err)
	}

	resp, err := p.secureClient.Do(req)
	if err != nil {
		return discovery{}, fmt.Errorf("executing discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return discovery{}, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var disc discovery
	if err := json.NewDecoder(resp.Body).Decode(&disc); err != nil {
		return discovery{}, fmt.Errorf("decoding discovery document: %w", err)
	}
	if disc.AuthorizationEndpoint == "" || disc.TokenEndpoint == "" {
		return discovery{}, errors.New("discovery document is missing endpoints")
	}

	p.cache.Set(discoveryCacheKey, disc, gocache.DefaultExpiration)

	return disc, nil
}

func (p *Provider) callbackAddr() string {
	if p.cfg.CallbackAddr != "" {
		return p.cfg.CallbackAddr
	}
	// port 0 lets the OS pick; the redirect URI is built from the
	// listener's resolved address
	return "127.0.0.1:0"
}
