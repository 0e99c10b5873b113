package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	slogctx "github.com/veqryn/slog-context"

	"github.com/hostelmate/session-manager/internal/identity"
	"github.com/hostelmate/session-manager/internal/pkce"
	"github.com/hostelmate/session-manager/internal/serviceerr"
	"github.com/hostelmate/session-manager/internal/tokenstore"
	"github.com/hostelmate/session-manager/internal/tokenstore/storemock"
)

// urlCapture is a slog handler that grabs the "url" attribute of logged
// records; the interactive flow publishes the authorization URL that way.
type urlCapture struct {
	mu  sync.Mutex
	url string
}

func (c *urlCapture) Enabled(context.Context, slog.Level) bool { return true }
func (c *urlCapture) WithAttrs([]slog.Attr) slog.Handler       { return c }
func (c *urlCapture) WithGroup(string) slog.Handler            { return c }

func (c *urlCapture) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "url" {
			c.mu.Lock()
			c.url = a.Value.String()
			c.mu.Unlock()
		}
		return true
	})
	return nil
}

func (c *urlCapture) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func discoveryMux(t *testing.T, srvURL func() string) *http.ServeMux {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(discovery{
			Issuer:                srvURL(),
			AuthorizationEndpoint: srvURL() + "/authorize",
			TokenEndpoint:         srvURL() + "/token",
		})
	})

	return mux
}

func TestInteractiveAuthenticate(t *testing.T) {
	t.Run("exchanges the callback code for a provider session", func(t *testing.T) {
		// Arrange
		idToken := signProof(t, map[string]any{
			"sub":     "uid-google",
			"email":   "ana@example.com",
			"name":    "Ana",
			"picture": "https://img.example.com/ana.png",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		var srv *httptest.Server
		mux := discoveryMux(t, func() string { return srv.URL })
		mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
			assert.Equal(t, "code-123", r.PostForm.Get("code"))
			assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
			assert.NotEmpty(t, r.PostForm.Get("code_verifier"))

			_ = json.NewEncoder(w).Encode(map[string]any{
				"id_token":      idToken,
				"refresh_token": "rt-google",
				"expires_in":    3600,
			})
		})
		srv = httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		store := storemock.New()
		provider, err := NewProvider(Config{BaseURL: srv.URL, ClientID: "client-1"}, store, srv.Client())
		require.NoError(t, err)

		capture := &urlCapture{}
		ctx := slogctx.NewCtx(t.Context(), slog.New(capture))

		type outcome struct {
			principal identity.Principal
			err       error
		}
		done := make(chan outcome, 1)
		go func() {
			principal, err := provider.InteractiveAuthenticate(ctx)
			done <- outcome{principal, err}
		}()

		require.Eventually(t, func() bool { return capture.get() != "" },
			5*time.Second, 10*time.Millisecond)

		authURL, err := url.Parse(capture.get())
		require.NoError(t, err)
		q := authURL.Query()
		assert.Equal(t, "code", q.Get("response_type"))
		assert.NotEmpty(t, q.Get("code_challenge"))

		// Act: play the browser hitting the loopback callback
		redirect, err := url.Parse(q.Get("redirect_uri"))
		require.NoError(t, err)
		redirect.RawQuery = url.Values{
			"state": {q.Get("state")},
			"code":  {"code-123"},
		}.Encode()

		resp, err := http.Get(redirect.String())
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		// Assert
		var got outcome
		select {
		case got = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the interactive flow to finish")
		}
		require.NoError(t, got.err)
		assert.Equal(t, identity.Principal{
			UID:         "uid-google",
			Email:       "ana@example.com",
			DisplayName: "Ana",
			PhotoURL:    "https://img.example.com/ana.png",
		}, got.principal)

		proof, err := provider.IdentityProof(ctx, got.principal)
		require.NoError(t, err)
		assert.Equal(t, idToken, proof.Token)
		assert.True(t, store.Has(tokenstore.KeyProviderSession))
	})

	t.Run("an abandoned flow resolves to user cancelled", func(t *testing.T) {
		// Arrange
		var srv *httptest.Server
		mux := discoveryMux(t, func() string { return srv.URL })
		srv = httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		provider, err := NewProvider(Config{BaseURL: srv.URL, ClientID: "client-1"}, storemock.New(), srv.Client())
		require.NoError(t, err)

		capture := &urlCapture{}
		ctx, cancel := context.WithCancel(slogctx.NewCtx(t.Context(), slog.New(capture)))

		done := make(chan error, 1)
		go func() {
			_, err := provider.InteractiveAuthenticate(ctx)
			done <- err
		}()

		require.Eventually(t, func() bool { return capture.get() != "" },
			5*time.Second, 10*time.Millisecond)

		// Act
		cancel()

		// Assert
		select {
		case err = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the interactive flow to finish")
		}
		require.Error(t, err)
		assert.True(t, serviceerr.IsIdentityKind(err, serviceerr.UserCancelled))
	})
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name      string
		query     url.Values
		wantCode  string
		wantKind  serviceerr.IdentityErrorKind
		wantPlain bool // plain (untyped) error
	}{
		{
			name:     "valid callback",
			query:    url.Values{"state": {"state-1"}, "code": {"code-123"}},
			wantCode: "code-123",
		},
		{
			name:     "user denied access",
			query:    url.Values{"error": {"access_denied"}},
			wantKind: serviceerr.UserCancelled,
		},
		{
			name:     "provider error",
			query:    url.Values{"error": {"server_error"}},
			wantKind: serviceerr.IdentityUnknown,
		},
		{
			name:      "state mismatch",
			query:     url.Values{"state": {"forged"}, "code": {"code-123"}},
			wantPlain: true,
		},
		{
			name:      "missing code",
			query:     url.Values{"state": {"state-1"}},
			wantPlain: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			results := make(chan callbackResult, 1)
			handler := callbackHandler("state-1", results)

			req := httptest.NewRequest(http.MethodGet, "/callback?"+tt.query.Encode(), nil)
			rec := httptest.NewRecorder()

			// Act
			handler.ServeHTTP(rec, req)

			// Assert
			result := <-results
			switch {
			case tt.wantCode != "":
				require.NoError(t, result.err)
				assert.Equal(t, tt.wantCode, result.code)
			case tt.wantPlain:
				require.Error(t, result.err)
			default:
				require.Error(t, result.err)
				assert.True(t, serviceerr.IsIdentityKind(result.err, tt.wantKind))
			}
		})
	}
}

func TestAuthURI(t *testing.T) {
	// Arrange
	disc := discovery{AuthorizationEndpoint: "https://identity.example.com/authorize"}
	proofKey := pkce.PKCE{Verifier: "verifier", Challenge: "challenge", Method: pkce.MethodS256}

	// Act
	got, err := authURI(disc, "client-1", "http://127.0.0.1:8085/callback", "state-1", proofKey)

	// Assert
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "identity.example.com", u.Host)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "challenge", q.Get("code_challenge"))
	assert.Equal(t, pkce.MethodS256, q.Get("code_challenge_method"))
	assert.Equal(t, "http://127.0.0.1:8085/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
}

func TestGetDiscovery(t *testing.T) {
	ctx := t.Context()

	// Arrange
	var hits int
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/configuration", func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(discovery{
			AuthorizationEndpoint: srv.URL + "/authorize",
			TokenEndpoint:         srv.URL + "/token",
		})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	provider, err := NewProvider(Config{BaseURL: srv.URL}, storemock.New(), srv.Client())
	require.NoError(t, err)

	// Act
	first, err := provider.getDiscovery(ctx)
	require.NoError(t, err)
	second, err := provider.getDiscovery(ctx)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, first, second)
	assert.Equal(t, srv.URL+"/token", first.TokenEndpoint)
	assert.Equal(t, 1, hits)
}
