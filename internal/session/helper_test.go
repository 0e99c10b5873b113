package session_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hostelmate/session-manager/internal/backend"
	"github.com/hostelmate/session-manager/internal/identity/identitymock"
	"github.com/hostelmate/session-manager/internal/session"
	"github.com/hostelmate/session-manager/internal/tokenstore/storemock"

	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

// fakeBackend is an httptest stand-in for the HostelMate API covering
// the three endpoints the manager exchanges with.
type fakeBackend struct {
	t *testing.T

	mu    sync.Mutex
	users map[string]backend.User

	registerStatus int  // overrides the register response code when non-zero
	loginEmpty     bool // return 200 with no token
	loginStatus    int  // overrides the login response code when non-zero
	profileStatus  int  // overrides the profile response code when non-zero

	// loginGate, when set, blocks each login until the channel is closed
	loginGate chan struct{}

	registerCalls  int
	loginCalls     int
	lastLoginProof string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	return &fakeBackend{t: t, users: map[string]backend.User{}}
}

func (f *fakeBackend) serve(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /users", f.handleRegister)
	mux.HandleFunc("POST /login", f.handleLogin)
	mux.HandleFunc("GET /users/{email}", f.handleGetUser)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func (f *fakeBackend) setUser(user backend.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.Email] = user
}

func (f *fakeBackend) handleRegister(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++

	if f.registerStatus != 0 {
		w.WriteHeader(f.registerStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "user already exists"})
		return
	}

	var user backend.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, exists := f.users[user.Email]; exists {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "user already exists"})
		return
	}

	f.users[user.Email] = user
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	gate := f.loginGate
	f.loginCalls++
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loginStatus != 0 {
		w.WriteHeader(f.loginStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "login rejected"})
		return
	}

	var body struct {
		IDToken string `json:"idToken"`
		Email   string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDToken == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.lastLoginProof = body.IDToken

	resp := map[string]string{}
	if !f.loginEmpty {
		resp["token"] = "token-" + body.Email
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeBackend) handleGetUser(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.profileStatus != 0 {
		w.WriteHeader(f.profileStatus)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	user, ok := f.users[r.PathValue("email")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "user not found"})
		return
	}

	_ = json.NewEncoder(w).Encode(user)
}

// newTestManager wires a manager against the fake backend and the
// in-memory provider and token store.
func newTestManager(t *testing.T, fake *fakeBackend, provider *identitymock.Provider, store *storemock.Store) *session.Manager {
	t.Helper()

	srv := fake.serve(t)
	client, err := backend.NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	return session.NewManager(provider, client, store)
}

// assertSessionInvariant checks that an access token is carried exactly
// when the session is authenticated, and that the identity is present
// exactly then too.
func assertSessionInvariant(t *testing.T, s session.Session) {
	t.Helper()

	if s.Status == session.StatusAuthenticated {
		require.NotEmpty(t, s.AccessToken)
		require.NotNil(t, s.Identity)
	} else {
		require.Empty(t, s.AccessToken)
		require.Nil(t, s.Identity)
	}
}
