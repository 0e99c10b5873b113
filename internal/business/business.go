// Package business wires the configured token store, identity provider
// and backend client into a session manager and exposes the operations
// the CLI runs against it.
package business

import (
	"context"
	"fmt"
	"net/http"

	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/hostelmate/session-manager/internal/backend"
	"github.com/hostelmate/session-manager/internal/config"
	"github.com/hostelmate/session-manager/internal/identity/rest"
	"github.com/hostelmate/session-manager/internal/session"
	"github.com/hostelmate/session-manager/internal/tokenstore"
	"github.com/hostelmate/session-manager/internal/tokenstore/filestore"
	"github.com/hostelmate/session-manager/internal/tokenstore/valkeystore"
)

// Register signs up a new account and returns the settled session.
func Register(ctx context.Context, cfg *config.Config, email, password, displayName, photoURL string) (session.Session, error) {
	manager, closeFn, err := BuildManager(ctx, cfg)
	if err != nil {
		return session.Session{}, err
	}
	defer closeFn()

	if _, err := waitSettled(ctx, cfg, manager); err != nil {
		return session.Session{}, err
	}

	return manager.SignUp(ctx, email, password, displayName, photoURL)
}

// Login authenticates an existing account and returns the settled session.
func Login(ctx context.Context, cfg *config.Config, email, password string) (session.Session, error) {
	manager, closeFn, err := BuildManager(ctx, cfg)
	if err != nil {
		return session.Session{}, err
	}
	defer closeFn()

	if _, err := waitSettled(ctx, cfg, manager); err != nil {
		return session.Session{}, err
	}

	return manager.SignIn(ctx, email, password)
}

// LoginSSO runs the provider-hosted interactive sign-in.
func LoginSSO(ctx context.Context, cfg *config.Config) (session.Session, error) {
	manager, closeFn, err := BuildManager(ctx, cfg)
	if err != nil {
		return session.Session{}, err
	}
	defer closeFn()

	if _, err := waitSettled(ctx, cfg, manager); err != nil {
		return session.Session{}, err
	}

	return manager.SignInWithProvider(ctx)
}

// Logout resumes the current session and signs it out.
func Logout(ctx context.Context, cfg *config.Config) error {
	manager, closeFn, err := BuildManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := waitSettled(ctx, cfg, manager); err != nil {
		return err
	}

	return manager.SignOut(ctx)
}

// Whoami resumes and returns the current session.
func Whoami(ctx context.Context, cfg *config.Config) (session.Session, error) {
	manager, closeFn, err := BuildManager(ctx, cfg)
	if err != nil {
		return session.Session{}, err
	}
	defer closeFn()

	return waitSettled(ctx, cfg, manager)
}

// Refresh resumes the current session and re-fetches its profile.
func Refresh(ctx context.Context, cfg *config.Config) (session.Session, error) {
	manager, closeFn, err := BuildManager(ctx, cfg)
	if err != nil {
		return session.Session{}, err
	}
	defer closeFn()

	current, err := waitSettled(ctx, cfg, manager)
	if err != nil {
		return current, err
	}
	if !current.Authenticated() {
		return current, nil
	}

	return manager.RefreshProfile(ctx)
}

// BuildManager assembles a started session manager from the
// configuration. The returned close function releases the manager and
// any store connection.
func BuildManager(ctx context.Context, cfg *config.Config) (_ *session.Manager, closeFn func(), _ error) {
	store, closeStore, err := buildTokenStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising the token store: %w", err)
	}

	provider, err := rest.NewProvider(rest.Config{
		BaseURL:      cfg.IdentityProvider.BaseURL,
		APIKey:       cfg.IdentityProvider.APIKey,
		ClientID:     cfg.IdentityProvider.ClientID,
		CallbackAddr: cfg.IdentityProvider.CallbackAddr,
	}, store, &http.Client{Timeout: cfg.IdentityProvider.Timeout})
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("initialising the identity provider: %w", err)
	}

	backendClient, err := backend.NewClient(cfg.Backend.BaseURL, &http.Client{Timeout: cfg.Backend.Timeout})
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("initialising the backend client: %w", err)
	}

	manager := session.NewManager(provider, backendClient, store)
	manager.Start(ctx)

	return manager, func() {
		manager.Close()
		closeStore()
	}, nil
}

func buildTokenStore(cfg *config.Config) (tokenstore.Store, func(), error) {
	switch cfg.TokenStore.Backend {
	case config.StoreBackendValkey:
		client, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.TokenStore.Valkey.Address},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating a new valkey client: %w", err)
		}

		return valkeystore.New(client, cfg.TokenStore.Valkey.Prefix), client.Close, nil
	case config.StoreBackendFile:
		store, err := filestore.New(cfg.TokenStore.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("creating the file store: %w", err)
		}

		return store, func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown token store backend %q", cfg.TokenStore.Backend)
}

// waitSettled blocks until the session leaves its initializing state, so
// a persisted provider session is resumed before the caller acts.
func waitSettled(ctx context.Context, cfg *config.Config, manager *session.Manager) (session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.IdentityProvider.Timeout)
	defer cancel()

	settled := make(chan session.Session, 1)
	unsubscribe := manager.Subscribe(func(s session.Session) {
		if s.Status != session.StatusInitializing {
			select {
			case settled <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if current := manager.Current(); current.Status != session.StatusInitializing {
		return current, nil
	}

	select {
	case s := <-settled:
		return s, nil
	case <-ctx.Done():
		slogctx.Warn(ctx, "Session did not settle in time")
		return manager.Current(), fmt.Errorf("waiting for the session to settle: %w", ctx.Err())
	}
}
