// Package valkeystore persists tokens in a ValKey instance. It is meant
// for shared-terminal deployments where the device-local file store is
// not appropriate.
package valkeystore

import (
	"context"
	"fmt"
	"strings"

	"github.com/valkey-io/valkey-go"

	"github.com/hostelmate/session-manager/internal/serviceerr"
	"github.com/hostelmate/session-manager/internal/tokenstore"
)

type Store struct {
	valkey valkey.Client
	prefix string
}

var _ = tokenstore.Store(&Store{})

func New(valkeyClient valkey.Client, prefix string) *Store {
	return &Store{
		valkey: valkeyClient,
		prefix: strings.TrimSuffix(prefix, ":"),
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	resp := s.valkey.Do(ctx, s.valkey.B().Get().Key(s.key(key)).Build())
	value, err := resp.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", serviceerr.ErrNotFound
		}
		return "", fmt.Errorf("getting %q from valkey: %w", key, err)
	}

	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Set().Key(s.key(key)).Value(value).Build()).Error(); err != nil {
		return fmt.Errorf("setting %q in valkey: %w", key, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("deleting %q from valkey: %w", key, err)
	}

	return nil
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
