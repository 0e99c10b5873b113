package filestore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostelmate/session-manager/internal/serviceerr"
	"github.com/hostelmate/session-manager/internal/tokenstore"
	"github.com/hostelmate/session-manager/internal/tokenstore/filestore"
)

func newStore(t *testing.T) (*filestore.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	store, err := filestore.New(path)
	require.NoError(t, err)
	return store, path
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := t.Context()
	store, _ := newStore(t)

	require.NoError(t, store.Set(ctx, tokenstore.KeyAccessToken, "T1"))

	value, err := store.Get(ctx, tokenstore.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "T1", value)

	require.NoError(t, store.Set(ctx, tokenstore.KeyAccessToken, "T2"))
	value, err = store.Get(ctx, tokenstore.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "T2", value)
}

func TestStoreMissingKey(t *testing.T) {
	ctx := t.Context()
	store, _ := newStore(t)

	_, err := store.Get(ctx, tokenstore.KeyAccessToken)
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	ctx := t.Context()
	store, _ := newStore(t)

	require.NoError(t, store.Set(ctx, tokenstore.KeyUserRole, "admin"))
	require.NoError(t, store.Delete(ctx, tokenstore.KeyUserRole))

	_, err := store.Get(ctx, tokenstore.KeyUserRole)
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)

	// deleting again is fine
	require.NoError(t, store.Delete(ctx, tokenstore.KeyUserRole))
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	ctx := t.Context()
	store, path := newStore(t)

	require.NoError(t, store.Set(ctx, tokenstore.KeyAccessToken, "T1"))

	reopened, err := filestore.New(path)
	require.NoError(t, err)

	value, err := reopened.Get(ctx, tokenstore.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "T1", value)
}

func TestStoreFilePermissions(t *testing.T) {
	ctx := t.Context()
	store, path := newStore(t)

	require.NoError(t, store.Set(ctx, tokenstore.KeyAccessToken, "T1"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
