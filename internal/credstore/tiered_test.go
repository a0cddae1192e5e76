package credstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenStore fails every operation, standing in for a device whose
// keychain capability is unavailable.
type brokenStore struct{ calls int }

var errTier = errors.New("keychain unavailable")

func (b *brokenStore) Get(context.Context, string) (string, error) {
	b.calls++
	return "", errTier
}

func (b *brokenStore) Set(context.Context, string, string) error {
	b.calls++
	return errTier
}

func (b *brokenStore) Delete(context.Context, string) error {
	b.calls++
	return errTier
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTiered_PrefersHardenedTier(t *testing.T) {
	ctx := context.Background()
	hardened := NewMemory()
	fast := NewMemory()
	store := NewTiered(hardened, fast, discardLogger())

	require.NoError(t, store.Set(ctx, KeyAccessToken, "tok_abc"))

	v, err := hardened.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", v)

	_, err = fast.Get(ctx, KeyAccessToken)
	assert.ErrorIs(t, err, ErrNotFound, "key should live in exactly one tier")

	got, err := store.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", got)
}

func TestTiered_FallsBackWhenHardenedFails(t *testing.T) {
	ctx := context.Background()
	broken := &brokenStore{}
	fast := NewMemory()
	store := NewTiered(broken, fast, discardLogger())

	require.NoError(t, store.Set(ctx, KeyRefreshToken, "ref_xyz"),
		"hardened failure must not surface")

	v, err := store.Get(ctx, KeyRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "ref_xyz", v)
	assert.Positive(t, broken.calls, "hardened tier was attempted first")
}

func TestTiered_NilHardenedTier(t *testing.T) {
	ctx := context.Background()
	store := NewTiered(nil, NewMemory(), discardLogger())

	require.NoError(t, store.Set(ctx, KeyUser, `{"id":"u1"}`))
	v, err := store.Get(ctx, KeyUser)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"u1"}`, v)
}

func TestTiered_SetEmptyDeletes(t *testing.T) {
	ctx := context.Background()
	hardened := NewMemory()
	fast := NewMemory()
	store := NewTiered(hardened, fast, discardLogger())

	require.NoError(t, store.Set(ctx, KeyAccountType, "organization"))
	require.NoError(t, store.Set(ctx, KeyAccountType, ""))

	_, err := store.Get(ctx, KeyAccountType)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, hardened.Len())
	assert.Zero(t, fast.Len())
}

func TestTiered_DeleteNeverFails(t *testing.T) {
	ctx := context.Background()
	store := NewTiered(&brokenStore{}, NewMemory(), discardLogger())

	assert.NoError(t, store.Delete(ctx, KeyAccessToken))
	assert.NoError(t, store.Delete(ctx, "missing"))
}

func TestTiered_ReadsFallThroughOnMiss(t *testing.T) {
	ctx := context.Background()
	hardened := NewMemory()
	fast := NewMemory()
	store := NewTiered(hardened, fast, discardLogger())

	// Key written while the hardened tier was unavailable lives in fast.
	require.NoError(t, fast.Set(ctx, KeyOrganizationID, "org_1"))

	v, err := store.Get(ctx, KeyOrganizationID)
	require.NoError(t, err)
	assert.Equal(t, "org_1", v)
}
