// Package tokens owns the bearer token pair: the in-memory access token the
// request pipeline reads synchronously, and its write-through persistence to
// the credential store.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"medpass/internal/credstore"
)

// Holder is the single source of truth for the Authorization value attached
// to outgoing requests. The in-memory token is only mutated by SetTokens and
// Clear; storage is consulted only at bootstrap and on the refresh path.
type Holder struct {
	mu     sync.RWMutex
	access string
	store  credstore.Store
	log    *slog.Logger
}

// New creates a holder backed by the given credential store.
func New(store credstore.Store, log *slog.Logger) *Holder {
	if log == nil {
		log = slog.Default()
	}
	return &Holder{store: store, log: log}
}

// SetTokens persists the pair, then updates the in-memory access token. An
// empty refresh token means the server did not rotate it; the persisted one
// is kept.
func (h *Holder) SetTokens(ctx context.Context, access, refresh string) error {
	if err := h.store.Set(ctx, credstore.KeyAccessToken, access); err != nil {
		return err
	}
	if refresh != "" {
		if err := h.store.Set(ctx, credstore.KeyRefreshToken, refresh); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.access = access
	h.mu.Unlock()
	return nil
}

// AccessToken returns the current in-memory access token, empty when
// unauthenticated. Never touches storage.
func (h *Holder) AccessToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.access
}

// RefreshToken reads the persisted refresh token. Returns an empty string
// without error when none is stored.
func (h *Holder) RefreshToken(ctx context.Context) (string, error) {
	v, err := h.store.Get(ctx, credstore.KeyRefreshToken)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Clear zeroes the in-memory token first, then deletes both persisted keys
// best-effort. After Clear returns, AccessToken is empty regardless of
// storage outcome.
func (h *Holder) Clear(ctx context.Context) {
	h.mu.Lock()
	h.access = ""
	h.mu.Unlock()

	if err := h.store.Delete(ctx, credstore.KeyAccessToken); err != nil {
		h.log.WarnContext(ctx, "failed to delete persisted access token", "error", err)
	}
	if err := h.store.Delete(ctx, credstore.KeyRefreshToken); err != nil {
		h.log.WarnContext(ctx, "failed to delete persisted refresh token", "error", err)
	}
}

// Bootstrap rehydrates the in-memory access token from storage. This is the
// only disk-to-memory path; it runs once at process start. Returns the
// loaded token, empty when none is persisted.
func (h *Holder) Bootstrap(ctx context.Context) (string, error) {
	v, err := h.store.Get(ctx, credstore.KeyAccessToken)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.access = v
	h.mu.Unlock()
	return v, nil
}
