// Package credstore persists session credentials on the device across two
// tiers: a hardened encrypted-at-rest tier and a fast plaintext tier. The
// hardened tier is not guaranteed to exist on every device, so the tiered
// store degrades silently rather than surfacing storage failures to callers.
package credstore

import "context"

// Logical keys for the persisted session record. Each key is independently
// settable and clearable.
const (
	KeyAccessToken    = "auth.access_token"
	KeyRefreshToken   = "auth.refresh_token"
	KeyUser           = "auth.user"
	KeyAccountType    = "auth.account_type"
	KeyOrganizationID = "auth.organization_id"
)

// SessionKeys lists every key cleared on logout.
var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyUser,
	KeyAccountType,
	KeyOrganizationID,
}

// Store is the key/value persistence contract. Implementations must treat
// values as opaque strings.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value. An empty
	// value deletes the key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
