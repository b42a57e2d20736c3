package model

import (
	"context"
	"time"
)

// IdentityStore persists the external-identity cache.
type IdentityStore interface {
	GetByDIDs(ctx context.Context, dids []string) ([]CachedIdentity, error)
	Put(ctx context.Context, identity CachedIdentity) error
}

// IdentityResolver resolves a DID to its declared handle via a remote
// lookup. The resolver does not retry; failure handling belongs to callers.
type IdentityResolver interface {
	Resolve(ctx context.Context, did string, host string) (string, error)
}

// CachedIdentity memoizes a DID to handle mapping. Entries have no TTL; a
// cached row is treated as valid until removed out-of-band.
type CachedIdentity struct {
	UserDID   string
	Handle    string
	CreatedAt time.Time
}
