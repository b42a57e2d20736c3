package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/avelichka/trustshare-server/internal/logger"
	"github.com/avelichka/trustshare-server/internal/model"
)

// Identity keeps the external-identity cache warm ahead of key
// distribution.
type Identity struct {
	identityStore model.IdentityStore
	resolver      model.IdentityResolver
	logger        *logger.Logger
}

func NewIdentity(
	identityStore model.IdentityStore,
	resolver model.IdentityResolver,
	logger *logger.Logger,
) *Identity {
	return &Identity{
		identityStore: identityStore,
		resolver:      resolver,
		logger:        logger,
	}
}

// WarmCache resolves and caches every DID not yet present in the cache. DIDs
// are processed independently: one failing resolution does not stop the
// others from being cached. Any failure is returned so the job is
// redelivered; redelivery skips the already-cached subset, which makes the
// whole batch safely retriable.
func (s *Identity) WarmCache(ctx context.Context, dids []string, host string) error {
	if len(dids) == 0 {
		return nil
	}
	if host == "" {
		return fmt.Errorf("%w: host is required", model.ErrInvalidInput)
	}

	cached, err := s.identityStore.GetByDIDs(ctx, dids)
	if err != nil {
		return fmt.Errorf("failed to read identity cache: %w", err)
	}

	known := make(map[string]bool, len(cached))
	for _, identity := range cached {
		known[identity.UserDID] = true
	}

	var errs []error
	for _, did := range dids {
		if did == "" || known[did] {
			continue
		}
		known[did] = true // dedupe within the batch

		handle, err := s.resolver.Resolve(ctx, did, host)
		if err != nil {
			s.logger.Warn("identity resolution failed", "did", did, "host", host, "error", err)
			errs = append(errs, fmt.Errorf("resolve %s: %w", did, err))
			continue
		}

		if err := s.identityStore.Put(ctx, model.CachedIdentity{UserDID: did, Handle: handle}); err != nil {
			errs = append(errs, fmt.Errorf("cache %s: %w", did, err))
		}
	}

	return errors.Join(errs...)
}

// Lookup returns the cached handle per DID. DIDs without a cache row are
// absent from the result; callers needing them resolved enqueue a cache-warm
// job.
func (s *Identity) Lookup(ctx context.Context, dids []string) (map[string]string, error) {
	cached, err := s.identityStore.GetByDIDs(ctx, dids)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity cache: %w", err)
	}

	handles := make(map[string]string, len(cached))
	for _, identity := range cached {
		handles[identity.UserDID] = identity.Handle
	}

	return handles, nil
}
