package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avelichka/trustshare-server/internal/logger"
	"github.com/avelichka/trustshare-server/internal/model"
)

// CacheWarmer defines the identity operation the cache worker delegates to.
type CacheWarmer interface {
	WarmCache(ctx context.Context, dids []string, host string) error
}

// IdentityCache consumes POPULATE_DID_CACHE jobs: it batch-resolves unknown
// DIDs so handles are cached before key distribution needs them.
type IdentityCache struct {
	identities CacheWarmer
	logger     *logger.Logger
}

func NewIdentityCache(identities CacheWarmer, logger *logger.Logger) *IdentityCache {
	return &IdentityCache{
		identities: identities,
		logger:     logger,
	}
}

// Handle processes one delivery. A partial failure fails the whole job;
// redelivery re-checks the cache first, so only the unresolved subset is
// retried.
func (w *IdentityCache) Handle(ctx context.Context, delivery model.Delivery) error {
	var payload model.PopulateCachePayload
	if err := json.Unmarshal(delivery.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	if err := w.identities.WarmCache(ctx, payload.DIDs, payload.Host); err != nil {
		return fmt.Errorf("failed to warm identity cache: %w", err)
	}

	w.logger.Debug("identity cache warmed",
		"dids", len(payload.DIDs),
		"host", payload.Host,
		"job_id", delivery.JobID,
		"attempt", delivery.Attempt)

	return nil
}
