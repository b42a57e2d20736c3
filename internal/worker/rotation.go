package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/avelichka/trustshare-server/internal/logger"
	"github.com/avelichka/trustshare-server/internal/model"
)

// Rotation consumes UPDATE_SESSION_KEYS jobs: it applies a key-rotation
// batch to a session through the session manager.
type Rotation struct {
	sessions SessionManager
	logger   *logger.Logger
}

func NewRotation(sessions SessionManager, logger *logger.Logger) *Rotation {
	return &Rotation{
		sessions: sessions,
		logger:   logger,
	}
}

// Handle processes one delivery. A session revoked or deleted since the
// rotation was enqueued makes the job moot, not failed. The manager applies
// the batch all-or-nothing, so a redelivered job either re-applies cleanly
// or finds the rotation already complete.
func (w *Rotation) Handle(ctx context.Context, delivery model.Delivery) error {
	var payload model.UpdateKeysPayload
	if err := json.Unmarshal(delivery.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	sessionID, err := uuid.Parse(payload.SessionID)
	if err != nil {
		return fmt.Errorf("failed to parse session id: %w", err)
	}

	keys := make([]model.RotatedKey, 0, len(payload.Keys))
	for _, key := range payload.Keys {
		keys = append(keys, model.RotatedKey{
			RecipientDID:  key.RecipientDID,
			UserKeyPairID: key.UserKeyPairID,
			EncryptedDEK:  key.EncryptedDEK,
		})
	}

	_, err = w.sessions.UpdateSessionKeys(ctx, sessionID, keys)
	if errors.Is(err, model.ErrNotFound) {
		w.logger.Info("session gone, skipping key rotation",
			"session_id", sessionID,
			"job_id", delivery.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update session keys: %w", err)
	}

	w.logger.Debug("session keys rotated",
		"session_id", sessionID,
		"keys", len(keys),
		"job_id", delivery.JobID,
		"attempt", delivery.Attempt)

	return nil
}
