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

// SessionManager defines the session operations the workers call back into.
type SessionManager interface {
	GetActiveSession(ctx context.Context, authorDID string) (model.Session, error)
	AddRecipient(ctx context.Context, params model.AddRecipientParams) (model.SessionKey, error)
	UpdateSessionKeys(ctx context.Context, sessionID uuid.UUID, keys []model.RotatedKey) ([]model.SessionKey, error)
}

// Fanout consumes ADD_RECIPIENT_TO_SESSION jobs: it grants a recipient
// access to the author's active session outside the original request path.
type Fanout struct {
	sessions SessionManager
	logger   *logger.Logger
}

func NewFanout(sessions SessionManager, logger *logger.Logger) *Fanout {
	return &Fanout{
		sessions: sessions,
		logger:   logger,
	}
}

// Handle processes one delivery. A missing active session is not a failure:
// the add raced a revoke (or sharing was never enabled), so the job
// completes as a no-op. Transient errors propagate so the queue retries;
// redelivery after a partially-committed attempt is absorbed by
// AddRecipient's idempotency.
func (w *Fanout) Handle(ctx context.Context, delivery model.Delivery) error {
	var payload model.AddRecipientPayload
	if err := json.Unmarshal(delivery.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	session, err := w.sessions.GetActiveSession(ctx, payload.AuthorDID)
	if errors.Is(err, model.ErrNotFound) {
		w.logger.Info("no active session for author, skipping recipient add",
			"author_did", payload.AuthorDID,
			"recipient_did", payload.RecipientDID,
			"job_id", delivery.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get active session: %w", err)
	}

	_, err = w.sessions.AddRecipient(ctx, model.AddRecipientParams{
		SessionID:     session.ID,
		RecipientDID:  payload.RecipientDID,
		UserKeyPairID: payload.UserKeyPairID,
		EncryptedDEK:  payload.EncryptedDEK,
	})
	if errors.Is(err, model.ErrNotFound) {
		// Session revoked between lookup and add; the job is moot.
		w.logger.Info("session revoked during recipient add, skipping",
			"session_id", session.ID,
			"recipient_did", payload.RecipientDID,
			"job_id", delivery.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to add recipient: %w", err)
	}

	w.logger.Debug("recipient added to session",
		"session_id", session.ID,
		"recipient_did", payload.RecipientDID,
		"job_id", delivery.JobID,
		"attempt", delivery.Attempt)

	return nil
}
