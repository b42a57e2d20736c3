package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avelichka/trustshare-server/internal/logger"
	"github.com/avelichka/trustshare-server/internal/model"
)

// Session owns the session state machine: creating the per-author encryption
// context, distributing wrapped keys to recipients, rotating and revoking.
// Deferrable transitions are enqueued rather than performed on the calling
// path; every mutating operation is idempotent so queue redelivery is
// harmless.
type Session struct {
	sessionStore model.SessionStore
	queue        model.Queue
	defaultHost  string
	logger       *logger.Logger
}

func NewSession(
	sessionStore model.SessionStore,
	queue model.Queue,
	defaultHost string,
	logger *logger.Logger,
) *Session {
	return &Session{
		sessionStore: sessionStore,
		queue:        queue,
		defaultHost:  defaultHost,
		logger:       logger,
	}
}

// CreateSession opens a new active session for the author. An existing
// active session is a conflict: callers must revoke explicitly first, so
// recipient keys are never discarded silently. The storage layer's partial
// unique index backstops concurrent creates and surfaces as the same
// conflict.
func (s *Session) CreateSession(ctx context.Context, authorDID string) (model.Session, error) {
	if authorDID == "" {
		return model.Session{}, fmt.Errorf("%w: author did is required", model.ErrInvalidInput)
	}

	_, err := s.sessionStore.GetActiveByAuthor(ctx, authorDID)
	if err == nil {
		return model.Session{}, fmt.Errorf("%w: active session exists for author %s", model.ErrConflict, authorDID)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Session{}, fmt.Errorf("failed to get active session: %w", err)
	}

	session, err := s.sessionStore.Create(ctx, model.Session{
		ID:        uuid.New(),
		AuthorDID: authorDID,
	})
	if errors.Is(err, model.ErrConflict) {
		return model.Session{}, fmt.Errorf("%w: active session exists for author %s", model.ErrConflict, authorDID)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// GetActiveSession returns the author's active session, or ErrNotFound when
// the author has no sharing enabled.
func (s *Session) GetActiveSession(ctx context.Context, authorDID string) (model.Session, error) {
	if authorDID == "" {
		return model.Session{}, fmt.Errorf("%w: author did is required", model.ErrInvalidInput)
	}

	session, err := s.sessionStore.GetActiveByAuthor(ctx, authorDID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Session{}, fmt.Errorf("%w: no active session for author %s", model.ErrNotFound, authorDID)
		}
		return model.Session{}, fmt.Errorf("failed to get active session: %w", err)
	}

	return session, nil
}

// AddRecipient grants a recipient access to the session by storing their
// wrapped copy of the DEK. Adding a recipient who already holds a key
// returns the existing row unchanged; redelivered fan-out jobs land here.
func (s *Session) AddRecipient(ctx context.Context, params model.AddRecipientParams) (model.SessionKey, error) {
	if err := validateAddRecipient(params); err != nil {
		return model.SessionKey{}, err
	}

	session, err := s.sessionStore.GetByID(ctx, params.SessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.SessionKey{}, fmt.Errorf("%w: session %s", model.ErrNotFound, params.SessionID)
		}
		return model.SessionKey{}, fmt.Errorf("failed to get session: %w", err)
	}
	if !session.Active() {
		return model.SessionKey{}, fmt.Errorf("%w: session %s is revoked", model.ErrNotFound, params.SessionID)
	}

	existing, err := s.sessionStore.GetKey(ctx, params.SessionID, params.RecipientDID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.SessionKey{}, fmt.Errorf("failed to get session key: %w", err)
	}

	key, err := s.sessionStore.CreateKey(ctx, model.SessionKey{
		ID:            uuid.New(),
		SessionID:     params.SessionID,
		RecipientDID:  params.RecipientDID,
		UserKeyPairID: params.UserKeyPairID,
		EncryptedDEK:  params.EncryptedDEK,
	})
	if err != nil {
		return model.SessionKey{}, fmt.Errorf("failed to create session key: %w", err)
	}

	return key, nil
}

// UpdateSessionKeys replaces each recipient's wrapped key during rotation.
// The replacement is all-or-nothing: one failing entry rolls back the batch.
// Returned keys preserve the order of the request.
func (s *Session) UpdateSessionKeys(ctx context.Context, sessionID uuid.UUID, keys []model.RotatedKey) ([]model.SessionKey, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: keys are required", model.ErrInvalidInput)
	}
	for _, key := range keys {
		if key.RecipientDID == "" || key.UserKeyPairID == "" || len(key.EncryptedDEK) == 0 {
			return nil, fmt.Errorf("%w: rotated key for %q is incomplete", model.ErrInvalidInput, key.RecipientDID)
		}
	}

	session, err := s.sessionStore.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !session.Active() {
		return nil, fmt.Errorf("%w: session %s is revoked", model.ErrNotFound, sessionID)
	}

	replaced, err := s.sessionStore.ReplaceKeys(ctx, sessionID, keys)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: a rotated recipient holds no key in session %s", model.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to replace session keys: %w", err)
	}

	return replaced, nil
}

// RevokeSession permanently deactivates the session and removes its key
// rows. Revoking twice is a no-op; the first revocation timestamp persists.
func (s *Session) RevokeSession(ctx context.Context, sessionID uuid.UUID) error {
	err := s.sessionStore.Revoke(ctx, sessionID, time.Now())
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: session %s", model.ErrNotFound, sessionID)
		}
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	s.logger.Info("session revoked", "session_id", sessionID)

	return nil
}

// DeleteSession removes the session and, through the storage cascade, all of
// its key rows.
func (s *Session) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	err := s.sessionStore.Delete(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: session %s", model.ErrNotFound, sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("session deleted", "session_id", sessionID)

	return nil
}

// DeleteSessionKeys withdraws specific recipients' access and reports how
// many keys were removed. Recipients without a key are ignored.
func (s *Session) DeleteSessionKeys(ctx context.Context, sessionID uuid.UUID, recipientDIDs []string) (int64, error) {
	if len(recipientDIDs) == 0 {
		return 0, fmt.Errorf("%w: recipient dids are required", model.ErrInvalidInput)
	}

	removed, err := s.sessionStore.DeleteKeys(ctx, sessionID, recipientDIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session keys: %w", err)
	}

	return removed, nil
}

// RequestRecipient defers the key-distribution work for a new recipient off
// the calling path: it warms the identity cache for the recipient and
// enqueues the fan-out job. The recipient gains access when the fan-out
// worker processes the job against the author's then-current session.
func (s *Session) RequestRecipient(ctx context.Context, host string, payload model.AddRecipientPayload) (string, error) {
	if payload.AuthorDID == "" || payload.RecipientDID == "" {
		return "", fmt.Errorf("%w: author and recipient dids are required", model.ErrInvalidInput)
	}
	if host == "" {
		host = s.defaultHost
	}

	if _, err := s.queue.Enqueue(ctx, model.JobPopulateCache, model.PopulateCachePayload{
		DIDs: []string{payload.RecipientDID},
		Host: host,
	}); err != nil {
		return "", fmt.Errorf("failed to enqueue cache warm job: %w", err)
	}

	jobID, err := s.queue.Enqueue(ctx, model.JobAddRecipient, payload)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue fan-out job: %w", err)
	}

	s.logger.Debug("recipient add enqueued",
		"author_did", payload.AuthorDID,
		"recipient_did", payload.RecipientDID,
		"job_id", jobID)

	return jobID, nil
}

func validateAddRecipient(params model.AddRecipientParams) error {
	if params.SessionID == uuid.Nil {
		return fmt.Errorf("%w: session id is required", model.ErrInvalidInput)
	}
	if params.RecipientDID == "" {
		return fmt.Errorf("%w: recipient did is required", model.ErrInvalidInput)
	}
	if params.UserKeyPairID == "" {
		return fmt.Errorf("%w: user key pair id is required", model.ErrInvalidInput)
	}
	if len(params.EncryptedDEK) == 0 {
		return fmt.Errorf("%w: encrypted dek is required", model.ErrInvalidInput)
	}
	return nil
}
