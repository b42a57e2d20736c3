package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionStore defines persistence operations for sessions and their keys.
// Session keys are an owned collection of the session aggregate and are only
// ever addressed through their session.
type SessionStore interface {
	Create(ctx context.Context, session Session) (Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (Session, error)
	GetActiveByAuthor(ctx context.Context, authorDID string) (Session, error)
	Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error

	CreateKey(ctx context.Context, key SessionKey) (SessionKey, error)
	GetKey(ctx context.Context, sessionID uuid.UUID, recipientDID string) (SessionKey, error)
	GetKeysBySession(ctx context.Context, sessionID uuid.UUID) ([]SessionKey, error)
	ReplaceKeys(ctx context.Context, sessionID uuid.UUID, keys []RotatedKey) ([]SessionKey, error)
	DeleteKeys(ctx context.Context, sessionID uuid.UUID, recipientDIDs []string) (int64, error)
}

// Session is the active encryption context for one author. At most one
// session per author has RevokedAt unset; a revoked session is permanently
// inactive.
type Session struct {
	ID        uuid.UUID
	AuthorDID string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the session can still accept key operations.
func (s Session) Active() bool {
	return s.RevokedAt == nil
}

// SessionKey is one recipient's wrapped copy of the session's
// data-encryption-key. The wrapped key material is opaque to the server.
type SessionKey struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	RecipientDID  string
	UserKeyPairID string
	EncryptedDEK  []byte
	CreatedAt     time.Time
}

// RotatedKey is one entry of a key-rotation batch: the replacement wrapped
// key for a recipient that already holds one.
type RotatedKey struct {
	RecipientDID  string
	UserKeyPairID string
	EncryptedDEK  []byte
}

// AddRecipientParams contains parameters to grant a recipient access to a
// session.
type AddRecipientParams struct {
	SessionID     uuid.UUID
	RecipientDID  string
	UserKeyPairID string
	EncryptedDEK  []byte
}
