package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/avelichka/trustshare-server/internal/model"
)

const uniqueViolation = "23505"

var _ model.SessionStore = (*SessionRepository)(nil)

type SessionRepository struct {
	db *Connection
}

func NewSessionRepository(db *Connection) *SessionRepository {
	return &SessionRepository{
		db: db,
	}
}

func (r *SessionRepository) Create(ctx context.Context, session model.Session) (model.Session, error) {
	query := `
		INSERT INTO sessions (id, author_did)
		VALUES ($1, $2)
		RETURNING id, author_did, created_at, revoked_at`

	var saved model.Session
	err := r.db.QueryRow(ctx, query, session.ID, session.AuthorDID).Scan(
		&saved.ID, &saved.AuthorDID, &saved.CreatedAt, &saved.RevokedAt,
	)
	if err != nil {
		// The partial unique index on (author_did) WHERE revoked_at IS NULL
		// is the backstop for concurrent creates racing past the service
		// pre-check.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.Session{}, model.ErrConflict
		}
		return model.Session{}, err
	}

	return saved, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	query := `
		SELECT id, author_did, created_at, revoked_at
		FROM sessions
		WHERE id = $1`

	var session model.Session
	err := r.db.QueryRow(ctx, query, id).Scan(
		&session.ID, &session.AuthorDID, &session.CreatedAt, &session.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, model.ErrNotFound
		}
		return model.Session{}, err
	}

	return session, nil
}

func (r *SessionRepository) GetActiveByAuthor(ctx context.Context, authorDID string) (model.Session, error) {
	query := `
		SELECT id, author_did, created_at, revoked_at
		FROM sessions
		WHERE author_did = $1 AND revoked_at IS NULL`

	var session model.Session
	err := r.db.QueryRow(ctx, query, authorDID).Scan(
		&session.ID, &session.AuthorDID, &session.CreatedAt, &session.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, model.ErrNotFound
		}
		return model.Session{}, err
	}

	return session, nil
}

// Revoke marks the session inactive and removes its key rows in the same
// transaction. Revoking an already-revoked session is a no-op; the original
// timestamp is kept.
func (r *SessionRepository) Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, revokedAt)
	if err != nil {
		return err
	}

	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return model.ErrNotFound
		}
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM session_keys WHERE session_id = $1`, id); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *SessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CreateKey inserts the key or, when the recipient already holds one for
// this session, returns the existing row unchanged. Concurrent inserts for
// the same (session, recipient) resolve to a single row via the unique
// constraint.
func (r *SessionRepository) CreateKey(ctx context.Context, key model.SessionKey) (model.SessionKey, error) {
	query := `
		WITH ins AS (
			INSERT INTO session_keys (id, session_id, recipient_did, user_key_pair_id, encrypted_dek)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, recipient_did) DO NOTHING
			RETURNING id, session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at
		)
		SELECT id, session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at
		FROM ins
		UNION ALL
		SELECT k.id, k.session_id, k.recipient_did, k.user_key_pair_id, k.encrypted_dek, k.created_at
		FROM session_keys k
		WHERE NOT EXISTS (SELECT 1 FROM ins) AND k.session_id = $2 AND k.recipient_did = $3
		LIMIT 1`

	var saved model.SessionKey
	err := r.db.QueryRow(ctx, query,
		key.ID, key.SessionID, key.RecipientDID, key.UserKeyPairID, key.EncryptedDEK,
	).Scan(
		&saved.ID, &saved.SessionID, &saved.RecipientDID, &saved.UserKeyPairID,
		&saved.EncryptedDEK, &saved.CreatedAt,
	)
	if err != nil {
		return model.SessionKey{}, err
	}

	return saved, nil
}

func (r *SessionRepository) GetKey(ctx context.Context, sessionID uuid.UUID, recipientDID string) (model.SessionKey, error) {
	query := `
		SELECT id, session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at
		FROM session_keys
		WHERE session_id = $1 AND recipient_did = $2`

	var key model.SessionKey
	err := r.db.QueryRow(ctx, query, sessionID, recipientDID).Scan(
		&key.ID, &key.SessionID, &key.RecipientDID, &key.UserKeyPairID,
		&key.EncryptedDEK, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SessionKey{}, model.ErrNotFound
		}
		return model.SessionKey{}, err
	}

	return key, nil
}

func (r *SessionRepository) GetKeysBySession(ctx context.Context, sessionID uuid.UUID) ([]model.SessionKey, error) {
	query := `
		SELECT id, session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at
		FROM session_keys
		WHERE session_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.SessionKey
	for rows.Next() {
		var key model.SessionKey
		err := rows.Scan(
			&key.ID, &key.SessionID, &key.RecipientDID, &key.UserKeyPairID,
			&key.EncryptedDEK, &key.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// ReplaceKeys swaps each recipient's wrapped key for a new row inside one
// transaction. Rotation never updates a row in place. A recipient without an
// existing key fails the whole batch with ErrNotFound so no partial rotation
// is ever observable.
func (r *SessionRepository) ReplaceKeys(ctx context.Context, sessionID uuid.UUID, keys []model.RotatedKey) ([]model.SessionKey, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	replaced := make([]model.SessionKey, 0, len(keys))
	for _, key := range keys {
		cmd, err := tx.Exec(ctx,
			`DELETE FROM session_keys WHERE session_id = $1 AND recipient_did = $2`,
			sessionID, key.RecipientDID,
		)
		if err != nil {
			return nil, err
		}
		if cmd.RowsAffected() == 0 {
			return nil, model.ErrNotFound
		}

		var saved model.SessionKey
		err = tx.QueryRow(ctx, `
			INSERT INTO session_keys (id, session_id, recipient_did, user_key_pair_id, encrypted_dek)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at`,
			uuid.New(), sessionID, key.RecipientDID, key.UserKeyPairID, key.EncryptedDEK,
		).Scan(
			&saved.ID, &saved.SessionID, &saved.RecipientDID, &saved.UserKeyPairID,
			&saved.EncryptedDEK, &saved.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		replaced = append(replaced, saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return replaced, nil
}

func (r *SessionRepository) DeleteKeys(ctx context.Context, sessionID uuid.UUID, recipientDIDs []string) (int64, error) {
	cmd, err := r.db.Exec(ctx,
		`DELETE FROM session_keys WHERE session_id = $1 AND recipient_did = ANY($2)`,
		sessionID, recipientDIDs,
	)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
