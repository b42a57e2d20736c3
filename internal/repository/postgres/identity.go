package postgres

import (
	"context"

	"github.com/avelichka/trustshare-server/internal/model"
)

var _ model.IdentityStore = (*IdentityRepository)(nil)

type IdentityRepository struct {
	db *Connection
}

func NewIdentityRepository(db *Connection) *IdentityRepository {
	return &IdentityRepository{
		db: db,
	}
}

func (r *IdentityRepository) GetByDIDs(ctx context.Context, dids []string) ([]model.CachedIdentity, error) {
	query := `
		SELECT user_did, handle, created_at
		FROM identity_cache
		WHERE user_did = ANY($1)`

	rows, err := r.db.Query(ctx, query, dids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []model.CachedIdentity
	for rows.Next() {
		var identity model.CachedIdentity
		if err := rows.Scan(&identity.UserDID, &identity.Handle, &identity.CreatedAt); err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return identities, nil
}

// Put caches the identity. A DID already present keeps its cached handle;
// redelivered cache-warm jobs re-put resolved identities harmlessly.
func (r *IdentityRepository) Put(ctx context.Context, identity model.CachedIdentity) error {
	query := `
		INSERT INTO identity_cache (user_did, handle)
		VALUES ($1, $2)
		ON CONFLICT (user_did) DO NOTHING`

	if _, err := r.db.Exec(ctx, query, identity.UserDID, identity.Handle); err != nil {
		return err
	}

	return nil
}
