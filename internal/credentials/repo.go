package credentials

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// PGRepository implements Repository using PostgreSQL. Hashes live on
// the accounts row; provider bindings have their own table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// PasswordHash fetches the stored hash for an account.
func (r *PGRepository) PasswordHash(ctx context.Context, accountID string) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(password_hash, '') FROM accounts WHERE id = $1`, accountID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return hash, nil
}

// SetPasswordHash stores a new hash.
func (r *PGRepository) SetPasswordHash(ctx context.Context, accountID, hash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1`, accountID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// BindProvider upserts the provider identity link.
func (r *PGRepository) BindProvider(ctx context.Context, binding ProviderBinding) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO social_identities (provider, subject, account_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, subject) DO UPDATE SET account_id = EXCLUDED.account_id`,
		binding.Provider, binding.Subject, binding.AccountID, binding.CreatedAt)
	return err
}

// FindByProvider resolves (provider, subject) to an account id.
func (r *PGRepository) FindByProvider(ctx context.Context, provider, subject string) (string, error) {
	var accountID string
	err := r.pool.QueryRow(ctx,
		`SELECT account_id FROM social_identities WHERE provider = $1 AND subject = $2`,
		provider, subject).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return accountID, nil
}

var _ Repository = (*PGRepository)(nil)
