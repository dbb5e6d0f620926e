package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// RefreshState is the per-account refresh slot. One refresh token per
// account is valid at a time; its plaintext is never stored.
type RefreshState struct {
	AccountID      string
	Role           shared.Role
	IsActive       bool
	Generation     int64
	RefreshDigest  *string
	RefreshExpires *time.Time
}

// Repository persists refresh state on the account row.
type Repository interface {
	RefreshState(ctx context.Context, accountID string) (*RefreshState, error)
	// StoreRefresh writes a new refresh digest without changing the
	// generation. Used at login and social sign-in.
	StoreRefresh(ctx context.Context, accountID string, digest string, expires time.Time) error
	// Rotate advances the generation and installs the replacement digest
	// only if the caller still holds the current generation; the loser of
	// a concurrent rotation sees false.
	Rotate(ctx context.Context, accountID string, fromGeneration int64, digest string, expires time.Time) (int64, bool, error)
	// Revoke bumps the generation and clears the refresh slot, cutting off
	// every outstanding token for the account.
	Revoke(ctx context.Context, accountID string) error
}

// PGRepository implements Repository over the accounts table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// RefreshState loads the account's session columns.
func (r *PGRepository) RefreshState(ctx context.Context, accountID string) (*RefreshState, error) {
	var (
		state RefreshState
		role  string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, role, is_active, token_generation, refresh_token_hash, refresh_token_expires
		FROM accounts WHERE id = $1`, accountID).
		Scan(&state.AccountID, &role, &state.IsActive, &state.Generation,
			&state.RefreshDigest, &state.RefreshExpires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	state.Role = shared.Role(role)
	return &state, nil
}

// StoreRefresh installs a fresh refresh digest at the current generation.
func (r *PGRepository) StoreRefresh(ctx context.Context, accountID, digest string, expires time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET refresh_token_hash = $2, refresh_token_expires = $3, updated_at = NOW()
		WHERE id = $1`, accountID, digest, expires.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Rotate is the rotation compare-and-set.
func (r *PGRepository) Rotate(ctx context.Context, accountID string, fromGeneration int64, digest string, expires time.Time) (int64, bool, error) {
	var generation int64
	err := r.pool.QueryRow(ctx, `
		UPDATE accounts
		SET token_generation = token_generation + 1,
			refresh_token_hash = $3, refresh_token_expires = $4, updated_at = NOW()
		WHERE id = $1 AND token_generation = $2
		RETURNING token_generation`,
		accountID, fromGeneration, digest, expires.UTC()).Scan(&generation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return generation, true, nil
}

// Revoke invalidates every outstanding token for the account.
func (r *PGRepository) Revoke(ctx context.Context, accountID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET token_generation = token_generation + 1,
			refresh_token_hash = NULL, refresh_token_expires = NULL, updated_at = NOW()
		WHERE id = $1`, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
