package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlasaccounts/atlas/internal/platform/db"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Repository defines persistence operations for the accounts module.
type Repository interface {
	Create(ctx context.Context, account *Account, passwordHash string) error
	FindByID(ctx context.Context, id string) (*Account, error)
	FindActiveByEmail(ctx context.Context, email string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	UpdateRole(ctx context.Context, id string, role shared.Role) error
	SetPreferredChannel(ctx context.Context, id, channel string) error
	MarkVerified(ctx context.Context, id string) (bool, error)
	RecordLogin(ctx context.Context, id string, success bool, at time.Time) error
	DeactivateCascade(ctx context.Context, id string) error
}

const accountColumns = `id, email, role, is_active, is_verified, preferred_channel,
	login_count, failed_login_count, last_login_at, token_generation,
	created_by_id, created_by_role, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a new account. The partial unique index on active
// emails resolves concurrent registrations: the loser gets a 23505
// which surfaces as ErrDuplicateEmail.
func (r *PGRepository) Create(ctx context.Context, account *Account, passwordHash string) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, password_hash, role, is_active, is_verified,
			preferred_channel, token_generation, created_by_id, created_by_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)`,
		account.ID, account.Email, passwordHash, string(account.Role),
		account.IsActive, account.IsVerified, account.PreferredChannel,
		account.CreatedByID, roleText(account.CreatedByRole), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// FindByID fetches an account by id.
func (r *PGRepository) FindByID(ctx context.Context, id string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// FindActiveByEmail fetches the single active account holding the email.
func (r *PGRepository) FindActiveByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1 AND is_active`, email)
	return scanAccount(row)
}

// FindByEmail fetches the account holding the email regardless of state,
// preferring the active row over deactivated predecessors.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE email = $1 ORDER BY is_active DESC, created_at DESC LIMIT 1`, email)
	return scanAccount(row)
}

// UpdateRole changes the account role.
func (r *PGRepository) UpdateRole(ctx context.Context, id string, role shared.Role) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET role = $2, updated_at = NOW() WHERE id = $1`, id, string(role))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetPreferredChannel updates the preferred verification channel.
func (r *PGRepository) SetPreferredChannel(ctx context.Context, id, channel string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET preferred_channel = $2, updated_at = NOW() WHERE id = $1`, id, channel)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// MarkVerified flips the account-level verified flag. Returns false when
// the account was already verified, so callers can audit only the first
// verified channel.
func (r *PGRepository) MarkVerified(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET is_verified = TRUE, updated_at = NOW() WHERE id = $1 AND NOT is_verified`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordLogin bumps the login counters.
func (r *PGRepository) RecordLogin(ctx context.Context, id string, success bool, at time.Time) error {
	if success {
		_, err := r.pool.Exec(ctx, `
			UPDATE accounts SET login_count = login_count + 1, failed_login_count = 0,
				last_login_at = $2, updated_at = NOW() WHERE id = $1`, id, at.UTC())
		return err
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET failed_login_count = failed_login_count + 1, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// DeactivateCascade disables the account, revokes every outstanding
// session by advancing the token generation, and unlinks its
// verification methods, all in one transaction.
func (r *PGRepository) DeactivateCascade(ctx context.Context, id string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE accounts SET is_active = FALSE, token_generation = token_generation + 1,
				refresh_token_hash = NULL, updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM verification_methods WHERE account_id = $1`, id)
		return err
	})
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		account   Account
		role      string
		byRole    *string
		lastLogin *time.Time
	)
	err := row.Scan(&account.ID, &account.Email, &role, &account.IsActive, &account.IsVerified,
		&account.PreferredChannel, &account.LoginCount, &account.FailedLoginCount, &lastLogin,
		&account.TokenGeneration, &account.CreatedByID, &byRole, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	account.Role = shared.Role(role)
	account.LastLoginAt = lastLogin
	if byRole != nil {
		r := shared.Role(*byRole)
		account.CreatedByRole = &r
	}
	return &account, nil
}

func roleText(role *shared.Role) *string {
	if role == nil {
		return nil
	}
	s := string(*role)
	return &s
}

var _ Repository = (*PGRepository)(nil)
