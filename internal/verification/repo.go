package verification

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// Repository defines persistence for verification methods and the
// message dispatch log.
type Repository interface {
	CreateMethod(ctx context.Context, method *Method) error
	Method(ctx context.Context, accountID string, channel Channel) (*Method, error)
	Methods(ctx context.Context, accountID string) ([]Method, error)
	// SetToken stores a fresh token digest, replacing any pending one so a
	// single token is active per channel.
	SetToken(ctx context.Context, methodID, digest string, expires time.Time) error
	RecordMismatch(ctx context.Context, methodID string, at time.Time) error
	// MarkVerified flips the method to verified only if the given digest is
	// still the pending one, as a single compare-and-set; the losing caller
	// of a confirmation race sees false.
	MarkVerified(ctx context.Context, methodID, digest string, at time.Time) (bool, error)
	RemoveMethod(ctx context.Context, accountID string, channel Channel) error
	AppendMessage(ctx context.Context, record *MessageRecord) error
	Messages(ctx context.Context, accountID string, limit int) ([]MessageRecord, error)
}

const methodColumns = `id, account_id, channel, identifier, token_digest, token_expires,
	is_verified, verified_at, attempts, last_attempt_at, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateMethod links a channel to an account.
func (r *PGRepository) CreateMethod(ctx context.Context, method *Method) error {
	now := time.Now().UTC()
	method.CreatedAt = now
	method.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verification_methods (id, account_id, channel, identifier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		method.ID, method.AccountID, string(method.Channel), method.Identifier, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrChannelExists
		}
		return err
	}
	return nil
}

// Method fetches the (account, channel) row.
func (r *PGRepository) Method(ctx context.Context, accountID string, channel Channel) (*Method, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+methodColumns+` FROM verification_methods WHERE account_id = $1 AND channel = $2`,
		accountID, string(channel))
	return scanMethod(row)
}

// Methods lists all channels linked to the account.
func (r *PGRepository) Methods(ctx context.Context, accountID string) ([]Method, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+methodColumns+` FROM verification_methods WHERE account_id = $1 ORDER BY channel`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var methods []Method
	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, *m)
	}
	return methods, rows.Err()
}

// SetToken replaces the pending token.
func (r *PGRepository) SetToken(ctx context.Context, methodID, digest string, expires time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE verification_methods
		SET token_digest = $2, token_expires = $3, updated_at = NOW()
		WHERE id = $1`, methodID, digest, expires.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RecordMismatch bumps the attempt counter.
func (r *PGRepository) RecordMismatch(ctx context.Context, methodID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE verification_methods
		SET attempts = attempts + 1, last_attempt_at = $2, updated_at = NOW()
		WHERE id = $1`, methodID, at.UTC())
	return err
}

// MarkVerified performs the confirmation compare-and-set. It clears the
// token and resets the attempt counter on success.
func (r *PGRepository) MarkVerified(ctx context.Context, methodID, digest string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE verification_methods
		SET is_verified = TRUE, verified_at = $3, token_digest = NULL, token_expires = NULL,
			attempts = 0, updated_at = NOW()
		WHERE id = $1 AND token_digest = $2 AND NOT is_verified`,
		methodID, digest, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveMethod unlinks a channel from the account.
func (r *PGRepository) RemoveMethod(ctx context.Context, accountID string, channel Channel) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM verification_methods WHERE account_id = $1 AND channel = $2`,
		accountID, string(channel))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AppendMessage records one dispatch attempt. Rows are never updated.
func (r *PGRepository) AppendMessage(ctx context.Context, record *MessageRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO verification_messages (account_id, channel, recipient, message_type,
			status, provider, provider_ref, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id`,
		record.AccountID, string(record.Channel), record.Recipient, record.MessageType,
		record.Status, record.Provider, record.ProviderRef, record.ErrorDetail,
		record.CreatedAt).Scan(&record.ID)
}

// Messages lists recent dispatch attempts for the account.
func (r *PGRepository) Messages(ctx context.Context, accountID string, limit int) ([]MessageRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, channel, recipient, message_type, status, provider,
			COALESCE(provider_ref, ''), COALESCE(error_detail, ''), created_at
		FROM verification_messages WHERE account_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var channel string
		if err := rows.Scan(&rec.ID, &rec.AccountID, &channel, &rec.Recipient, &rec.MessageType,
			&rec.Status, &rec.Provider, &rec.ProviderRef, &rec.ErrorDetail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Channel = Channel(channel)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanMethod(row pgx.Row) (*Method, error) {
	var (
		m       Method
		channel string
	)
	err := row.Scan(&m.ID, &m.AccountID, &channel, &m.Identifier, &m.TokenDigest, &m.TokenExpires,
		&m.IsVerified, &m.VerifiedAt, &m.Attempts, &m.LastAttemptAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	m.Channel = Channel(channel)
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Repository = (*PGRepository)(nil)
