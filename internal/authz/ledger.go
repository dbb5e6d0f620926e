package authz

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlasaccounts/atlas/internal/platform/db"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Assignment is one staff/customer responsibility interval. Rows are
// closed, never deleted, so the ledger reconstructs who was responsible
// for a customer at any point in time.
type Assignment struct {
	ID           string
	CustomerID   string
	StaffID      string
	AssignedByID string
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// Open reports whether the interval is still current.
func (a Assignment) Open() bool {
	return a.ClosedAt == nil
}

// Repository persists the assignment ledger. At most one open row exists
// per customer.
type Repository interface {
	AssignmentReader
	Current(ctx context.Context, customerID string) (*Assignment, error)
	History(ctx context.Context, customerID string) ([]Assignment, error)
	CustomersOf(ctx context.Context, staffID string) ([]string, error)
	// Swap closes the customer's open assignment and opens the new one in
	// a single transaction, so no reader observes zero or two open rows.
	Swap(ctx context.Context, customerID, staffID, assignedByID string) (*Assignment, error)
	// Orphans lists open assignments whose customer or staff account is
	// missing or deactivated. Accounts are weak references here; stale
	// rows are reported, never dropped.
	Orphans(ctx context.Context) ([]Assignment, error)
}

const assignmentColumns = `id, customer_id, staff_id, assigned_by_id, created_at, closed_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// IsAssigned reports whether staff currently holds the customer.
func (r *PGRepository) IsAssigned(ctx context.Context, staffID, customerID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM assignments
			WHERE customer_id = $1 AND staff_id = $2 AND closed_at IS NULL
		)`, customerID, staffID).Scan(&exists)
	return exists, err
}

// Current returns the customer's open assignment.
func (r *PGRepository) Current(ctx context.Context, customerID string) (*Assignment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE customer_id = $1 AND closed_at IS NULL`,
		customerID)
	return scanAssignment(row)
}

// History returns the customer's full ledger, oldest first.
func (r *PGRepository) History(ctx context.Context, customerID string) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE customer_id = $1 ORDER BY created_at, id`,
		customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CustomersOf lists the customers a staff member currently holds.
func (r *PGRepository) CustomersOf(ctx context.Context, staffID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT customer_id FROM assignments WHERE staff_id = $1 AND closed_at IS NULL ORDER BY created_at`,
		staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Swap performs the atomic close-and-open.
func (r *PGRepository) Swap(ctx context.Context, customerID, staffID, assignedByID string) (*Assignment, error) {
	assignment := &Assignment{
		ID:           uuid.NewString(),
		CustomerID:   customerID,
		StaffID:      staffID,
		AssignedByID: assignedByID,
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE assignments SET closed_at = $2
			WHERE customer_id = $1 AND closed_at IS NULL`, customerID, now); err != nil {
			return err
		}
		assignment.CreatedAt = now
		_, err := tx.Exec(ctx, `
			INSERT INTO assignments (id, customer_id, staff_id, assigned_by_id, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			assignment.ID, customerID, staffID, assignedByID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

// Orphans finds open assignments pointing at dead accounts.
func (r *PGRepository) Orphans(ctx context.Context) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.customer_id, s.staff_id, s.assigned_by_id, s.created_at, s.closed_at
		FROM assignments s
		LEFT JOIN accounts c ON c.id = s.customer_id
		LEFT JOIN accounts st ON st.id = s.staff_id
		WHERE s.closed_at IS NULL
		AND (c.id IS NULL OR NOT c.is_active OR st.id IS NULL OR NOT st.is_active)
		ORDER BY s.created_at, s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.CustomerID, &a.StaffID, &a.AssignedByID, &a.CreatedAt, &a.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

var _ Repository = (*PGRepository)(nil)
