package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists audit entries. Rows are append-only: there is no
// update or targeted delete, only the retention purge.
type Repository interface {
	Append(ctx context.Context, entry *Entry) error
	Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Entry, error)
	ByActor(ctx context.Context, actorID string, limit int) ([]Entry, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Append inserts one record.
func (r *PGRepository) Append(ctx context.Context, entry *Entry) error {
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO audit_records (actor_id, action, entity_type, entity_id, context,
			ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		RETURNING id`,
		entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, contextJSON,
		entry.IPAddress, entry.UserAgent, entry.OccurredAt.UTC()).Scan(&entry.ID)
}

// Window returns one page of matching records, newest first.
func (r *PGRepository) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= ?", filters.From.UTC())
	}
	if !filters.To.IsZero() {
		add("occurred_at < ?", filters.To.UTC())
	}
	if filters.Actor != "" {
		add("actor_id = ?", filters.Actor)
	}
	if filters.Entity != "" {
		add("entity_type = ?", filters.Entity)
	}
	if filters.Action != "" {
		add("action = ?", filters.Action)
	}
	query := `SELECT id, actor_id, action, entity_type, entity_id, context,
		COALESCE(ip_address, ''), COALESCE(user_agent, ''), occurred_at FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, offset)
	query += " ORDER BY occurred_at DESC, id DESC OFFSET " + placeholder(len(args))
	args = append(args, limit)
	query += " LIMIT " + placeholder(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByActor returns an actor's records in non-decreasing timestamp order.
func (r *PGRepository) ByActor(ctx context.Context, actorID string, limit int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_id, action, entity_type, entity_id, context,
			COALESCE(ip_address, ''), COALESCE(user_agent, ''), occurred_at
		FROM audit_records WHERE actor_id = $1
		ORDER BY occurred_at, id LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PurgeBefore removes records older than the retention cutoff.
func (r *PGRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM audit_records WHERE occurred_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			entry       Entry
			contextJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &contextJSON, &entry.IPAddress, &entry.UserAgent, &entry.OccurredAt); err != nil {
			return nil, err
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &entry.Context); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

var _ Repository = (*PGRepository)(nil)
