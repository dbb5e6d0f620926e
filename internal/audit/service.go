package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// Recorder appends audit records for privileged actions. Recording is
// synchronous with the triggering operation and fail-closed: a write
// failure must abort the operation, so Record never swallows errors.
type Recorder struct {
	repo          Repository
	logger        *slog.Logger
	captureClient bool
	now           func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder. When captureClient is false the
// client address and agent are dropped before insert.
func NewRecorder(repo Repository, logger *slog.Logger, captureClient bool, opts ...RecorderOption) *Recorder {
	r := &Recorder{repo: repo, logger: logger, captureClient: captureClient, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record durably appends the entry. Client metadata is taken from the
// request context when capture is enabled. Any failure wraps
// shared.ErrAuditWriteFailed so callers abort the triggering operation.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if entry.Action == "" || entry.EntityType == "" {
		return fmt.Errorf("%w: action and entity type are required", shared.ErrAuditWriteFailed)
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if r.captureClient {
		if meta, ok := shared.ClientFromContext(ctx); ok {
			entry.IPAddress = meta.Address
			entry.UserAgent = meta.UserAgent
		}
	} else {
		entry.IPAddress = ""
		entry.UserAgent = ""
	}
	if err := r.repo.Append(ctx, &entry); err != nil {
		if r.logger != nil {
			r.logger.Error("audit append failed",
				slog.String("action", entry.Action), slog.Any("error", err))
		}
		return fmt.Errorf("%w: %v", shared.ErrAuditWriteFailed, err)
	}
	return nil
}

// PurgeBefore removes records older than the cutoff. Retention is the
// only permitted deletion path.
func (r *Recorder) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.repo.PurgeBefore(ctx, cutoff)
}

// Service answers timeline queries over the audit trail.
type Service struct {
	repo Repository
}

// NewService constructs the timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of records with paging metadata.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.Window(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// ActorHistory returns an actor's records in non-decreasing timestamp order.
func (s *Service) ActorHistory(ctx context.Context, actorID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ByActor(ctx, actorID, limit)
}
