package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/shared"
	_ "github.com/atlasaccounts/atlas/testing"
)

type stubRepo struct {
	entries   []audit.Entry
	appendErr error
	purged    time.Time
}

func (s *stubRepo) Append(ctx context.Context, entry *audit.Entry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	entry.ID = int64(len(s.entries) + 1)
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *stubRepo) Window(ctx context.Context, filters audit.TimelineFilters, offset, limit int) ([]audit.Entry, error) {
	if offset >= len(s.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.entries) {
		end = len(s.entries)
	}
	return s.entries[offset:end], nil
}

func (s *stubRepo) ByActor(ctx context.Context, actorID string, limit int) ([]audit.Entry, error) {
	var out []audit.Entry
	for _, e := range s.entries {
		if e.ActorID == actorID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *stubRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.purged = cutoff
	return 0, nil
}

func TestRecordStampsTimeAndCapturesClient(t *testing.T) {
	repo := &stubRepo{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recorder := audit.NewRecorder(repo, nil, true, audit.WithClock(func() time.Time { return now }))

	ctx := shared.ContextWithClient(context.Background(), shared.ClientMeta{Address: "10.0.0.9", UserAgent: "cli/1.0"})
	err := recorder.Record(ctx, audit.Entry{
		ActorID:    "a1",
		Action:     audit.ActionLogin,
		EntityType: "account",
		EntityID:   "a1",
		Context:    map[string]any{"description": "signed in"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	got := repo.entries[0]
	if !got.OccurredAt.Equal(now) {
		t.Fatalf("expected timestamp %s, got %s", now, got.OccurredAt)
	}
	if got.IPAddress != "10.0.0.9" || got.UserAgent != "cli/1.0" {
		t.Fatalf("client metadata not captured: %+v", got)
	}
}

func TestRecordDropsClientWhenCaptureDisabled(t *testing.T) {
	repo := &stubRepo{}
	recorder := audit.NewRecorder(repo, nil, false)

	ctx := shared.ContextWithClient(context.Background(), shared.ClientMeta{Address: "10.0.0.9", UserAgent: "cli/1.0"})
	if err := recorder.Record(ctx, audit.Entry{ActorID: "a1", Action: audit.ActionLogin, EntityType: "account"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if repo.entries[0].IPAddress != "" || repo.entries[0].UserAgent != "" {
		t.Fatalf("client metadata should be dropped: %+v", repo.entries[0])
	}
}

func TestRecordFailureIsFailClosed(t *testing.T) {
	repo := &stubRepo{appendErr: errors.New("disk full")}
	recorder := audit.NewRecorder(repo, nil, true)

	err := recorder.Record(context.Background(), audit.Entry{ActorID: "a1", Action: audit.ActionLogin, EntityType: "account"})
	if !errors.Is(err, shared.ErrAuditWriteFailed) {
		t.Fatalf("expected ErrAuditWriteFailed, got %v", err)
	}
}

func TestTimelinePaging(t *testing.T) {
	repo := &stubRepo{}
	for i := 0; i < 25; i++ {
		repo.entries = append(repo.entries, audit.Entry{ID: int64(i + 1), ActorID: "a1", Action: audit.ActionLogin, EntityType: "account"})
	}
	service := audit.NewService(repo)

	result, err := service.Timeline(context.Background(), audit.TimelineFilters{Page: 1, PageSize: 20})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected next page, got %+v", result.Paging)
	}

	result, err = service.Timeline(context.Background(), audit.TimelineFilters{Page: 2, PageSize: 20})
	if err != nil {
		t.Fatalf("timeline page 2: %v", err)
	}
	if len(result.Rows) != 5 {
		t.Fatalf("expected 5 rows on last page, got %d", len(result.Rows))
	}
	if result.Paging.HasNext {
		t.Fatal("last page should not report next")
	}
}
