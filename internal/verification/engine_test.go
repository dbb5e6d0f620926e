package verification_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/ratelimit"
	"github.com/atlasaccounts/atlas/internal/shared"
	"github.com/atlasaccounts/atlas/internal/verification"
	_ "github.com/atlasaccounts/atlas/testing"
)

type stubRepo struct {
	methods  map[string]*verification.Method
	messages []verification.MessageRecord
}

func newStubRepo() *stubRepo {
	return &stubRepo{methods: map[string]*verification.Method{}}
}

func methodKey(accountID string, channel verification.Channel) string {
	return accountID + "/" + string(channel)
}

func (s *stubRepo) CreateMethod(_ context.Context, m *verification.Method) error {
	key := methodKey(m.AccountID, m.Channel)
	if _, ok := s.methods[key]; ok {
		return verification.ErrChannelExists
	}
	cp := *m
	s.methods[key] = &cp
	return nil
}

func (s *stubRepo) Method(_ context.Context, accountID string, channel verification.Channel) (*verification.Method, error) {
	m, ok := s.methods[methodKey(accountID, channel)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *stubRepo) Methods(_ context.Context, accountID string) ([]verification.Method, error) {
	var out []verification.Method
	for _, m := range s.methods {
		if m.AccountID == accountID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *stubRepo) SetToken(_ context.Context, methodID, digest string, expires time.Time) error {
	for _, m := range s.methods {
		if m.ID == methodID {
			d, exp := digest, expires
			m.TokenDigest = &d
			m.TokenExpires = &exp
			return nil
		}
	}
	return shared.ErrNotFound
}

func (s *stubRepo) RecordMismatch(_ context.Context, methodID string, at time.Time) error {
	for _, m := range s.methods {
		if m.ID == methodID {
			m.Attempts++
			t := at
			m.LastAttemptAt = &t
			return nil
		}
	}
	return shared.ErrNotFound
}

func (s *stubRepo) MarkVerified(_ context.Context, methodID, digest string, at time.Time) (bool, error) {
	for _, m := range s.methods {
		if m.ID == methodID {
			if m.IsVerified || m.TokenDigest == nil || *m.TokenDigest != digest {
				return false, nil
			}
			m.IsVerified = true
			t := at
			m.VerifiedAt = &t
			m.TokenDigest = nil
			m.TokenExpires = nil
			m.Attempts = 0
			return true, nil
		}
	}
	return false, shared.ErrNotFound
}

func (s *stubRepo) RemoveMethod(_ context.Context, accountID string, channel verification.Channel) error {
	key := methodKey(accountID, channel)
	if _, ok := s.methods[key]; !ok {
		return shared.ErrNotFound
	}
	delete(s.methods, key)
	return nil
}

func (s *stubRepo) AppendMessage(_ context.Context, record *verification.MessageRecord) error {
	record.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, *record)
	return nil
}

func (s *stubRepo) Messages(_ context.Context, accountID string, limit int) ([]verification.MessageRecord, error) {
	var out []verification.MessageRecord
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].AccountID == accountID {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

type stubAccounts struct {
	verified map[string]bool
}

func (s *stubAccounts) MarkVerified(_ context.Context, accountID string) (bool, error) {
	if s.verified == nil {
		s.verified = map[string]bool{}
	}
	first := !s.verified[accountID]
	s.verified[accountID] = true
	return first, nil
}

type stubEnqueuer struct {
	tasks []verification.DispatchTask
	err   error
}

func (s *stubEnqueuer) EnqueueDispatch(_ context.Context, task verification.DispatchTask) error {
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

type stubAuditRepo struct {
	entries []audit.Entry
}

func (s *stubAuditRepo) Append(_ context.Context, entry *audit.Entry) error {
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *stubAuditRepo) Window(context.Context, audit.TimelineFilters, int, int) ([]audit.Entry, error) {
	return nil, nil
}

func (s *stubAuditRepo) ByActor(context.Context, string, int) ([]audit.Entry, error) {
	return nil, nil
}

func (s *stubAuditRepo) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fixture struct {
	engine   *verification.Engine
	repo     *stubRepo
	accounts *stubAccounts
	enqueuer *stubEnqueuer
	trail    *stubAuditRepo
	redis    *miniredis.Miniredis
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewRedisLimiter(client, ratelimit.Policies{
		Default: ratelimit.Policy{Attempts: 5, Window: 5 * time.Minute, Cooldown: 15 * time.Minute},
	})
	f := &fixture{
		repo:     newStubRepo(),
		accounts: &stubAccounts{},
		enqueuer: &stubEnqueuer{},
		trail:    &stubAuditRepo{},
		redis:    mr,
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	recorder := audit.NewRecorder(f.trail, nil, false)
	f.engine = verification.NewEngine(f.repo, limiter, f.accounts, recorder, f.enqueuer,
		verification.Expiries{Email: 24 * time.Hour, Phone: 15 * time.Minute, Chat: 15 * time.Minute},
		nil, verification.WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) addChannel(t *testing.T, accountID string, channel verification.Channel) *verification.Method {
	t.Helper()
	m, err := f.engine.AddChannel(context.Background(), accountID, channel, string(channel)+"-dest")
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	return m
}

// issuedToken pulls the plaintext out of the enqueued dispatch task.
func (f *fixture) issuedToken(t *testing.T) string {
	t.Helper()
	if len(f.enqueuer.tasks) == 0 {
		t.Fatal("no dispatch task enqueued")
	}
	return f.enqueuer.tasks[len(f.enqueuer.tasks)-1].Token
}

func TestRequestTokenIssuesAndDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChannel(t, "acct-1", verification.ChannelEmail)

	issue, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelEmail)
	if err != nil {
		t.Fatalf("request token: %v", err)
	}
	if want := f.now.Add(24 * time.Hour); !issue.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", issue.ExpiresAt, want)
	}

	token := f.issuedToken(t)
	if len(token) != 43 {
		t.Fatalf("email token length %d, want 43", len(token))
	}
	m, err := f.repo.Method(ctx, "acct-1", verification.ChannelEmail)
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	sum := sha256.Sum256([]byte(token))
	if m.TokenDigest == nil || *m.TokenDigest != hex.EncodeToString(sum[:]) {
		t.Fatal("stored digest does not match issued token")
	}
	if len(f.trail.entries) != 1 || f.trail.entries[0].Action != audit.ActionRequestToken {
		t.Fatalf("expected one request_verification record, got %+v", f.trail.entries)
	}
}

func TestRequestTokenNumericCodeForPhone(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, "acct-1", verification.ChannelPhone)

	if _, err := f.engine.RequestToken(context.Background(), "acct-1", verification.ChannelPhone); err != nil {
		t.Fatalf("request token: %v", err)
	}
	token := f.issuedToken(t)
	if len(token) != 6 {
		t.Fatalf("phone code length %d, want 6", len(token))
	}
	for _, c := range token {
		if c < '0' || c > '9' {
			t.Fatalf("phone code %q is not numeric", token)
		}
	}
}

func TestRequestTokenEnqueueFailureLogsFailedDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChannel(t, "acct-1", verification.ChannelEmail)
	f.enqueuer.err = fmt.Errorf("queue unavailable")

	if _, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelEmail); err != nil {
		t.Fatalf("request token: %v", err)
	}
	m, err := f.repo.Method(ctx, "acct-1", verification.ChannelEmail)
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	if m.TokenDigest == nil {
		t.Fatal("token should survive an enqueue failure")
	}
	if len(f.repo.messages) != 1 {
		t.Fatalf("expected one message record, got %d", len(f.repo.messages))
	}
	rec := f.repo.messages[0]
	if rec.Status != verification.StatusFailed || rec.ErrorDetail == "" {
		t.Fatalf("expected failed record with detail, got %+v", rec)
	}
}

func TestRequestTokenRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChannel(t, "acct-1", verification.ChannelEmail)

	for i := 0; i < 5; i++ {
		if _, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelEmail); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelEmail)
	if !errors.Is(err, shared.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if shared.RetryAfter(err) <= 0 {
		t.Fatal("expected positive retry-after")
	}
}

func TestConfirmTokenHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChannel(t, "acct-1", verification.ChannelEmail)
	if _, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelEmail); err != nil {
		t.Fatalf("request token: %v", err)
	}
	token := f.issuedToken(t)

	if err := f.engine.ConfirmToken(ctx, "acct-1", verification.ChannelEmail, token); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	m, _ := f.repo.Method(ctx, "acct-1", verification.ChannelEmail)
	if !m.IsVerified || m.TokenDigest != nil {
		t.Fatalf("expected verified method with cleared token, got %+v", m)
	}
	if !f.accounts.verified["acct-1"] {
		t.Fatal("account verified flag should flip on first verified channel")
	}
	last := f.trail.entries[len(f.trail.entries)-1]
	if last.Action != audit.ActionVerifyChannel {
		t.Fatalf("expected verify_channel record, got %q", last.Action)
	}
	if first, _ := last.Context["first_verified"].(bool); !first {
		t.Fatal("expected first_verified=true in record context")
	}
}

func TestConfirmTokenNoPending(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, "acct-1", verification.ChannelEmail)

	err := f.engine.ConfirmToken(context.Background(), "acct-1", verification.ChannelEmail, "anything")
	if !errors.Is(err, verification.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

// An expired token fails even when the submitted value matches, and a
// reissue invalidates the prior token rather than coexisting with it.
func TestConfirmTokenExpiryAndReissue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChannel(t, "acct-1", verification.ChannelPhone)

	if _, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelPhone); err != nil {
		t.Fatalf("request first token: %v", err)
	}
	first := f.issuedToken(t)

	// Past the 15 minute phone lifetime.
	f.now = f.now.Add(16 * time.Minute)
	f.redis.FastForward(16 * time.Minute)
	if err := f.engine.ConfirmToken(ctx, "acct-1", verification.ChannelPhone, first); !errors.Is(err, verification.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	if _, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelPhone); err != nil {
		t.Fatalf("request second token: %v", err)
	}
	second := f.issuedToken(t)

	if err := f.engine.ConfirmToken(ctx, "acct-1", verification.ChannelPhone, first); !errors.Is(err, verification.ErrTokenMismatch) {
		t.Fatalf("superseded token should mismatch, got %v", err)
	}
	m, _ := f.repo.Method(ctx, "acct-1", verification.ChannelPhone)
	if m.Attempts != 1 {
		t.Fatalf("mismatch should bump attempts, got %d", m.Attempts)
	}

	if err := f.engine.ConfirmToken(ctx, "acct-1", verification.ChannelPhone, second); err != nil {
		t.Fatalf("confirm current token: %v", err)
	}
	m, _ = f.repo.Method(ctx, "acct-1", verification.ChannelPhone)
	if !m.IsVerified || m.Attempts != 0 {
		t.Fatalf("expected verified method with reset attempts, got %+v", m)
	}
}

func TestConfirmTokenResetsConfirmBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChannel(t, "acct-1", verification.ChannelEmail)
	if _, err := f.engine.RequestToken(ctx, "acct-1", verification.ChannelEmail); err != nil {
		t.Fatalf("request token: %v", err)
	}
	token := f.issuedToken(t)

	for i := 0; i < 4; i++ {
		if err := f.engine.ConfirmToken(ctx, "acct-1", verification.ChannelEmail, "wrong-token"); !errors.Is(err, verification.ErrTokenMismatch) {
			t.Fatalf("wrong attempt %d: %v", i, err)
		}
	}
	if err := f.engine.ConfirmToken(ctx, "acct-1", verification.ChannelEmail, token); err != nil {
		t.Fatalf("confirm within budget: %v", err)
	}
	// Success cleared the confirm counter, so fresh attempts are admitted.
	err := f.engine.ConfirmToken(ctx, "acct-1", verification.ChannelEmail, token)
	if errors.Is(err, shared.ErrRateLimited) {
		t.Fatal("confirm budget should reset after success")
	}
	if !errors.Is(err, verification.ErrTokenNotFound) {
		t.Fatalf("consumed token should be gone, got %v", err)
	}
}

func TestAddChannelDuplicate(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, "acct-1", verification.ChannelEmail)

	_, err := f.engine.AddChannel(context.Background(), "acct-1", verification.ChannelEmail, "other@example.com")
	if !errors.Is(err, verification.ErrChannelExists) {
		t.Fatalf("expected ErrChannelExists, got %v", err)
	}
}

func TestRemoveChannelMissing(t *testing.T) {
	f := newFixture(t)
	err := f.engine.RemoveChannel(context.Background(), "acct-1", verification.ChannelChat)
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
