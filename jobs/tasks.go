// Package jobs runs background work: verification message dispatch and
// audit retention purges.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlasaccounts/atlas/internal/audit"
	jobmetrics "github.com/atlasaccounts/atlas/internal/jobs"
	"github.com/atlasaccounts/atlas/internal/observability"
	"github.com/atlasaccounts/atlas/internal/verification"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeVerificationDispatch delivers a verification token.
	TaskTypeVerificationDispatch = "verification:dispatch"
	// TaskTypeAuditPurge removes audit records past retention.
	TaskTypeAuditPurge = "audit:purge"
)

// NewDispatchTask wraps a dispatch payload in an Asynq task.
func NewDispatchTask(payload verification.DispatchTask) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeVerificationDispatch, data), nil
}

// NewAuditPurgeTask builds the retention purge task.
func NewAuditPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskTypeAuditPurge, nil)
}

// DispatchHandler delivers verification tokens and records every attempt
// in the message log. The log row is the source of truth for delivery
// status; a provider failure is recorded and surfaced so Asynq retries.
type DispatchHandler struct {
	dispatcher verification.Dispatcher
	repo       verification.Repository
	logger     *slog.Logger
	metrics    *observability.Metrics
	jobMetrics *jobmetrics.Metrics
}

// NewDispatchHandler constructs a DispatchHandler.
func NewDispatchHandler(dispatcher verification.Dispatcher, repo verification.Repository,
	logger *slog.Logger, metrics *observability.Metrics, jm *jobmetrics.Metrics) *DispatchHandler {
	return &DispatchHandler{
		dispatcher: dispatcher,
		repo:       repo,
		logger:     logger,
		metrics:    metrics,
		jobMetrics: jm,
	}
}

// ProcessTask handles one dispatch attempt.
func (h *DispatchHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	tracker := h.jobMetrics.Track("verification_dispatch")
	var payload verification.DispatchTask
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		_ = tracker.End(err)
		return asynq.SkipRetry
	}

	record := verification.MessageRecord{
		AccountID:   payload.AccountID,
		Channel:     payload.Channel,
		Recipient:   payload.Recipient,
		MessageType: payload.MessageType,
	}
	result, sendErr := h.dispatcher.Send(ctx, payload.Channel, payload.Recipient, verification.Payload{
		Token:       payload.Token,
		MessageType: payload.MessageType,
	})
	if sendErr != nil {
		record.Status = verification.StatusFailed
		record.ErrorDetail = sendErr.Error()
		record.Provider = result.Provider
		h.logger.Warn("verification dispatch failed",
			slog.String("channel", string(payload.Channel)), slog.Any("error", sendErr))
	} else {
		record.Status = verification.StatusSent
		record.Provider = result.Provider
		record.ProviderRef = result.ProviderRef
	}
	h.metrics.ObserveDispatch(string(payload.Channel), record.Status)

	if err := h.repo.AppendMessage(ctx, &record); err != nil {
		h.logger.Error("dispatch log append failed", slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(sendErr)
}

// PurgeHandler enforces audit retention. Retention is the only path that
// removes audit records.
type PurgeHandler struct {
	recorder   *audit.Recorder
	retention  time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics
	jobMetrics *jobmetrics.Metrics
}

// NewPurgeHandler constructs a PurgeHandler.
func NewPurgeHandler(recorder *audit.Recorder, retention time.Duration,
	logger *slog.Logger, metrics *observability.Metrics, jm *jobmetrics.Metrics) *PurgeHandler {
	return &PurgeHandler{
		recorder:   recorder,
		retention:  retention,
		logger:     logger,
		metrics:    metrics,
		jobMetrics: jm,
	}
}

// ProcessTask removes records older than the retention window.
func (h *PurgeHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	tracker := h.jobMetrics.Track("audit_purge")
	cutoff := time.Now().UTC().Add(-h.retention)
	removed, err := h.recorder.PurgeBefore(ctx, cutoff)
	if err != nil {
		h.logger.Error("audit purge failed", slog.Any("error", err))
		return tracker.End(err)
	}
	h.metrics.ObservePurge(removed)
	h.logger.Info("audit purge completed",
		slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
	return tracker.End(nil)
}
