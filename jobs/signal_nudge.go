package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-sapsync/internal/jobs"
)

// Waker ends the poller's idle wait.
type Waker interface {
	Wake()
}

// SignalNudgeJob forwards queue nudges to the local poller. The signal table stays
// the source of truth; a nudge only shortens the idle backoff.
type SignalNudgeJob struct {
	Waker   Waker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSignalNudgeJob constructs the job handler.
func NewSignalNudgeJob(waker Waker, logger *slog.Logger, metrics *jobmetrics.Metrics) *SignalNudgeJob {
	return &SignalNudgeJob{Waker: waker, Logger: logger, Metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SignalNudgeJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Waker == nil {
		return errors.New("signal nudge: waker not configured")
	}
	var payload SignalNudgePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.ClosureID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSignalNudge)
	j.Waker.Wake()
	j.log().Debug("poller nudged", slog.Int64("closure_id", payload.ClosureID))
	return tracker.End(nil)
}

func (j *SignalNudgeJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SignalNudgeJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSignalNudge))
	}
	return slog.Default().With(slog.String("job", TaskSignalNudge))
}
