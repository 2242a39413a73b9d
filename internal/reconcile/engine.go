package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	jobmetrics "github.com/odyssey-erp/odyssey-sapsync/internal/jobs"
)

// Engine processes the groups of one closure. Group failures are recorded and do
// not stop sibling groups; only connector loss, cancellation and store failures
// are returned.
type Engine struct {
	gate      *Gate
	submitter *Submitter
	recorder  *Recorder
	policy    Policy
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewEngine wires the grouping engine.
func NewEngine(gate *Gate, submitter *Submitter, recorder *Recorder, policy Policy, logger *slog.Logger, metrics *jobmetrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		gate:      gate,
		submitter: submitter,
		recorder:  recorder,
		policy:    policy,
		logger:    logger,
		metrics:   metrics,
	}
}

// Process runs every group of batch in prefix, direction order.
func (e *Engine) Process(ctx context.Context, batch Batch) (Summary, error) {
	var total Summary
	for _, group := range Partition(batch.Adjustments) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		sum, err := e.processGroup(ctx, batch.Config, group)
		total.add(sum)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) processGroup(ctx context.Context, cfg ClosureConfig, group Group) (Summary, error) {
	log := e.logger.With(
		slog.Int64("closure_id", cfg.ClosureID),
		slog.String("prefix", group.Key.Prefix),
		slog.String("direction", string(group.Key.Direction)),
		slog.Int("records", len(group.Records)),
	)
	// Outcomes of calls already made to SAP are recorded even during shutdown.
	writeCtx := context.WithoutCancel(ctx)
	sum := Summary{Groups: 1}
	dir := string(group.Key.Direction)

	eligible, ineligible, err := e.gate.Classify(ctx, group.Records)
	if err != nil {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		log.Error("classification failed", slog.Any("error", err))
		if rerr := e.recorder.Failed(writeCtx, group.Records, err.Error()); rerr != nil {
			return sum, rerr
		}
		sum.Failed = len(group.Records)
		e.metrics.ObserveGroup(dir, "failed")
		if errors.Is(err, ErrConnectorUnavailable) {
			return sum, err
		}
		return sum, nil
	}

	if len(eligible) == 0 {
		message := ErrNoEligibleItems.Error()
		if e.policy.Ineligible == KeepIneligibleReason {
			message = ReasonNotInventoryItem
		}
		log.Warn("group skipped", slog.String("reason", message))
		if err := e.recorder.Failed(writeCtx, group.Records, message); err != nil {
			return sum, err
		}
		sum.Failed = len(group.Records)
		e.metrics.ObserveGroup(dir, "failed")
		return sum, nil
	}

	commentSource := group.Records
	if e.policy.Comment == CommentFromEligibleOnly {
		commentSource = eligible
	}
	req := BuildRequest(cfg, group.Key.Direction, eligible, SelectComment(commentSource))

	ref, err := e.submitter.Submit(ctx, req)
	if err != nil {
		log.Error("document rejected", slog.Any("error", err))
		if rerr := e.recorder.Failed(writeCtx, group.Records, err.Error()); rerr != nil {
			return sum, rerr
		}
		sum.Failed = len(group.Records)
		e.metrics.ObserveGroup(dir, "failed")
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if errors.Is(err, ErrConnectorUnavailable) {
			return sum, err
		}
		return sum, nil
	}

	if err := e.recorder.Committed(writeCtx, eligible, ref); err != nil {
		return sum, fmt.Errorf("document %s %d created: %w", ref.Type, ref.Entry, err)
	}
	sum.Committed = len(eligible)
	if err := e.recorder.Failed(writeCtx, ineligible, ReasonNotInventoryItem); err != nil {
		return sum, err
	}
	sum.Failed = len(ineligible)
	e.metrics.ObserveGroup(dir, "committed")
	log.Info("document created",
		slog.String("doc_type", ref.Type),
		slog.Int64("doc_entry", ref.Entry),
		slog.Int64("doc_number", ref.Number),
		slog.Int("committed", len(eligible)),
		slog.Int("ineligible", len(ineligible)),
	)
	return sum, nil
}
