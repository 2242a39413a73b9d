package reconcile

import (
	"context"
	"fmt"

	jobmetrics "github.com/odyssey-erp/odyssey-sapsync/internal/jobs"
)

// Recorder writes pipeline outcomes back to the control-plane store.
type Recorder struct {
	store    RecorderStore
	workerID string
	metrics  *jobmetrics.Metrics
}

// NewRecorder constructs a Recorder stamping writes with workerID.
func NewRecorder(store RecorderStore, workerID string, metrics *jobmetrics.Metrics) *Recorder {
	return &Recorder{store: store, workerID: workerID, metrics: metrics}
}

// Committed marks records as posted to the shared document ref.
func (r *Recorder) Committed(ctx context.Context, records []Adjustment, ref DocumentRef) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.store.MarkCommitted(ctx, ids(records), ref, r.workerID); err != nil {
		return fmt.Errorf("record committed adjustments: %w", err)
	}
	r.metrics.AddRecords(StateCommitted.String(), len(records))
	return nil
}

// Failed marks records as failed with message and bumps their attempt counter.
func (r *Recorder) Failed(ctx context.Context, records []Adjustment, message string) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.store.MarkFailed(ctx, ids(records), message, r.workerID); err != nil {
		return fmt.Errorf("record failed adjustments: %w", err)
	}
	r.metrics.AddRecords(StateFailed.String(), len(records))
	return nil
}

// FailRemaining fails every record of the closure still pending.
func (r *Recorder) FailRemaining(ctx context.Context, closureID int64, message string) (int, error) {
	n, err := r.store.FailPending(ctx, closureID, message, r.workerID)
	if err != nil {
		return 0, fmt.Errorf("fail pending adjustments of closure %d: %w", closureID, err)
	}
	r.metrics.AddRecords(StateFailed.String(), n)
	return n, nil
}

// Finalize moves a locked closure to its terminal status.
func (r *Recorder) Finalize(ctx context.Context, closureID int64, status ClosureStatus) error {
	if err := r.store.FinalizeClosure(ctx, closureID, status); err != nil {
		return fmt.Errorf("finalize closure %d as %s: %w", closureID, status, err)
	}
	return nil
}

// SignalProcessed consumes the signal.
func (r *Recorder) SignalProcessed(ctx context.Context, signalID int64) error {
	if err := r.store.MarkSignalProcessed(ctx, signalID, r.workerID); err != nil {
		return fmt.Errorf("mark signal %d processed: %w", signalID, err)
	}
	return nil
}

func ids(records []Adjustment) []int64 {
	out := make([]int64, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}
