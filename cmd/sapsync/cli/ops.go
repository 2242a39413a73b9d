package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-sapsync/internal/reconcile"
)

// Store is the part of the control-plane repository used by operators.
type Store interface {
	Requeue(ctx context.Context, closureID int64) (int64, error)
	Report(ctx context.Context, closureID int64) (reconcile.ClosureReport, error)
}

// Nudger enqueues the wake-up task for running workers.
type Nudger interface {
	EnqueueSignalNudge(ctx context.Context, closureID int64) (*asynq.TaskInfo, error)
}

// OpsCLI offers recovery helpers for closures handled by the sync worker.
type OpsCLI struct {
	store  Store
	nudger Nudger
}

// NewOpsCLI constructs the helper. nudger may be nil when no queue is configured.
func NewOpsCLI(store Store, nudger Nudger) (*OpsCLI, error) {
	if store == nil {
		return nil, errors.New("sapsync cli: store not configured")
	}
	return &OpsCLI{store: store, nudger: nudger}, nil
}

// ClosureOptions defines the flags shared by every closure command.
type ClosureOptions struct {
	ClosureID  int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *ClosureOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// RequeueSummary describes the JSON response for requeue.
type RequeueSummary struct {
	ClosureID int64 `json:"closure_id"`
	SignalID  int64 `json:"signal_id"`
	Nudged    bool  `json:"nudged"`
}

// RequeueCommand moves a closure in error back to ready with a fresh signal.
// Exit code 2 means the closure was not in a requeueable state.
func (c *OpsCLI) RequeueCommand(ctx context.Context, opts ClosureOptions) int {
	opts.defaults()
	if opts.ClosureID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "requeue: --closure is required and must be positive")
		return 1
	}
	signalID, err := c.store.Requeue(ctx, opts.ClosureID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "requeue: closure %d: %v\n", opts.ClosureID, err)
		if rejected(err) {
			return 2
		}
		return 1
	}

	summary := RequeueSummary{ClosureID: opts.ClosureID, SignalID: signalID}
	if c.nudger != nil {
		if _, err := c.nudger.EnqueueSignalNudge(ctx, opts.ClosureID); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "requeue: nudge skipped: %v\n", err)
		} else {
			summary.Nudged = true
		}
	}

	if opts.JSONOutput {
		return encodeJSON(opts, "requeue", summary)
	}
	_, _ = fmt.Fprintf(opts.Stdout, "closure %d requeued as signal %d\n", summary.ClosureID, summary.SignalID)
	return 0
}

// NudgeCommand wakes idle workers without touching the database.
func (c *OpsCLI) NudgeCommand(ctx context.Context, opts ClosureOptions) int {
	opts.defaults()
	if opts.ClosureID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "nudge: --closure is required and must be positive")
		return 1
	}
	if c.nudger == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "nudge: REDIS_ADDR is not configured")
		return 1
	}
	info, err := c.nudger.EnqueueSignalNudge(ctx, opts.ClosureID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "nudge: %v\n", err)
		return 1
	}
	if info != nil {
		_, _ = fmt.Fprintf(opts.Stdout, "task %s enqueued on %s\n", info.ID, info.Queue)
	}
	return 0
}

// StatusSummary describes the JSON response for status.
type StatusSummary struct {
	ClosureID      int64          `json:"closure_id"`
	Status         string         `json:"status"`
	PendingSignals int            `json:"pending_signals"`
	Records        map[string]int `json:"records"`
}

// StatusCommand prints the closure status and record counts per state.
func (c *OpsCLI) StatusCommand(ctx context.Context, opts ClosureOptions) int {
	opts.defaults()
	if opts.ClosureID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "status: --closure is required and must be positive")
		return 1
	}
	report, err := c.store.Report(ctx, opts.ClosureID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "status: closure %d: %v\n", opts.ClosureID, err)
		if errors.Is(err, reconcile.ErrClosureNotFound) {
			return 2
		}
		return 1
	}
	summary := buildStatusSummary(report)
	if opts.JSONOutput {
		return encodeJSON(opts, "status", summary)
	}
	_, _ = fmt.Fprintf(opts.Stdout, "closure %d: %s\n", summary.ClosureID, summary.Status)
	_, _ = fmt.Fprintf(opts.Stdout, "  pending signals: %d\n", summary.PendingSignals)
	for _, state := range []reconcile.RecordState{reconcile.StatePending, reconcile.StateCommitted, reconcile.StateFailed} {
		_, _ = fmt.Fprintf(opts.Stdout, "  %s: %d\n", state, summary.Records[state.String()])
	}
	return 0
}

func buildStatusSummary(report reconcile.ClosureReport) StatusSummary {
	records := map[string]int{
		reconcile.StatePending.String():   0,
		reconcile.StateCommitted.String(): 0,
		reconcile.StateFailed.String():    0,
	}
	for state, count := range report.Records {
		records[state.String()] = count
	}
	return StatusSummary{
		ClosureID:      report.ClosureID,
		Status:         report.Status.String(),
		PendingSignals: report.PendingSignals,
		Records:        records,
	}
}

func rejected(err error) bool {
	return errors.Is(err, reconcile.ErrAlreadyQueued) ||
		errors.Is(err, reconcile.ErrNotRequeueable) ||
		errors.Is(err, reconcile.ErrClosureNotFound)
}

func encodeJSON(opts ClosureOptions, command string, v any) int {
	if err := json.NewEncoder(opts.Stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", command, err)
		return 1
	}
	return 0
}
