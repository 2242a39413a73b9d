package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/odyssey-erp/odyssey-sapsync/internal/jobs"
)

// DefaultPollInterval is the idle backoff between polls that found no signal.
const DefaultPollInterval = 5 * time.Second

const finalizeTimeout = 15 * time.Second

// JobClosure labels closure runs in the job metrics.
const JobClosure = "sapsync:closure"

// PollerConfig collects dependencies required to run the sync loop.
type PollerConfig struct {
	Store     Store
	Connector Connector
	WorkerID  string
	Interval  time.Duration
	Policy    Policy
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Heartbeat Heartbeat
}

// Poller drains ready signals and processes their closures one at a time.
type Poller struct {
	store     Store
	session   Session
	loader    *Loader
	engine    *Engine
	recorder  *Recorder
	interval  time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	heartbeat Heartbeat
	wake      chan struct{}
	after     func(time.Duration) <-chan time.Time
}

// NewPoller constructs the sync loop.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store not configured")
	}
	if cfg.Connector == nil {
		return nil, errors.New("reconcile: connector not configured")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "sapsync"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "poller"))

	recorder := NewRecorder(cfg.Store, cfg.WorkerID, cfg.Metrics)
	engine := NewEngine(NewGate(cfg.Connector), NewSubmitter(cfg.Connector), recorder, cfg.Policy, logger, cfg.Metrics)
	return &Poller{
		store:     cfg.Store,
		session:   cfg.Connector,
		loader:    NewLoader(cfg.Store),
		engine:    engine,
		recorder:  recorder,
		interval:  cfg.Interval,
		logger:    logger,
		metrics:   cfg.Metrics,
		heartbeat: cfg.Heartbeat,
		wake:      make(chan struct{}, 1),
		after:     time.After,
	}, nil
}

// WithTimer overrides the idle timer for deterministic tests.
func (p *Poller) WithTimer(after func(time.Duration) <-chan time.Time) {
	if p != nil && after != nil {
		p.after = after
	}
}

// Wake ends the current idle wait early. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled and returns the context error. It returns
// ErrConnectorUnavailable once the SAP session is lost so the process can be
// restarted with a fresh login.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("sync loop started", slog.Duration("interval", p.interval))
	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("sync loop stopped")
			return err
		}
		if p.heartbeat != nil {
			if err := p.heartbeat.Beat(ctx); err != nil {
				p.logger.Warn("heartbeat", slog.Any("error", err))
			}
		}

		found, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrConnectorUnavailable) {
				p.logger.Error("sync loop stopped, sap session lost", slog.Any("error", err))
				return err
			}
			p.logger.Error("poll signals", slog.Any("error", err))
		}
		if found > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-p.after(p.interval):
		case <-p.wake:
			p.metrics.ObserveWakeup()
		}
	}
}

// Poll runs one iteration and returns the number of signals fetched. Signals
// after a lost SAP session are left unprocessed and the loss is returned.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	signals, err := p.store.PendingSignals(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch pending signals: %w", err)
	}
	p.metrics.ObservePoll(len(signals))
	if len(signals) == 0 {
		p.logger.Debug("waiting, no ready signals")
		return 0, nil
	}
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return len(signals), err
		}
		if err := p.ProcessSignal(ctx, sig); err != nil {
			if errors.Is(err, ErrConnectorUnavailable) {
				return len(signals), err
			}
			p.logger.Error("process signal",
				slog.Int64("signal_id", sig.ID),
				slog.Int64("closure_id", sig.ClosureID),
				slog.Any("error", err),
			)
		}
	}
	return len(signals), nil
}

// ProcessSignal claims the closure referenced by sig, runs the pipeline and
// consumes the signal. Pipeline failures end in ClosureError and are not
// returned, except a lost SAP session which is returned after the closure is
// finalized. Without a session, or when the claim cannot reach the store, the
// closure is not claimed and the signal stays unprocessed.
func (p *Poller) ProcessSignal(ctx context.Context, sig Signal) error {
	log := p.logger.With(slog.Int64("signal_id", sig.ID), slog.Int64("closure_id", sig.ClosureID))
	log.Info("signal received")

	if err := p.session.Ping(ctx); err != nil {
		return fmt.Errorf("closure %d not claimed: %w", sig.ClosureID, err)
	}

	claimed, err := p.store.ClaimClosure(ctx, sig.ClosureID)
	if err != nil {
		return fmt.Errorf("claim closure %d: %w", sig.ClosureID, err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if !claimed {
		log.Warn("closure skipped", slog.Any("error", ErrClaimConflict))
		p.metrics.ObserveClosure("conflict")
		return p.recorder.SignalProcessed(writeCtx, sig.ID)
	}

	tracker := p.metrics.Track(JobClosure)
	start := time.Now()
	summary, runErr := p.runClosure(ctx, sig.ClosureID)
	status, failedRest := p.finish(ctx, writeCtx, sig.ClosureID, runErr, log)
	summary.Failed += failedRest
	_ = tracker.End(runErr)

	sigErr := p.recorder.SignalProcessed(writeCtx, sig.ID)
	log.Info("closure finished",
		slog.String("status", status.String()),
		slog.Int("groups", summary.Groups),
		slog.Int("committed", summary.Committed),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	if errors.Is(runErr, ErrConnectorUnavailable) {
		return errors.Join(runErr, sigErr)
	}
	return sigErr
}

func (p *Poller) runClosure(ctx context.Context, closureID int64) (Summary, error) {
	batch, err := p.loader.Load(ctx, closureID)
	if err != nil {
		return Summary{}, err
	}
	batch.Config.ClosureID = closureID
	return p.engine.Process(ctx, batch)
}

// finish writes the terminal closure status. Records left pending by a failed
// run are failed with the closure error unless the worker is shutting down or
// lost its SAP session, in which case they stay pending for a requeue.
func (p *Poller) finish(ctx, writeCtx context.Context, closureID int64, runErr error, log *slog.Logger) (ClosureStatus, int) {
	if runErr == nil {
		err := p.recorder.Finalize(writeCtx, closureID, ClosureDone)
		if err == nil {
			p.metrics.ObserveClosure(ClosureDone.String())
			return ClosureDone, 0
		}
		runErr = err
	}
	log.Error("closure failed", slog.Any("error", runErr))

	failed := 0
	if ctx.Err() == nil && !errors.Is(runErr, ErrConnectorUnavailable) {
		n, err := p.recorder.FailRemaining(writeCtx, closureID, runErr.Error())
		if err != nil {
			log.Error("fail remaining adjustments", slog.Any("error", err))
		}
		failed = n
	}
	if err := p.recorder.Finalize(writeCtx, closureID, ClosureError); err != nil {
		log.Error("closure left locked", slog.Any("error", err))
	}
	p.metrics.ObserveClosure(ClosureError.String())
	return ClosureError, failed
}
