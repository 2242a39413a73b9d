package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-sapsync/internal/platform/db"
)

// Repository persists sync state in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	// ErrAlreadyQueued indicates the closure already has an unprocessed signal.
	ErrAlreadyQueued = errors.New("reconcile: closure already has a pending signal")
	// ErrNotRequeueable indicates the closure is not in ClosureError.
	ErrNotRequeueable = errors.New("reconcile: only closures in error can be requeued")
	// ErrClosureNotFound indicates an unknown closure id.
	ErrClosureNotFound = errors.New("reconcile: closure not found")
)

// PendingSignals returns unprocessed signals of ready closures, oldest first.
func (r *Repository) PendingSignals(ctx context.Context) ([]Signal, error) {
	const query = `
SELECT s.id, s.closure_id, s.created_at
FROM sap_signals s
JOIN inventory_closures c ON c.id = s.closure_id
WHERE s.processed = false
  AND c.status = $1
ORDER BY s.created_at, s.id`
	rows, err := r.pool.Query(ctx, query, int16(ClosureReady))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var sig Signal
		if err := rows.Scan(&sig.ID, &sig.ClosureID, &sig.CreatedAt); err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// ClaimClosure moves a closure from ready to locked. It reports false when
// another worker won the update or the status changed.
func (r *Repository) ClaimClosure(ctx context.Context, closureID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE inventory_closures SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		closureID, int16(ClosureLocked), int16(ClosureReady))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LoadConfig returns the accounting configuration of a closure.
func (r *Repository) LoadConfig(ctx context.Context, closureID int64) (ClosureConfig, error) {
	const query = `
SELECT closure_id, coalesce(project, ''), coalesce(entry_account, ''), coalesce(exit_account, ''), inventory_date
FROM inventory_closure_configs
WHERE closure_id = $1`
	var cfg ClosureConfig
	err := r.pool.QueryRow(ctx, query, closureID).Scan(
		&cfg.ClosureID, &cfg.Project, &cfg.EntryAccount, &cfg.ExitAccount, &cfg.InventoryDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClosureConfig{}, ErrConfigurationMissing
		}
		return ClosureConfig{}, err
	}
	return cfg, nil
}

// PendingAdjustments returns pending records of a closure ordered by id.
// Quantities are read as float8, the type the Service Layer accepts.
func (r *Repository) PendingAdjustments(ctx context.Context, closureID int64) ([]Adjustment, error) {
	const query = `
SELECT id, closure_id, item_code, abs(quantity)::float8, direction, coalesce(warehouse, ''), coalesce(comment, '')
FROM inventory_adjustments_sap
WHERE closure_id = $1
  AND state = $2
ORDER BY id`
	rows, err := r.pool.Query(ctx, query, closureID, int16(StatePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Adjustment
	for rows.Next() {
		var (
			rec Adjustment
			dir string
		)
		if err := rows.Scan(&rec.ID, &rec.ClosureID, &rec.ItemCode, &rec.Quantity, &dir, &rec.Warehouse, &rec.Comment); err != nil {
			return nil, err
		}
		rec.Direction = Direction(dir)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkCommitted stores the document reference on pending records in ids.
func (r *Repository) MarkCommitted(ctx context.Context, ids []int64, ref DocumentRef, processedBy string) error {
	const query = `
UPDATE inventory_adjustments_sap
SET state = $2,
    doc_type = $3,
    doc_entry = $4,
    doc_number = $5,
    error_message = NULL,
    processed_at = now(),
    processed_by = $6
WHERE id = ANY($1)
  AND state = $7`
	_, err := r.pool.Exec(ctx, query, ids, int16(StateCommitted), ref.Type, ref.Entry, ref.Number, processedBy, int16(StatePending))
	return err
}

// MarkFailed stores message on pending records in ids and bumps their attempt counter.
func (r *Repository) MarkFailed(ctx context.Context, ids []int64, message, processedBy string) error {
	const query = `
UPDATE inventory_adjustments_sap
SET state = $2,
    error_message = $3,
    attempt_count = coalesce(attempt_count, 0) + 1,
    last_attempt_at = now(),
    processed_at = now(),
    processed_by = $4
WHERE id = ANY($1)
  AND state = $5`
	_, err := r.pool.Exec(ctx, query, ids, int16(StateFailed), message, processedBy, int16(StatePending))
	return err
}

// FailPending fails every pending record of a closure and returns how many were touched.
func (r *Repository) FailPending(ctx context.Context, closureID int64, message, processedBy string) (int, error) {
	const query = `
UPDATE inventory_adjustments_sap
SET state = $2,
    error_message = $3,
    attempt_count = coalesce(attempt_count, 0) + 1,
    last_attempt_at = now(),
    processed_at = now(),
    processed_by = $4
WHERE closure_id = $1
  AND state = $5`
	tag, err := r.pool.Exec(ctx, query, closureID, int16(StateFailed), message, processedBy, int16(StatePending))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// FinalizeClosure moves a locked closure to status.
func (r *Repository) FinalizeClosure(ctx context.Context, closureID int64, status ClosureStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE inventory_closures SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		closureID, int16(status), int16(ClosureLocked))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClosureNotLocked
	}
	return nil
}

// MarkSignalProcessed consumes a signal once.
func (r *Repository) MarkSignalProcessed(ctx context.Context, signalID int64, processedBy string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sap_signals SET processed = true, processed_at = now(), processed_by = $2 WHERE id = $1 AND processed = false`,
		signalID, processedBy)
	return err
}

// Requeue resets a closure in error back to ready and emits a new signal in one
// transaction. It returns the new signal id. The closure row is locked first so
// an unknown id and a closure in another status are reported apart.
func (r *Repository) Requeue(ctx context.Context, closureID int64) (int64, error) {
	var signalID int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status int16
		err := tx.QueryRow(ctx,
			`SELECT status FROM inventory_closures WHERE id = $1 FOR UPDATE`, closureID).Scan(&status)
		if err := requeueable(ClosureStatus(status), err); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE inventory_closures SET status = $2, updated_at = now() WHERE id = $1`,
			closureID, int16(ClosureReady)); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO sap_signals (closure_id, processed, created_at) VALUES ($1, false, now()) RETURNING id`,
			closureID).Scan(&signalID)
	})
	if err != nil {
		return 0, mapRequeueError(err)
	}
	return signalID, nil
}

// requeueable checks the locked status row read by Requeue.
func requeueable(status ClosureStatus, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrClosureNotFound
	case err != nil:
		return err
	case status != ClosureError:
		return fmt.Errorf("%w: closure is %s", ErrNotRequeueable, status)
	}
	return nil
}

func mapRequeueError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrAlreadyQueued
	}
	return err
}

// ClosureReport summarises a closure for operators.
type ClosureReport struct {
	ClosureID      int64
	Status         ClosureStatus
	PendingSignals int
	Records        map[RecordState]int
}

// Report returns the status of a closure and its record counts per state.
func (r *Repository) Report(ctx context.Context, closureID int64) (ClosureReport, error) {
	report := ClosureReport{ClosureID: closureID, Records: make(map[RecordState]int)}
	var status int16
	err := r.pool.QueryRow(ctx, `
SELECT c.status,
       (SELECT count(*) FROM sap_signals s WHERE s.closure_id = c.id AND s.processed = false)
FROM inventory_closures c
WHERE c.id = $1`, closureID).Scan(&status, &report.PendingSignals)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClosureReport{}, ErrClosureNotFound
		}
		return ClosureReport{}, err
	}
	report.Status = ClosureStatus(status)

	rows, err := r.pool.Query(ctx,
		`SELECT state, count(*) FROM inventory_adjustments_sap WHERE closure_id = $1 GROUP BY state`, closureID)
	if err != nil {
		return ClosureReport{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state int16
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return ClosureReport{}, err
		}
		report.Records[RecordState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return ClosureReport{}, fmt.Errorf("closure %d report: %w", closureID, err)
	}
	return report, nil
}

// Ping checks database connectivity for health probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
