package reconcile

import "context"

// Classifier answers whether an item participates in inventory tracking.
type Classifier interface {
	IsInventoryItem(ctx context.Context, itemCode string) (bool, error)
}

// DocumentCreator creates exactly one SAP document per call.
type DocumentCreator interface {
	CreateDocument(ctx context.Context, req DocumentRequest) (DocumentResult, error)
}

// Session reports ErrConnectorUnavailable once the SAP session is gone. A lost
// session is never renegotiated by the worker.
type Session interface {
	Ping(ctx context.Context) error
}

// Connector is the SAP session used by the pipeline.
type Connector interface {
	Session
	Classifier
	DocumentCreator
}

// LoaderStore reads the data of a claimed closure.
type LoaderStore interface {
	LoadConfig(ctx context.Context, closureID int64) (ClosureConfig, error)
	PendingAdjustments(ctx context.Context, closureID int64) ([]Adjustment, error)
}

// RecorderStore persists pipeline outcomes. Every call commits on its own.
type RecorderStore interface {
	MarkCommitted(ctx context.Context, ids []int64, ref DocumentRef, processedBy string) error
	MarkFailed(ctx context.Context, ids []int64, message, processedBy string) error
	FailPending(ctx context.Context, closureID int64, message, processedBy string) (int, error)
	FinalizeClosure(ctx context.Context, closureID int64, status ClosureStatus) error
	MarkSignalProcessed(ctx context.Context, signalID int64, processedBy string) error
}

// Store is the control-plane database as seen by the poller.
type Store interface {
	LoaderStore
	RecorderStore
	PendingSignals(ctx context.Context) ([]Signal, error)
	ClaimClosure(ctx context.Context, closureID int64) (bool, error)
}

// Heartbeat is refreshed once per loop iteration.
type Heartbeat interface {
	Beat(ctx context.Context) error
}
