package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

type storedAdjustment struct {
	Adjustment
	State    RecordState
	Ref      DocumentRef
	Message  string
	Attempts int
	By       string
}

type storedSignal struct {
	Signal
	Processed int
}

// memoryStore mimics the PostgreSQL repository semantics.
type memoryStore struct {
	mu          sync.Mutex
	closures    map[int64]ClosureStatus
	configs     map[int64]ClosureConfig
	adjustments map[int64]*storedAdjustment
	signals     []*storedSignal
	writes      int

	pendingErr error
	claimErr   error
	commitErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		closures:    make(map[int64]ClosureStatus),
		configs:     make(map[int64]ClosureConfig),
		adjustments: make(map[int64]*storedAdjustment),
	}
}

func (m *memoryStore) addClosure(id int64, status ClosureStatus, cfg *ClosureConfig, records ...Adjustment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closures[id] = status
	if cfg != nil {
		c := *cfg
		c.ClosureID = id
		m.configs[id] = c
	}
	for _, rec := range records {
		rec.ClosureID = id
		m.adjustments[rec.ID] = &storedAdjustment{Adjustment: rec, State: StatePending}
	}
}

func (m *memoryStore) addSignal(id, closureID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, &storedSignal{Signal: Signal{ID: id, ClosureID: closureID, CreatedAt: time.Unix(id, 0)}})
}

func (m *memoryStore) status(id int64) ClosureStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closures[id]
}

func (m *memoryStore) record(id int64) storedAdjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.adjustments[id]
}

func (m *memoryStore) signal(id int64) storedSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sig := range m.signals {
		if sig.ID == id {
			return *sig
		}
	}
	return storedSignal{}
}

func (m *memoryStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memoryStore) PendingSignals(ctx context.Context) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingErr != nil {
		return nil, m.pendingErr
	}
	var out []Signal
	for _, sig := range m.signals {
		if sig.Processed == 0 && m.closures[sig.ClosureID] == ClosureReady {
			out = append(out, sig.Signal)
		}
	}
	return out, nil
}

func (m *memoryStore) ClaimClosure(ctx context.Context, closureID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	if m.closures[closureID] != ClosureReady {
		return false, nil
	}
	m.writes++
	m.closures[closureID] = ClosureLocked
	return true, nil
}

func (m *memoryStore) LoadConfig(ctx context.Context, closureID int64) (ClosureConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[closureID]
	if !ok {
		return ClosureConfig{}, ErrConfigurationMissing
	}
	return cfg, nil
}

func (m *memoryStore) PendingAdjustments(ctx context.Context, closureID int64) ([]Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Adjustment
	for _, rec := range m.adjustments {
		if rec.ClosureID == closureID && rec.State == StatePending {
			out = append(out, rec.Adjustment)
		}
	}
	slices.SortFunc(out, func(a, b Adjustment) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *memoryStore) MarkCommitted(ctx context.Context, ids []int64, ref DocumentRef, processedBy string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.writes++
	for _, id := range ids {
		if rec, ok := m.adjustments[id]; ok && rec.State == StatePending {
			rec.State = StateCommitted
			rec.Ref = ref
			rec.Message = ""
			rec.By = processedBy
		}
	}
	return nil
}

func (m *memoryStore) MarkFailed(ctx context.Context, ids []int64, message, processedBy string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	for _, id := range ids {
		if rec, ok := m.adjustments[id]; ok && rec.State == StatePending {
			rec.State = StateFailed
			rec.Message = message
			rec.Attempts++
			rec.By = processedBy
		}
	}
	return nil
}

func (m *memoryStore) FailPending(ctx context.Context, closureID int64, message, processedBy string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	n := 0
	for _, rec := range m.adjustments {
		if rec.ClosureID == closureID && rec.State == StatePending {
			rec.State = StateFailed
			rec.Message = message
			rec.Attempts++
			rec.By = processedBy
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) FinalizeClosure(ctx context.Context, closureID int64, status ClosureStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closures[closureID] != ClosureLocked {
		return ErrClosureNotLocked
	}
	m.writes++
	m.closures[closureID] = status
	return nil
}

func (m *memoryStore) MarkSignalProcessed(ctx context.Context, signalID int64, processedBy string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	for _, sig := range m.signals {
		if sig.ID == signalID {
			sig.Processed++
			return nil
		}
	}
	return errors.New("signal not found")
}

// fakeConnector records created documents and answers classification from a map.
// Like the Service Layer client it answers "not tracked" once the session is lost.
type fakeConnector struct {
	mu        sync.Mutex
	lost      bool
	expireOn  string
	tracked   map[string]bool
	lookups   map[string]int
	classErr  map[string]error
	submitErr map[string]error
	documents []DocumentRequest
	nextEntry int64
	onCreate  func(DocumentRequest)
}

func newFakeConnector(tracked ...string) *fakeConnector {
	c := &fakeConnector{
		tracked:   make(map[string]bool),
		lookups:   make(map[string]int),
		classErr:  make(map[string]error),
		submitErr: make(map[string]error),
		nextEntry: 100,
	}
	for _, code := range tracked {
		c.tracked[code] = true
	}
	return c
}

func (c *fakeConnector) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost {
		return ErrConnectorUnavailable
	}
	return nil
}

func (c *fakeConnector) IsInventoryItem(ctx context.Context, itemCode string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups[itemCode]++
	if c.lost {
		return false, nil
	}
	if itemCode == c.expireOn {
		c.lost = true
		return false, fmt.Errorf("%w: GET /Items('%s') returned 401", ErrConnectorUnavailable, itemCode)
	}
	if err := c.classErr[itemCode]; err != nil {
		return false, err
	}
	return c.tracked[itemCode], nil
}

func (c *fakeConnector) CreateDocument(ctx context.Context, req DocumentRequest) (DocumentResult, error) {
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return DocumentResult{}, ErrConnectorUnavailable
	}
	// Submission failures are keyed by the warehouse prefix of the document.
	if err := c.submitErr[WarehousePrefix(req.Lines[0].Warehouse)]; err != nil {
		c.mu.Unlock()
		return DocumentResult{}, err
	}
	c.documents = append(c.documents, req)
	c.nextEntry++
	entry := c.nextEntry
	hook := c.onCreate
	c.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return DocumentResult{Entry: entry, Number: entry + 10000}, nil
}

func (c *fakeConnector) created() []DocumentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.documents)
}

func testConfig() *ClosureConfig {
	return &ClosureConfig{
		Project:       "INV24",
		EntryAccount:  "_SYS00000000123",
		ExitAccount:   "_SYS00000000456",
		InventoryDate: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}
