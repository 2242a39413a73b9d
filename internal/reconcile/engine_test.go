package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(store *memoryStore, conn *fakeConnector, policy Policy) *Engine {
	recorder := NewRecorder(store, "worker-a", nil)
	return NewEngine(NewGate(conn), NewSubmitter(conn), recorder, policy, nil, nil)
}

func loadBatch(t *testing.T, store *memoryStore, closureID int64) Batch {
	t.Helper()
	batch, err := NewLoader(store).Load(context.Background(), closureID)
	require.NoError(t, err)
	return batch
}

func TestEngineCreatesOneDocumentPerGroup(t *testing.T) {
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, testConfig(),
		Adjustment{ID: 1, ItemCode: "A100", Warehouse: "CJN-01", Direction: DirectionEntry, Quantity: 4, Comment: "conteo cajon"},
		Adjustment{ID: 2, ItemCode: "B200", Warehouse: "CJN-02", Direction: DirectionEntry, Quantity: 2},
		Adjustment{ID: 3, ItemCode: "C300", Warehouse: "AAA-01", Direction: DirectionExit, Quantity: 1},
	)
	conn := newFakeConnector("A100", "B200", "C300")

	sum, err := newTestEngine(store, conn, Policy{}).Process(context.Background(), loadBatch(t, store, 1))
	require.NoError(t, err)
	require.Equal(t, Summary{Groups: 2, Committed: 3}, sum)

	docs := conn.created()
	require.Len(t, docs, 2)
	require.Equal(t, DirectionExit, docs[0].Direction)
	require.Len(t, docs[0].Lines, 1)
	require.Equal(t, "_SYS00000000456", docs[0].Lines[0].Account)
	require.Equal(t, DirectionEntry, docs[1].Direction)
	require.Len(t, docs[1].Lines, 2)
	require.Equal(t, "conteo cajon", docs[1].Comment)

	exitRec := store.record(3)
	require.Equal(t, StateCommitted, exitRec.State)
	require.Equal(t, DocumentRef{Type: "OIGE", Entry: 101, Number: 10101}, exitRec.Ref)
	require.Equal(t, "worker-a", exitRec.By)
	require.Equal(t, store.record(1).Ref, store.record(2).Ref)
	require.Equal(t, "OIGN", store.record(1).Ref.Type)
}

func TestEngineMixedGroupCommitsEligibleOnly(t *testing.T) {
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, testConfig(),
		Adjustment{ID: 1, ItemCode: "SVC", Warehouse: "CJN-01", Direction: DirectionEntry, Quantity: 1, Comment: "from service"},
		Adjustment{ID: 2, ItemCode: "A100", Warehouse: "CJN-01", Direction: DirectionEntry, Quantity: 3, Comment: "from item"},
	)

	t.Run("comment from all members", func(t *testing.T) {
		conn := newFakeConnector("A100")
		s := cloneStore(store)
		sum, err := newTestEngine(s, conn, Policy{}).Process(context.Background(), loadBatch(t, s, 1))
		require.NoError(t, err)
		require.Equal(t, Summary{Groups: 1, Committed: 1, Failed: 1}, sum)

		docs := conn.created()
		require.Len(t, docs, 1)
		require.Len(t, docs[0].Lines, 1)
		require.Equal(t, "A100", docs[0].Lines[0].ItemCode)
		require.Equal(t, "from service", docs[0].Comment)

		require.Equal(t, StateCommitted, s.record(2).State)
		ineligible := s.record(1)
		require.Equal(t, StateFailed, ineligible.State)
		require.Equal(t, ReasonNotInventoryItem, ineligible.Message)
		require.Equal(t, 1, ineligible.Attempts)
	})

	t.Run("comment from eligible only", func(t *testing.T) {
		conn := newFakeConnector("A100")
		s := cloneStore(store)
		_, err := newTestEngine(s, conn, Policy{Comment: CommentFromEligibleOnly}).Process(context.Background(), loadBatch(t, s, 1))
		require.NoError(t, err)
		require.Equal(t, "from item", conn.created()[0].Comment)
	})
}

func TestEngineAllIneligibleGroup(t *testing.T) {
	records := []Adjustment{
		{ID: 1, ItemCode: "SVC1", Warehouse: "CJN-01", Direction: DirectionExit, Quantity: 1},
		{ID: 2, ItemCode: "SVC2", Warehouse: "CJN-03", Direction: DirectionExit, Quantity: 1},
	}

	cases := []struct {
		name   string
		policy Policy
		want   string
	}{
		{name: "collapse", policy: Policy{}, want: ErrNoEligibleItems.Error()},
		{name: "keep reason", policy: Policy{Ineligible: KeepIneligibleReason}, want: ReasonNotInventoryItem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryStore()
			store.addClosure(1, ClosureLocked, testConfig(), records...)
			conn := newFakeConnector()

			sum, err := newTestEngine(store, conn, tc.policy).Process(context.Background(), loadBatch(t, store, 1))
			require.NoError(t, err)
			require.Equal(t, Summary{Groups: 1, Failed: 2}, sum)
			require.Empty(t, conn.created())
			for _, id := range []int64{1, 2} {
				rec := store.record(id)
				require.Equal(t, StateFailed, rec.State)
				require.Equal(t, tc.want, rec.Message)
			}
		})
	}
}

func TestEngineSiblingGroupSurvivesRejection(t *testing.T) {
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, testConfig(),
		Adjustment{ID: 1, ItemCode: "A100", Warehouse: "AAA-01", Direction: DirectionExit, Quantity: 50},
		Adjustment{ID: 2, ItemCode: "SVC", Warehouse: "AAA-02", Direction: DirectionExit, Quantity: 1},
		Adjustment{ID: 3, ItemCode: "A100", Warehouse: "CJN-01", Direction: DirectionEntry, Quantity: 2},
	)
	conn := newFakeConnector("A100")
	conn.submitErr["AAA"] = errors.New("sap b1 error -10: Quantity falls into negative inventory")

	sum, err := newTestEngine(store, conn, Policy{}).Process(context.Background(), loadBatch(t, store, 1))
	require.NoError(t, err)
	require.Equal(t, Summary{Groups: 2, Committed: 1, Failed: 2}, sum)

	for _, id := range []int64{1, 2} {
		rec := store.record(id)
		require.Equal(t, StateFailed, rec.State)
		require.Equal(t, "sap b1 error -10: Quantity falls into negative inventory", rec.Message)
		require.Equal(t, 1, rec.Attempts)
	}
	require.Equal(t, StateCommitted, store.record(3).State)
}

func TestEngineConnectorLossEscapes(t *testing.T) {
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, testConfig(),
		Adjustment{ID: 1, ItemCode: "A100", Warehouse: "AAA-01", Direction: DirectionEntry, Quantity: 1},
		Adjustment{ID: 2, ItemCode: "A100", Warehouse: "BBB-01", Direction: DirectionEntry, Quantity: 1},
		Adjustment{ID: 3, ItemCode: "A100", Warehouse: "CCC-01", Direction: DirectionEntry, Quantity: 1},
	)
	conn := newFakeConnector("A100")
	conn.submitErr["BBB"] = fmt.Errorf("%w: POST /InventoryGenEntries returned 401", ErrConnectorUnavailable)

	sum, err := newTestEngine(store, conn, Policy{}).Process(context.Background(), loadBatch(t, store, 1))
	require.ErrorIs(t, err, ErrConnectorUnavailable)
	require.Equal(t, Summary{Groups: 2, Committed: 1, Failed: 1}, sum)

	require.Equal(t, StateCommitted, store.record(1).State)
	require.Equal(t, StateFailed, store.record(2).State)
	require.Equal(t, StatePending, store.record(3).State)
}

func TestEngineClassificationFailure(t *testing.T) {
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, testConfig(),
		Adjustment{ID: 1, ItemCode: "A100", Warehouse: "AAA-01", Direction: DirectionEntry, Quantity: 1},
		Adjustment{ID: 2, ItemCode: "B200", Warehouse: "BBB-01", Direction: DirectionEntry, Quantity: 1},
	)
	conn := newFakeConnector("A100", "B200")
	conn.classErr["A100"] = errors.New("sap b1 error 500: internal error")

	sum, err := newTestEngine(store, conn, Policy{}).Process(context.Background(), loadBatch(t, store, 1))
	require.NoError(t, err)
	require.Equal(t, Summary{Groups: 2, Committed: 1, Failed: 1}, sum)
	require.Equal(t, "classify item A100: sap b1 error 500: internal error", store.record(1).Message)
	require.Equal(t, StateCommitted, store.record(2).State)
}

func TestEngineCancellationKeepsCommittedGroups(t *testing.T) {
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, testConfig(),
		Adjustment{ID: 1, ItemCode: "A100", Warehouse: "AAA-01", Direction: DirectionEntry, Quantity: 1},
		Adjustment{ID: 2, ItemCode: "A100", Warehouse: "BBB-01", Direction: DirectionEntry, Quantity: 1},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := newFakeConnector("A100")
	conn.onCreate = func(DocumentRequest) { cancel() }

	sum, err := newTestEngine(store, conn, Policy{}).Process(ctx, loadBatch(t, store, 1))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Summary{Groups: 1, Committed: 1}, sum)
	require.Equal(t, StateCommitted, store.record(1).State)
	require.Equal(t, StatePending, store.record(2).State)
}

func TestEngineCommitWriteFailureEscapes(t *testing.T) {
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, testConfig(),
		Adjustment{ID: 1, ItemCode: "A100", Warehouse: "AAA-01", Direction: DirectionEntry, Quantity: 1},
	)
	store.commitErr = errors.New("connection reset")
	conn := newFakeConnector("A100")

	_, err := newTestEngine(store, conn, Policy{}).Process(context.Background(), loadBatch(t, store, 1))
	require.ErrorContains(t, err, "document OIGN 101 created")
	require.ErrorContains(t, err, "connection reset")
}

func cloneStore(src *memoryStore) *memoryStore {
	src.mu.Lock()
	defer src.mu.Unlock()
	dst := newMemoryStore()
	for id, status := range src.closures {
		dst.closures[id] = status
	}
	for id, cfg := range src.configs {
		dst.configs[id] = cfg
	}
	for id, rec := range src.adjustments {
		cp := *rec
		dst.adjustments[id] = &cp
	}
	for _, sig := range src.signals {
		cp := *sig
		dst.signals = append(dst.signals, &cp)
	}
	return dst
}

func TestEngineBlankAccountFailsOnlyItsDirection(t *testing.T) {
	cfg := testConfig()
	cfg.ExitAccount = ""
	store := newMemoryStore()
	store.addClosure(1, ClosureLocked, cfg,
		Adjustment{ID: 1, ItemCode: "A100", Warehouse: "CJN-01", Direction: DirectionEntry, Quantity: 1},
		Adjustment{ID: 2, ItemCode: "A100", Warehouse: "CJN-01", Direction: DirectionExit, Quantity: 1},
	)
	conn := newFakeConnector("A100")

	sum, err := newTestEngine(store, conn, Policy{}).Process(context.Background(), loadBatch(t, store, 1))
	require.NoError(t, err)
	require.Equal(t, Summary{Groups: 2, Committed: 1, Failed: 1}, sum)
	require.Equal(t, StateCommitted, store.record(1).State)
	rec := store.record(2)
	require.Equal(t, StateFailed, rec.State)
	require.Equal(t, "reconcile: invalid document: DocumentRequest.Lines[0].Account (required)", rec.Message)
	require.Len(t, conn.created(), 1)
}
