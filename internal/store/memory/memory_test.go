package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockrecon/backend/internal/domain"
	"stockrecon/backend/internal/store"
)

func newStoreWithProduct(t *testing.T, productID string, qty int) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	_, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: productID, Category: "grocery", DefaultMinStock: 2, DefaultMaxStock: 50})
	require.NoError(t, err)
	require.NoError(t, s.SetStock(ctx, "B1", productID, qty))
	return s
}

func finalizedSessionWithRequest(t *testing.T, s *Store, lines []domain.AdjustmentLine) domain.AdjustmentRequest {
	t.Helper()
	ctx := context.Background()
	session, err := s.CreateControlSession(ctx, domain.ControlSession{BranchID: "B1", InitiatorUserID: "u1", Scope: domain.SessionScopeFull})
	require.NoError(t, err)

	req := domain.AdjustmentRequest{
		ID:               "acr-" + session.ID,
		ControlSessionID: session.ID,
		BranchID:         "B1",
		RequestorUserID:  "u1",
		Lines:            lines,
		Status:           domain.RequestStatusPending,
		SubmittedAt:      time.Now().UTC(),
	}
	_, err = s.FinalizeControlSession(ctx, store.FinalizeParams{SessionID: session.ID, FinalizedAt: time.Now().UTC(), Request: &req})
	require.NoError(t, err)
	return req
}

func TestCreateControlSessionAllowsOneActivePerBranch(t *testing.T) {
	s := New()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateControlSession(ctx, domain.ControlSession{BranchID: "B1", InitiatorUserID: "u1"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
				return
			}
			assert.ErrorIs(t, err, store.ErrConflict)
			conflicts++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)

	_, err := s.CreateControlSession(ctx, domain.ControlSession{BranchID: "B2", InitiatorUserID: "u1"})
	assert.NoError(t, err, "other branches are independent")
}

func TestFinalizeReleasesBranchAndRejectsSecondFinalize(t *testing.T) {
	s := New()
	ctx := context.Background()
	session, err := s.CreateControlSession(ctx, domain.ControlSession{BranchID: "B1"})
	require.NoError(t, err)

	counted := []domain.CountedLine{{ProductID: "P1", CountedQuantity: 3}}
	done, err := s.FinalizeControlSession(ctx, store.FinalizeParams{SessionID: session.ID, CountedLines: counted})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFinalized, done.Status)
	assert.Equal(t, counted, done.CountedLines)

	_, err = s.FinalizeControlSession(ctx, store.FinalizeParams{SessionID: session.ID})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = s.GetActiveControlSession(ctx, "B1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateControlSession(ctx, domain.ControlSession{BranchID: "B1"})
	assert.NoError(t, err)
}

func TestApplyAdjustmentLinesIsIdempotentPerLine(t *testing.T) {
	s := newStoreWithProduct(t, "P1", 10)
	ctx := context.Background()
	req := finalizedSessionWithRequest(t, s, []domain.AdjustmentLine{
		{ID: "l1", ProductID: "P1", SystemQuantity: 10, CountedQuantity: 7, Delta: -3},
	})

	first, err := s.ApplyAdjustmentLines(ctx, store.ApplyParams{RequestID: req.ID, LineIDs: []string{"l1"}, DecidingUserID: "admin"})
	require.NoError(t, err)
	require.Len(t, first.Audit, 1)
	assert.Equal(t, domain.RequestStatusPending, first.Request.Status)

	again, err := s.ApplyAdjustmentLines(ctx, store.ApplyParams{RequestID: req.ID, LineIDs: []string{"l1"}, Finalize: true, DecidingUserID: "admin"})
	require.NoError(t, err)
	assert.Empty(t, again.Audit)
	assert.Equal(t, domain.RequestStatusAuthorized, again.Request.Status)

	records, err := s.GetLedgerRecords(ctx, "B1", []string{"P1"})
	require.NoError(t, err)
	assert.Equal(t, 7, records["P1"].Quantity)

	audit, err := s.ListAuditByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	_, err = s.ApplyAdjustmentLines(ctx, store.ApplyParams{RequestID: req.ID, LineIDs: []string{"l1"}, Finalize: true})
	assert.ErrorIs(t, err, store.ErrAlreadyDecided)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestApplyCreatesMissingLedgerRecordWithDefaults(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := finalizedSessionWithRequest(t, s, []domain.AdjustmentLine{
		{ID: "l1", ProductID: "NEW", SystemQuantity: 0, CountedQuantity: 6, Delta: 6},
	})

	res, err := s.ApplyAdjustmentLines(ctx, store.ApplyParams{
		RequestID: req.ID,
		LineIDs:   []string{"l1"},
		Finalize:  true,
		Defaults:  map[string]domain.Thresholds{"NEW": {Min: 1, Max: 9}},
	})
	require.NoError(t, err)
	require.Len(t, res.Audit, 1)
	assert.Equal(t, 0, res.Audit[0].QuantityBefore)
	assert.Equal(t, 6, res.Audit[0].QuantityAfter)

	records, err := s.GetLedgerRecords(ctx, "B1", []string{"NEW"})
	require.NoError(t, err)
	assert.Equal(t, domain.StockLedgerRecord{ProductID: "NEW", BranchID: "B1", Quantity: 6, MinThreshold: 1, MaxThreshold: 9, UpdatedAt: records["NEW"].UpdatedAt}, records["NEW"])
}

func TestApplyFinalizeRequiresEveryLine(t *testing.T) {
	s := newStoreWithProduct(t, "P1", 10)
	req := finalizedSessionWithRequest(t, s, []domain.AdjustmentLine{
		{ID: "l1", ProductID: "P1", SystemQuantity: 10, CountedQuantity: 7, Delta: -3},
		{ID: "l2", ProductID: "P2", SystemQuantity: 0, CountedQuantity: 1, Delta: 1},
	})

	_, err := s.ApplyAdjustmentLines(context.Background(), store.ApplyParams{RequestID: req.ID, LineIDs: []string{"l1"}, Finalize: true})
	require.ErrorIs(t, err, store.ErrInvalidState)

	records, err := s.GetLedgerRecords(context.Background(), "B1", []string{"P1"})
	require.NoError(t, err)
	assert.Equal(t, 10, records["P1"].Quantity, "rejected unit must not touch the ledger")
}

func TestRejectRefusesPartiallyAppliedRequest(t *testing.T) {
	s := newStoreWithProduct(t, "P1", 10)
	ctx := context.Background()
	req := finalizedSessionWithRequest(t, s, []domain.AdjustmentLine{
		{ID: "l1", ProductID: "P1", SystemQuantity: 10, CountedQuantity: 7, Delta: -3},
		{ID: "l2", ProductID: "P2", SystemQuantity: 0, CountedQuantity: 1, Delta: 1},
	})

	_, err := s.ApplyAdjustmentLines(ctx, store.ApplyParams{RequestID: req.ID, LineIDs: []string{"l1"}})
	require.NoError(t, err)

	_, err = s.RejectAdjustmentRequest(ctx, req.ID, "admin", "miscount", time.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyDecided)
}

func TestListPendingOrdersMostRecentFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	older := finalizedSessionWithRequest(t, s, []domain.AdjustmentLine{{ID: "a", ProductID: "P1", CountedQuantity: 1, Delta: 1}})
	newer := finalizedSessionWithRequest(t, s, []domain.AdjustmentLine{{ID: "b", ProductID: "P1", CountedQuantity: 2, Delta: 2}})

	pending, err := s.ListPendingAdjustmentRequests(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, newer.ID, pending[0].ID)
	assert.Equal(t, older.ID, pending[1].ID)

	_, err = s.RejectAdjustmentRequest(ctx, newer.ID, "admin", "recount", time.Now())
	require.NoError(t, err)

	pending, err = s.ListPendingAdjustmentRequests(ctx, "B1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, older.ID, pending[0].ID)

	pending, err = s.ListPendingAdjustmentRequests(ctx, "B2", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateAdjustmentRequestGuards(t *testing.T) {
	s := New()
	ctx := context.Background()
	session, err := s.CreateControlSession(ctx, domain.ControlSession{BranchID: "B1"})
	require.NoError(t, err)

	req := domain.AdjustmentRequest{
		ID:               "acr-1",
		ControlSessionID: session.ID,
		BranchID:         "B1",
		Lines:            []domain.AdjustmentLine{{ID: "l1", ProductID: "P1", CountedQuantity: 1, Delta: 1}},
		Status:           domain.RequestStatusPending,
	}
	_, err = s.CreateAdjustmentRequest(ctx, req)
	assert.ErrorIs(t, err, store.ErrInvalidState, "session still in progress")

	_, err = s.FinalizeControlSession(ctx, store.FinalizeParams{SessionID: session.ID})
	require.NoError(t, err)

	_, err = s.CreateAdjustmentRequest(ctx, req)
	require.NoError(t, err)

	req.ID = "acr-2"
	_, err = s.CreateAdjustmentRequest(ctx, req)
	assert.ErrorIs(t, err, store.ErrConflict)

	linked, err := s.GetControlSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "acr-1", linked.AdjustmentRequestID)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := finalizedSessionWithRequest(t, s, []domain.AdjustmentLine{{ID: "l1", ProductID: "P1", CountedQuantity: 1, Delta: 1}})

	got, err := s.GetAdjustmentRequest(ctx, req.ID)
	require.NoError(t, err)
	got.Lines[0].Delta = 99

	again, err := s.GetAdjustmentRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Lines[0].Delta)
}
