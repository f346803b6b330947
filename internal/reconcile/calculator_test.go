package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockrecon/backend/internal/domain"
)

type fakeLedger struct {
	records map[string]domain.StockLedgerRecord
	err     error
	calls   int
}

func (f *fakeLedger) GetLedgerRecords(_ context.Context, _ string, productIDs []string) (map[string]domain.StockLedgerRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.StockLedgerRecord, len(productIDs))
	for _, id := range productIDs {
		if rec, ok := f.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func TestDiffDropsZeroDeltaAndKeepsCountedOrder(t *testing.T) {
	counted := []domain.CountedLine{
		{ProductID: "P3", CountedQuantity: 4},
		{ProductID: "P1", CountedQuantity: 7},
		{ProductID: "P2", CountedQuantity: 5},
	}
	system := map[string]int{"P1": 10, "P2": 5, "P3": 1}

	lines := Diff(counted, system)

	require.Len(t, lines, 2)
	assert.Equal(t, domain.AdjustmentLine{ProductID: "P3", SystemQuantity: 1, CountedQuantity: 4, Delta: 3}, lines[0])
	assert.Equal(t, domain.AdjustmentLine{ProductID: "P1", SystemQuantity: 10, CountedQuantity: 7, Delta: -3}, lines[1])
}

func TestDiffTreatsMissingRecordAsZero(t *testing.T) {
	lines := Diff([]domain.CountedLine{{ProductID: "NEW", CountedQuantity: 6}}, map[string]int{})

	require.Len(t, lines, 1)
	assert.Equal(t, 0, lines[0].SystemQuantity)
	assert.Equal(t, 6, lines[0].Delta)
}

func TestDiffAllMatchingYieldsNoLines(t *testing.T) {
	lines := Diff([]domain.CountedLine{{ProductID: "P1", CountedQuantity: 10}}, map[string]int{"P1": 10})
	assert.Empty(t, lines)
}

func TestComputeReadsLedgerOnce(t *testing.T) {
	ledger := &fakeLedger{records: map[string]domain.StockLedgerRecord{
		"P1": {ProductID: "P1", BranchID: "B1", Quantity: 10},
		"P2": {ProductID: "P2", BranchID: "B1", Quantity: 5},
	}}
	calc := NewCalculator(ledger)

	lines, err := calc.Compute(context.Background(), "B1", []domain.CountedLine{
		{ProductID: "P1", CountedQuantity: 7},
		{ProductID: "P2", CountedQuantity: 5},
		{ProductID: "P9", CountedQuantity: 2},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, ledger.calls)
	require.Len(t, lines, 2)
	assert.Equal(t, -3, lines[0].Delta)
	assert.Equal(t, "P9", lines[1].ProductID)
	assert.Equal(t, 2, lines[1].Delta)
}

func TestComputePropagatesLedgerError(t *testing.T) {
	readErr := errors.New("ledger offline")
	calc := NewCalculator(&fakeLedger{err: readErr})

	_, err := calc.Compute(context.Background(), "B1", []domain.CountedLine{{ProductID: "P1", CountedQuantity: 1}})
	require.ErrorIs(t, err, readErr)
}

func TestComputeEmptyCountSkipsLedger(t *testing.T) {
	ledger := &fakeLedger{}
	lines, err := NewCalculator(ledger).Compute(context.Background(), "B1", nil)

	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Zero(t, ledger.calls)
}
