package reconcile

import (
	"context"

	"stockrecon/backend/internal/domain"
)

// LedgerReader is the slice of the repository the calculator needs.
type LedgerReader interface {
	GetLedgerRecords(ctx context.Context, branchID string, productIDs []string) (map[string]domain.StockLedgerRecord, error)
}

type Calculator struct {
	ledger LedgerReader
}

func NewCalculator(ledger LedgerReader) *Calculator {
	return &Calculator{ledger: ledger}
}

// Compute reads the current ledger quantity of every counted product in one
// call and diffs it against the count. Read errors are returned unchanged.
func (c *Calculator) Compute(ctx context.Context, branchID string, counted []domain.CountedLine) ([]domain.AdjustmentLine, error) {
	if len(counted) == 0 {
		return []domain.AdjustmentLine{}, nil
	}

	productIDs := make([]string, 0, len(counted))
	for _, line := range counted {
		productIDs = append(productIDs, line.ProductID)
	}

	records, err := c.ledger.GetLedgerRecords(ctx, branchID, productIDs)
	if err != nil {
		return nil, err
	}

	system := make(map[string]int, len(records))
	for productID, record := range records {
		system[productID] = record.Quantity
	}
	return Diff(counted, system), nil
}

// Diff returns one line per counted product whose quantity differs from the
// system quantity, in counted order. Products missing from system count as 0.
// Line IDs are left empty; they are assigned when the request is created.
func Diff(counted []domain.CountedLine, system map[string]int) []domain.AdjustmentLine {
	lines := make([]domain.AdjustmentLine, 0, len(counted))
	for _, line := range counted {
		systemQty := system[line.ProductID]
		delta := line.CountedQuantity - systemQty
		if delta == 0 {
			continue
		}
		lines = append(lines, domain.AdjustmentLine{
			ProductID:       line.ProductID,
			SystemQuantity:  systemQty,
			CountedQuantity: line.CountedQuantity,
			Delta:           delta,
		})
	}
	return lines
}
