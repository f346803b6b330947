package events

import (
	"context"
	"time"

	"stockrecon/backend/internal/domain"
)

const TypeAdjustmentApplied = "stock.adjustment.applied"

// AdjustmentApplied is the message emitted for every committed audit record.
type AdjustmentApplied struct {
	Type                string    `json:"type"`
	AuditRecordID       string    `json:"audit_record_id"`
	AdjustmentRequestID string    `json:"adjustment_request_id"`
	LineID              string    `json:"line_id"`
	ProductID           string    `json:"product_id"`
	BranchID            string    `json:"branch_id"`
	QuantityBefore      int       `json:"quantity_before"`
	QuantityAfter       int       `json:"quantity_after"`
	Delta               int       `json:"delta"`
	DecidingUserID      string    `json:"deciding_user_id"`
	AppliedAt           time.Time `json:"applied_at"`
}

func NewAdjustmentApplied(record domain.AuditRecord) AdjustmentApplied {
	return AdjustmentApplied{
		Type:                TypeAdjustmentApplied,
		AuditRecordID:       record.ID,
		AdjustmentRequestID: record.AdjustmentRequestID,
		LineID:              record.LineID,
		ProductID:           record.ProductID,
		BranchID:            record.BranchID,
		QuantityBefore:      record.QuantityBefore,
		QuantityAfter:       record.QuantityAfter,
		Delta:               record.QuantityAfter - record.QuantityBefore,
		DecidingUserID:      record.DecidingUserID,
		AppliedAt:           record.AppliedAt,
	}
}

// Publisher announces committed adjustments to downstream consumers.
// It is only called after the authorization unit has committed.
type Publisher interface {
	PublishApplied(ctx context.Context, records []domain.AuditRecord) error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishApplied(_ context.Context, _ []domain.AuditRecord) error {
	return nil
}
