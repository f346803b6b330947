package service

import (
	"context"
	"strings"

	"stockrecon/backend/internal/domain"
)

// QueryAuditByProduct lists applied adjustments for a product, newest first.
// An empty branchID spans every branch.
func (s *Service) QueryAuditByProduct(ctx context.Context, productID string, branchID string, limit int) ([]domain.AuditRecord, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, invalidInput("product_id is required")
	}
	return s.repo.ListAuditByProduct(ctx, productID, strings.TrimSpace(branchID), clampLimit(limit, 100, 1000))
}

// QueryAuditByRequest lists the audit records of one request in line order.
func (s *Service) QueryAuditByRequest(ctx context.Context, requestID string) ([]domain.AuditRecord, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditByRequest(ctx, req.ID)
}
