package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"stockrecon/backend/internal/domain"
	"stockrecon/backend/internal/logging"
	"stockrecon/backend/internal/metrics"
	"stockrecon/backend/internal/store"
	"stockrecon/backend/internal/xid"
)

// Submit creates a pending adjustment request for a finalized session that
// does not own one yet. FinalizeSession already does this for computed
// discrepancies; Submit covers requests assembled by the caller.
func (s *Service) Submit(ctx context.Context, req domain.AdjustmentSubmitRequest) (domain.AdjustmentRequest, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.AdjustmentRequest{}, err
	}
	if len(req.Lines) == 0 {
		return domain.AdjustmentRequest{}, invalidInput("adjustment request needs at least one line")
	}

	session, err := s.GetSession(ctx, req.ControlSessionID)
	if err != nil {
		return domain.AdjustmentRequest{}, err
	}
	if session.Status != domain.SessionStatusFinalized {
		return domain.AdjustmentRequest{}, fmt.Errorf("%w: session %s is still in progress", store.ErrInvalidState, session.ID)
	}
	branchID := strings.TrimSpace(req.BranchID)
	if branchID == "" {
		branchID = session.BranchID
	}
	if branchID != session.BranchID {
		return domain.AdjustmentRequest{}, invalidInput("session %s belongs to branch %s", session.ID, session.BranchID)
	}
	if session.AdjustmentRequestID != "" {
		return domain.AdjustmentRequest{}, fmt.Errorf("%w: session %s already has adjustment request %s", store.ErrConflict, session.ID, session.AdjustmentRequestID)
	}

	lines, err := normalizeAdjustmentLines(req.Lines)
	if err != nil {
		return domain.AdjustmentRequest{}, err
	}

	saved, err := s.repo.CreateAdjustmentRequest(ctx, domain.AdjustmentRequest{
		ID:               xid.New("acr"),
		ControlSessionID: session.ID,
		BranchID:         branchID,
		RequestorUserID:  actor.Username,
		Lines:            assignLineIDs(lines),
		Status:           domain.RequestStatusPending,
		SubmittedAt:      s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictsTotal.WithLabelValues("submit").Inc()
		}
		return domain.AdjustmentRequest{}, err
	}

	metrics.AdjustmentRequestsTotal.WithLabelValues("submitted").Inc()
	logging.L(ctx).Info("adjustment request submitted",
		zap.String("adjustment_request_id", saved.ID),
		zap.String("session_id", session.ID),
		zap.String("branch_id", branchID),
		zap.Int("lines", len(saved.Lines)),
	)
	return *saved, nil
}

// ListPending returns pending requests, most recently submitted first.
// An empty branchID lists every branch.
func (s *Service) ListPending(ctx context.Context, branchID string, limit int) ([]domain.AdjustmentRequest, error) {
	return s.repo.ListPendingAdjustmentRequests(ctx, strings.TrimSpace(branchID), clampLimit(limit, 50, 500))
}

func (s *Service) GetRequest(ctx context.Context, requestID string) (domain.AdjustmentRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.AdjustmentRequest{}, invalidInput("adjustment request id is required")
	}
	req, err := s.repo.GetAdjustmentRequest(ctx, requestID)
	if err != nil {
		return domain.AdjustmentRequest{}, err
	}
	return *req, nil
}

func normalizeAdjustmentLines(lines []domain.AdjustmentLine) ([]domain.AdjustmentLine, error) {
	out := make([]domain.AdjustmentLine, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return nil, invalidInput("adjustment line without product_id")
		}
		if line.CountedQuantity < 0 {
			return nil, invalidInput("counted quantity for %s must not be negative", line.ProductID)
		}
		if line.Delta == 0 {
			return nil, invalidInput("adjustment line for %s has zero delta", line.ProductID)
		}
		if line.Delta != line.CountedQuantity-line.SystemQuantity {
			return nil, invalidInput("delta for %s does not equal counted minus system quantity", line.ProductID)
		}
		if _, dup := seen[line.ProductID]; dup {
			return nil, invalidInput("product %s appears twice", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
		line.ID = ""
		out = append(out, line)
	}
	return out, nil
}
