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
)

const maxRejectionReasonLen = 500

// Authorize applies every line of a pending request to the stock ledger,
// appends one audit record per line and marks the request authorized.
//
// Each store unit is atomic. With a chunk size configured the lines are spread
// over several units and only the last one flips the status; lines committed
// by an earlier attempt carry an applied marker and are skipped, so a caller
// that got store.ErrTransient can retry the whole call. A request that is no
// longer pending yields store.ErrAlreadyDecided, which must not be retried.
func (s *Service) Authorize(ctx context.Context, requestID string) (domain.AuthorizationResponse, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.AuthorizationResponse{}, err
	}
	done := metrics.ObserveOp("authorize")
	defer done()

	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return domain.AuthorizationResponse{}, err
	}
	if req.IsTerminal() {
		return domain.AuthorizationResponse{}, alreadyDecided(req)
	}

	pending := req.PendingLines()
	defaults, err := s.resolveDefaults(ctx, req.BranchID, pending)
	if err != nil {
		return domain.AuthorizationResponse{}, err
	}

	units := chunkLineIDs(pending, s.chunkSize)
	applied := make([]domain.AuditRecord, 0, len(pending))
	var result *store.ApplyResult
	for i, lineIDs := range units {
		result, err = s.repo.ApplyAdjustmentLines(ctx, store.ApplyParams{
			RequestID:      req.ID,
			LineIDs:        lineIDs,
			Finalize:       i == len(units)-1,
			DecidingUserID: actor.Username,
			AppliedAt:      s.now(),
			Defaults:       defaults,
		})
		if result != nil {
			applied = append(applied, result.Audit...)
		}
		if err != nil {
			// A result alongside the error means this unit committed.
			if result == nil {
				err = s.decidedElsewhere(ctx, req.ID, err, false)
			}
			break
		}
	}

	// Units that committed before a failure are durable and get announced.
	if len(applied) > 0 {
		metrics.LinesAppliedTotal.Add(float64(len(applied)))
		s.publishApplied(ctx, applied)
	}
	if err != nil {
		if errors.Is(err, store.ErrAlreadyDecided) {
			metrics.ConflictsTotal.WithLabelValues("authorize").Inc()
		}
		logging.L(ctx).Warn("adjustment authorization stopped",
			zap.String("adjustment_request_id", req.ID),
			zap.Int("lines_committed", len(applied)),
			zap.Error(err),
		)
		return domain.AuthorizationResponse{}, err
	}

	metrics.AdjustmentRequestsTotal.WithLabelValues("authorized").Inc()
	logging.L(ctx).Info("adjustment request authorized",
		zap.String("adjustment_request_id", req.ID),
		zap.String("branch_id", req.BranchID),
		zap.String("decided_by", actor.Username),
		zap.Int("lines", len(req.Lines)),
		zap.Int("units", len(units)),
	)
	return domain.AuthorizationResponse{Request: result.Request, AuditRecords: applied}, nil
}

// Reject moves a pending request to rejected. The ledger and the audit trail
// are left untouched.
func (s *Service) Reject(ctx context.Context, requestID string, reason string) (domain.AdjustmentRequest, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.AdjustmentRequest{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.AdjustmentRequest{}, invalidInput("rejection reason is required")
	}
	if len(reason) > maxRejectionReasonLen {
		return domain.AdjustmentRequest{}, invalidInput("rejection reason exceeds %d characters", maxRejectionReasonLen)
	}

	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return domain.AdjustmentRequest{}, err
	}
	if req.IsTerminal() {
		return domain.AdjustmentRequest{}, alreadyDecided(req)
	}

	rejected, err := s.repo.RejectAdjustmentRequest(ctx, req.ID, actor.Username, reason, s.now())
	if err != nil {
		err = s.decidedElsewhere(ctx, req.ID, err, true)
		if errors.Is(err, store.ErrAlreadyDecided) {
			metrics.ConflictsTotal.WithLabelValues("reject").Inc()
		}
		return domain.AdjustmentRequest{}, err
	}

	metrics.AdjustmentRequestsTotal.WithLabelValues("rejected").Inc()
	logging.L(ctx).Info("adjustment request rejected",
		zap.String("adjustment_request_id", rejected.ID),
		zap.String("branch_id", rejected.BranchID),
		zap.String("decided_by", actor.Username),
	)
	return *rejected, nil
}

// resolveDefaults returns catalog thresholds for products that have no ledger
// record in the branch yet. Unknown products fail with store.ErrNotFound.
func (s *Service) resolveDefaults(ctx context.Context, branchID string, lines []domain.AdjustmentLine) (map[string]domain.Thresholds, error) {
	defaults := make(map[string]domain.Thresholds)
	if len(lines) == 0 {
		return defaults, nil
	}

	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}
	records, err := s.repo.GetLedgerRecords(ctx, branchID, productIDs)
	if err != nil {
		return nil, err
	}

	for _, productID := range productIDs {
		if _, ok := records[productID]; ok {
			continue
		}
		exists, err := s.catalog.Exists(ctx, productID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: product %s is not in the catalog", store.ErrNotFound, productID)
		}
		thresholds, err := s.catalog.DefaultThresholds(ctx, productID)
		if err != nil {
			return nil, err
		}
		defaults[productID] = thresholds
	}
	return defaults, nil
}

func (s *Service) publishApplied(ctx context.Context, records []domain.AuditRecord) {
	if err := s.publisher.PublishApplied(ctx, records); err != nil {
		logging.L(ctx).Warn("publishing applied adjustments failed",
			zap.Int("records", len(records)),
			zap.Error(err),
		)
	}
}

// chunkLineIDs splits line IDs into units of at most size. It always returns
// at least one unit so a request whose lines are all applied can still be
// finalized.
func chunkLineIDs(lines []domain.AdjustmentLine, size int) [][]string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ID)
	}
	if size <= 0 || len(ids) <= size {
		return [][]string{ids}
	}

	units := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		units = append(units, ids[start:end])
	}
	return units
}

// decidedElsewhere turns a transient store failure into store.ErrAlreadyDecided
// when the request was decided by a concurrent caller in the meantime. With
// refuseApplied set, a request with committed lines also counts as decided.
// Any other error is returned unchanged.
func (s *Service) decidedElsewhere(ctx context.Context, requestID string, err error, refuseApplied bool) error {
	if !errors.Is(err, store.ErrTransient) {
		return err
	}
	current, readErr := s.repo.GetAdjustmentRequest(ctx, requestID)
	if readErr != nil {
		return err
	}
	if current.IsTerminal() || (refuseApplied && len(current.AppliedLineIDs) > 0) {
		return alreadyDecided(*current)
	}
	return err
}

func alreadyDecided(req domain.AdjustmentRequest) error {
	return fmt.Errorf("%w: request %s is %s", store.ErrAlreadyDecided, req.ID, req.Status)
}
