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

// OpenSession starts a physical count for a branch. A branch can hold only
// one in-progress session; a second attempt fails with store.ErrConflict.
func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.ControlSession, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.ControlSession{}, err
	}

	branchID := s.branchOrDefault(req.BranchID)
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = domain.SessionScopeFull
	}
	category := strings.TrimSpace(req.CategoryFilter)
	switch scope {
	case domain.SessionScopeFull:
		if category != "" {
			return domain.ControlSession{}, invalidInput("category_filter is only valid for partial sessions")
		}
	case domain.SessionScopePartial:
		if category == "" {
			return domain.ControlSession{}, invalidInput("partial sessions require category_filter")
		}
	default:
		return domain.ControlSession{}, invalidInput("unknown scope %q", scope)
	}

	saved, err := s.repo.CreateControlSession(ctx, domain.ControlSession{
		ID:              xid.New("cs"),
		BranchID:        branchID,
		InitiatorUserID: actor.Username,
		Scope:           scope,
		CategoryFilter:  category,
		Status:          domain.SessionStatusInProgress,
		StartedAt:       s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictsTotal.WithLabelValues("open_session").Inc()
			return domain.ControlSession{}, fmt.Errorf("%w: branch %s already has a control session in progress", store.ErrConflict, branchID)
		}
		return domain.ControlSession{}, err
	}

	s.invalidateActiveSession(ctx, branchID)
	metrics.SessionsTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("control session opened",
		zap.String("session_id", saved.ID),
		zap.String("branch_id", branchID),
		zap.String("scope", scope),
		zap.String("initiator", actor.Username),
	)
	return *saved, nil
}

// GetActiveSession returns the in-progress session of a branch, or nil when
// the branch has none.
//
// A cached entry only names the session; its row is re-read so a reader that
// cached the session while it was being finalized cannot keep serving it.
func (s *Service) GetActiveSession(ctx context.Context, branchID string) (*domain.ControlSession, error) {
	branchID = s.branchOrDefault(branchID)

	cached, ok, err := s.sessions.Get(ctx, branchID)
	if err != nil {
		logging.L(ctx).Warn("active session cache read failed", zap.String("branch_id", branchID), zap.Error(err))
	} else if ok && cached != nil {
		current, err := s.repo.GetControlSession(ctx, cached.ID)
		switch {
		case err == nil && !current.IsFinalized() && current.BranchID == branchID:
			return current, nil
		case err == nil || errors.Is(err, store.ErrNotFound):
			s.invalidateActiveSession(ctx, branchID)
		default:
			return nil, err
		}
	}

	session, err := s.repo.GetActiveControlSession(ctx, branchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if err := s.sessions.Set(ctx, branchID, session, s.sessionCacheTTL); err != nil {
		logging.L(ctx).Warn("active session cache write failed", zap.String("branch_id", branchID), zap.Error(err))
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.ControlSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ControlSession{}, invalidInput("session id is required")
	}
	session, err := s.repo.GetControlSession(ctx, sessionID)
	if err != nil {
		return domain.ControlSession{}, err
	}
	return *session, nil
}

// FinalizeSession records the counted snapshot, computes discrepancies and,
// when there are any, creates the pending adjustment request in the same
// store call. A count with no discrepancies finalizes without a request.
func (s *Service) FinalizeSession(ctx context.Context, sessionID string, counted []domain.CountedLine) (domain.SessionFinalizeResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.SessionFinalizeResponse{}, err
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionFinalizeResponse{}, err
	}
	if session.Status != domain.SessionStatusInProgress {
		return domain.SessionFinalizeResponse{}, fmt.Errorf("%w: session %s is already finalized", store.ErrInvalidState, session.ID)
	}

	counted, err = normalizeCountedLines(counted)
	if err != nil {
		return domain.SessionFinalizeResponse{}, err
	}
	if session.Scope == domain.SessionScopePartial {
		if err := s.checkCategory(ctx, session.CategoryFilter, counted); err != nil {
			return domain.SessionFinalizeResponse{}, err
		}
	}

	lines, err := s.calculator.Compute(ctx, session.BranchID, counted)
	if err != nil {
		return domain.SessionFinalizeResponse{}, err
	}

	now := s.now()
	var request *domain.AdjustmentRequest
	if len(lines) > 0 {
		request = &domain.AdjustmentRequest{
			ID:               xid.New("acr"),
			ControlSessionID: session.ID,
			BranchID:         session.BranchID,
			RequestorUserID:  actor.Username,
			Lines:            assignLineIDs(lines),
			Status:           domain.RequestStatusPending,
			SubmittedAt:      now,
		}
	}

	finalized, err := s.repo.FinalizeControlSession(ctx, store.FinalizeParams{
		SessionID:    session.ID,
		CountedLines: counted,
		FinalizedAt:  now,
		Request:      request,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return domain.SessionFinalizeResponse{}, fmt.Errorf("%w: session %s is already finalized", store.ErrInvalidState, session.ID)
		}
		return domain.SessionFinalizeResponse{}, err
	}

	s.invalidateActiveSession(ctx, finalized.BranchID)
	metrics.SessionsTotal.WithLabelValues("finalized").Inc()
	if request != nil {
		metrics.AdjustmentRequestsTotal.WithLabelValues("submitted").Inc()
	}
	logging.L(ctx).Info("control session finalized",
		zap.String("session_id", finalized.ID),
		zap.String("branch_id", finalized.BranchID),
		zap.Int("counted_lines", len(counted)),
		zap.Int("discrepancies", len(lines)),
		zap.String("adjustment_request_id", finalized.AdjustmentRequestID),
	)
	return domain.SessionFinalizeResponse{Session: *finalized, Request: request}, nil
}

func (s *Service) checkCategory(ctx context.Context, category string, counted []domain.CountedLine) error {
	for _, line := range counted {
		got, err := s.catalog.Category(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalidInput("product %s is not in the catalog", line.ProductID)
			}
			return err
		}
		if !strings.EqualFold(got, category) {
			return invalidInput("product %s is outside category %s", line.ProductID, category)
		}
	}
	return nil
}

func (s *Service) invalidateActiveSession(ctx context.Context, branchID string) {
	if err := s.sessions.Delete(ctx, branchID); err != nil {
		logging.L(ctx).Warn("active session cache invalidation failed", zap.String("branch_id", branchID), zap.Error(err))
	}
}

func normalizeCountedLines(counted []domain.CountedLine) ([]domain.CountedLine, error) {
	out := make([]domain.CountedLine, 0, len(counted))
	seen := make(map[string]struct{}, len(counted))
	for _, line := range counted {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return nil, invalidInput("counted line without product_id")
		}
		if line.CountedQuantity < 0 {
			return nil, invalidInput("counted quantity for %s must not be negative", line.ProductID)
		}
		if _, dup := seen[line.ProductID]; dup {
			return nil, invalidInput("product %s counted twice", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
		out = append(out, line)
	}
	return out, nil
}

func assignLineIDs(lines []domain.AdjustmentLine) []domain.AdjustmentLine {
	out := make([]domain.AdjustmentLine, len(lines))
	for i, line := range lines {
		line.ID = xid.New("acl")
		out[i] = line
	}
	return out
}
