package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockrecon/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidInput = errors.New("invalid input")
	ErrTransient    = errors.New("transient store failure")

	// ErrAlreadyDecided is the InvalidState case where the request reached a
	// terminal state (or started applying) before this call. Callers must not retry.
	ErrAlreadyDecided = fmt.Errorf("adjustment request already decided: %w", ErrInvalidState)
)

// FinalizeParams carries everything committed when a control session closes.
// Request is nil when the count produced no discrepancies.
type FinalizeParams struct {
	SessionID    string
	CountedLines []domain.CountedLine
	FinalizedAt  time.Time
	Request      *domain.AdjustmentRequest
}

// ApplyParams describes one atomic unit of an authorization. Lines already
// marked applied are skipped. When Finalize is set the unit also moves the
// request to authorized and flags the originating session.
type ApplyParams struct {
	RequestID      string
	LineIDs        []string
	Finalize       bool
	DecidingUserID string
	AppliedAt      time.Time
	// Defaults seeds thresholds for ledger records created by this unit.
	Defaults map[string]domain.Thresholds
}

// ApplyResult is returned together with an error when the unit committed but
// reading the request back failed; Audit then still holds the committed records.
type ApplyResult struct {
	Request domain.AdjustmentRequest
	Audit   []domain.AuditRecord
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	GetLedgerRecords(ctx context.Context, branchID string, productIDs []string) (map[string]domain.StockLedgerRecord, error)

	CreateControlSession(ctx context.Context, session domain.ControlSession) (*domain.ControlSession, error)
	GetControlSession(ctx context.Context, sessionID string) (*domain.ControlSession, error)
	GetActiveControlSession(ctx context.Context, branchID string) (*domain.ControlSession, error)
	FinalizeControlSession(ctx context.Context, params FinalizeParams) (*domain.ControlSession, error)

	CreateAdjustmentRequest(ctx context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentRequest, error)
	GetAdjustmentRequest(ctx context.Context, requestID string) (*domain.AdjustmentRequest, error)
	ListPendingAdjustmentRequests(ctx context.Context, branchID string, limit int) ([]domain.AdjustmentRequest, error)
	ApplyAdjustmentLines(ctx context.Context, params ApplyParams) (*ApplyResult, error)
	RejectAdjustmentRequest(ctx context.Context, requestID string, decidingUserID string, reason string, at time.Time) (*domain.AdjustmentRequest, error)

	ListAuditByProduct(ctx context.Context, productID string, branchID string, limit int) ([]domain.AuditRecord, error)
	ListAuditByRequest(ctx context.Context, requestID string) ([]domain.AuditRecord, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
