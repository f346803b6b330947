package domain

import "time"

type Product struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Category        string `json:"category"`
	DefaultMinStock int    `json:"default_min_stock"`
	DefaultMaxStock int    `json:"default_max_stock"`
	Active          bool   `json:"active"`
}

type ProductCreateRequest struct {
	ID              string `json:"id" validate:"required,max=64"`
	Name            string `json:"name" validate:"required,max=200"`
	Category        string `json:"category" validate:"required,max=100"`
	DefaultMinStock int    `json:"default_min_stock" validate:"gte=0"`
	DefaultMaxStock int    `json:"default_max_stock" validate:"gte=0"`
}

// Thresholds are the reorder bounds stored on a ledger record.
type Thresholds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type StockLedgerRecord struct {
	ProductID    string    `json:"product_id"`
	BranchID     string    `json:"branch_id"`
	Quantity     int       `json:"quantity"`
	MinThreshold int       `json:"min_threshold"`
	MaxThreshold int       `json:"max_threshold"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type StockLevelsResponse struct {
	BranchID string              `json:"branch_id"`
	Records  []StockLedgerRecord `json:"records"`
}

type CountedLine struct {
	ProductID       string `json:"product_id" validate:"required,max=64"`
	CountedQuantity int    `json:"counted_quantity" validate:"gte=0"`
}

type ControlSession struct {
	ID                  string        `json:"id"`
	BranchID            string        `json:"branch_id"`
	InitiatorUserID     string        `json:"initiator_user_id"`
	Scope               string        `json:"scope"`
	CategoryFilter      string        `json:"category_filter,omitempty"`
	Status              string        `json:"status"`
	StartedAt           time.Time     `json:"started_at"`
	FinalizedAt         *time.Time    `json:"finalized_at,omitempty"`
	CountedLines        []CountedLine `json:"counted_lines,omitempty"`
	AdjustmentsApplied  bool          `json:"adjustments_applied"`
	AdjustmentRequestID string        `json:"adjustment_request_id,omitempty"`
}

func (s ControlSession) IsFinalized() bool {
	return s.Status == SessionStatusFinalized
}

type SessionOpenRequest struct {
	BranchID       string `json:"branch_id" validate:"omitempty,max=64"`
	Scope          string `json:"scope" validate:"omitempty,oneof=full partial"`
	CategoryFilter string `json:"category_filter" validate:"max=100"`
}

type SessionFinalizeRequest struct {
	CountedLines []CountedLine `json:"counted_lines" validate:"dive"`
}

type SessionFinalizeResponse struct {
	Session ControlSession     `json:"session"`
	Request *AdjustmentRequest `json:"adjustment_request,omitempty"`
}

type AdjustmentLine struct {
	ID              string `json:"id"`
	ProductID       string `json:"product_id" validate:"required,max=64"`
	SystemQuantity  int    `json:"system_quantity"`
	CountedQuantity int    `json:"counted_quantity" validate:"gte=0"`
	Delta           int    `json:"delta"`
}

type AdjustmentRequest struct {
	ID               string           `json:"id"`
	ControlSessionID string           `json:"control_session_id"`
	BranchID         string           `json:"branch_id"`
	RequestorUserID  string           `json:"requestor_user_id"`
	Lines            []AdjustmentLine `json:"lines"`
	AppliedLineIDs   []string         `json:"applied_line_ids,omitempty"`
	Status           string           `json:"status"`
	SubmittedAt      time.Time        `json:"submitted_at"`
	DecidedAt        *time.Time       `json:"decided_at,omitempty"`
	DecidingUserID   string           `json:"deciding_user_id,omitempty"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
}

// IsTerminal reports whether the request has left pending_authorization.
func (r AdjustmentRequest) IsTerminal() bool {
	return r.Status != RequestStatusPending
}

func (r AdjustmentRequest) IsLineApplied(lineID string) bool {
	for _, id := range r.AppliedLineIDs {
		if id == lineID {
			return true
		}
	}
	return false
}

// PendingLines returns the lines that have no applied marker yet, in request order.
func (r AdjustmentRequest) PendingLines() []AdjustmentLine {
	pending := make([]AdjustmentLine, 0, len(r.Lines))
	for _, line := range r.Lines {
		if !r.IsLineApplied(line.ID) {
			pending = append(pending, line)
		}
	}
	return pending
}

type AdjustmentSubmitRequest struct {
	ControlSessionID string           `json:"control_session_id" validate:"required"`
	BranchID         string           `json:"branch_id" validate:"omitempty,max=64"`
	Lines            []AdjustmentLine `json:"lines" validate:"required,min=1,dive"`
}

type AdjustmentRejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type AdjustmentListResponse struct {
	Requests []AdjustmentRequest `json:"requests"`
}

type AuthorizationResponse struct {
	Request      AdjustmentRequest `json:"adjustment_request"`
	AuditRecords []AuditRecord     `json:"audit_records"`
}

// AuditRecord is one applied adjustment line. Records are never updated or deleted.
type AuditRecord struct {
	ID                  string    `json:"id"`
	AdjustmentRequestID string    `json:"adjustment_request_id"`
	LineID              string    `json:"line_id"`
	ProductID           string    `json:"product_id"`
	BranchID            string    `json:"branch_id"`
	QuantityBefore      int       `json:"quantity_before"`
	QuantityAfter       int       `json:"quantity_after"`
	DecidingUserID      string    `json:"deciding_user_id"`
	AppliedAt           time.Time `json:"applied_at"`
}

type AuditListResponse struct {
	Records []AuditRecord `json:"records"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

const (
	SessionScopeFull    = "full"
	SessionScopePartial = "partial"
)

const (
	SessionStatusInProgress = "in_progress"
	SessionStatusFinalized  = "finalized"
)

const (
	RequestStatusPending    = "pending_authorization"
	RequestStatusAuthorized = "authorized"
	RequestStatusRejected   = "rejected"
)
