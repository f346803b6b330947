package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockrecon/backend/internal/domain"
	"stockrecon/backend/internal/store"
	"stockrecon/backend/internal/xid"
)

const DefaultBranchID = "main-branch"

type Store struct {
	mu                    sync.RWMutex
	products              map[string]domain.Product
	ledger                map[string]map[string]domain.StockLedgerRecord
	sessionsByID          map[string]domain.ControlSession
	activeSessionByBranch map[string]string
	requestsByID          map[string]domain.AdjustmentRequest
	auditRecords          []domain.AuditRecord
	usersByUsername       map[string]domain.UserAccount
}

// New returns an empty store with no catalog, stock or users.
func New() *Store {
	return &Store{
		products:              make(map[string]domain.Product),
		ledger:                make(map[string]map[string]domain.StockLedgerRecord),
		sessionsByID:          make(map[string]domain.ControlSession),
		activeSessionByBranch: make(map[string]string),
		requestsByID:          make(map[string]domain.AdjustmentRequest),
		auditRecords:          make([]domain.AuditRecord, 0, 128),
		usersByUsername:       make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD.
// When unset, dev defaults are used and a warning is logged.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		zap.L().Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small demo catalog stocked in DefaultBranchID.
func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "SKU-MIE-01", Name: "Instant Noodles", Category: "grocery", DefaultMinStock: 24, DefaultMaxStock: 240, Active: true},
		{ID: "SKU-TELUR-01", Name: "Eggs 10 pack", Category: "grocery", DefaultMinStock: 10, DefaultMaxStock: 80, Active: true},
		{ID: "SKU-SUSU-01", Name: "UHT Milk 1L", Category: "dairy", DefaultMinStock: 12, DefaultMaxStock: 96, Active: true},
		{ID: "SKU-ROTI-01", Name: "White Bread", Category: "bakery", DefaultMinStock: 8, DefaultMaxStock: 40, Active: true},
		{ID: "SKU-KOPI-01", Name: "Coffee Sachet", Category: "beverage", DefaultMinStock: 30, DefaultMaxStock: 300, Active: true},
		{ID: "SKU-GULA-01", Name: "Sugar 1kg", Category: "grocery", DefaultMinStock: 10, DefaultMaxStock: 120, Active: true},
		{ID: "SKU-TEH-01", Name: "Tea Bags", Category: "beverage", DefaultMinStock: 12, DefaultMaxStock: 144, Active: true},
		{ID: "SKU-AIR-01", Name: "Mineral Water 600ml", Category: "beverage", DefaultMinStock: 48, DefaultMaxStock: 480, Active: true},
		{ID: "SKU-SABUN-01", Name: "Bath Soap", Category: "household", DefaultMinStock: 12, DefaultMaxStock: 120, Active: true},
	}

	s := New()
	s.usersByUsername = seedUsers()
	now := time.Now().UTC()
	branch := make(map[string]domain.StockLedgerRecord, len(products))
	for _, p := range products {
		s.products[p.ID] = p
		branch[p.ID] = domain.StockLedgerRecord{
			ProductID:    p.ID,
			BranchID:     DefaultBranchID,
			Quantity:     120,
			MinThreshold: p.DefaultMinStock,
			MaxThreshold: p.DefaultMaxStock,
			UpdatedAt:    now,
		}
	}
	s.ledger[DefaultBranchID] = branch
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Category == "" {
		return nil, store.ErrInvalidInput
	}
	if product.DefaultMinStock < 0 || product.DefaultMaxStock < product.DefaultMinStock {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	product.Active = true
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetLedgerRecords(_ context.Context, branchID string, productIDs []string) (map[string]domain.StockLedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.StockLedgerRecord, len(productIDs))
	branch := s.ledger[branchID]
	for _, productID := range productIDs {
		if record, ok := branch[productID]; ok {
			result[productID] = record
		}
	}
	return result, nil
}

// SetStock overwrites a ledger quantity, creating the record with the
// product's default thresholds. It stands in for sales and receiving.
func (s *Store) SetStock(_ context.Context, branchID string, productID string, qty int) error {
	if branchID == "" || productID == "" || qty < 0 {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	branch, ok := s.ledger[branchID]
	if !ok {
		branch = make(map[string]domain.StockLedgerRecord)
		s.ledger[branchID] = branch
	}
	record, ok := branch[productID]
	if !ok {
		record = domain.StockLedgerRecord{
			ProductID:    productID,
			BranchID:     branchID,
			MinThreshold: product.DefaultMinStock,
			MaxThreshold: product.DefaultMaxStock,
		}
	}
	record.Quantity = qty
	record.UpdatedAt = time.Now().UTC()
	branch[productID] = record
	return nil
}

func (s *Store) CreateControlSession(_ context.Context, session domain.ControlSession) (*domain.ControlSession, error) {
	if strings.TrimSpace(session.BranchID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activeSessionByBranch[session.BranchID]; exists {
		return nil, store.ErrConflict
	}
	if session.ID == "" {
		session.ID = xid.New("cs")
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusInProgress
	session.FinalizedAt = nil
	session.CountedLines = nil
	session.AdjustmentsApplied = false
	session.AdjustmentRequestID = ""

	s.sessionsByID[session.ID] = session
	s.activeSessionByBranch[session.BranchID] = session.ID
	saved := cloneSession(session)
	return &saved, nil
}

func (s *Store) GetControlSession(_ context.Context, sessionID string) (*domain.ControlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) GetActiveControlSession(_ context.Context, branchID string) (*domain.ControlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.activeSessionByBranch[branchID]
	if !exists {
		return nil, store.ErrNotFound
	}
	session, exists := s.sessionsByID[sessionID]
	if !exists || session.Status != domain.SessionStatusInProgress {
		return nil, store.ErrNotFound
	}
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) FinalizeControlSession(_ context.Context, params store.FinalizeParams) (*domain.ControlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[params.SessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, store.ErrInvalidState
	}
	if params.Request != nil {
		if _, dup := s.requestsByID[params.Request.ID]; dup || params.Request.ID == "" {
			return nil, store.ErrConflict
		}
	}

	finalizedAt := params.FinalizedAt
	if finalizedAt.IsZero() {
		finalizedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusFinalized
	session.FinalizedAt = &finalizedAt
	session.CountedLines = slices.Clone(params.CountedLines)
	if params.Request != nil {
		req := cloneRequest(*params.Request)
		s.requestsByID[req.ID] = req
		session.AdjustmentRequestID = req.ID
	}

	s.sessionsByID[session.ID] = session
	delete(s.activeSessionByBranch, session.BranchID)
	saved := cloneSession(session)
	return &saved, nil
}

func (s *Store) CreateAdjustmentRequest(_ context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentRequest, error) {
	if req.ID == "" || req.ControlSessionID == "" || len(req.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[req.ControlSessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusFinalized {
		return nil, store.ErrInvalidState
	}
	if session.BranchID != req.BranchID {
		return nil, store.ErrInvalidInput
	}
	if session.AdjustmentRequestID != "" {
		return nil, store.ErrConflict
	}
	if _, dup := s.requestsByID[req.ID]; dup {
		return nil, store.ErrConflict
	}

	saved := cloneRequest(req)
	s.requestsByID[saved.ID] = saved
	session.AdjustmentRequestID = saved.ID
	s.sessionsByID[session.ID] = session

	out := cloneRequest(saved)
	return &out, nil
}

func (s *Store) GetAdjustmentRequest(_ context.Context, requestID string) (*domain.AdjustmentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requestsByID[requestID]
	if !exists {
		return nil, store.ErrNotFound
	}
	out := cloneRequest(req)
	return &out, nil
}

func (s *Store) ListPendingAdjustmentRequests(_ context.Context, branchID string, limit int) ([]domain.AdjustmentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AdjustmentRequest, 0, 16)
	for _, req := range s.requestsByID {
		if req.Status != domain.RequestStatusPending {
			continue
		}
		if branchID != "" && req.BranchID != branchID {
			continue
		}
		result = append(result, cloneRequest(req))
	}

	slices.SortFunc(result, func(a, b domain.AdjustmentRequest) int {
		if a.SubmittedAt.Equal(b.SubmittedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.SubmittedAt.After(b.SubmittedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ApplyAdjustmentLines runs one authorization unit under the write lock.
// All validation happens before the first mutation so a rejected unit leaves
// no trace.
func (s *Store) ApplyAdjustmentLines(_ context.Context, params store.ApplyParams) (*store.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requestsByID[params.RequestID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return nil, store.ErrAlreadyDecided
	}

	linesByID := make(map[string]domain.AdjustmentLine, len(req.Lines))
	for _, line := range req.Lines {
		linesByID[line.ID] = line
	}
	toApply := make([]domain.AdjustmentLine, 0, len(params.LineIDs))
	for _, lineID := range params.LineIDs {
		line, ok := linesByID[lineID]
		if !ok {
			return nil, store.ErrInvalidInput
		}
		if req.IsLineApplied(lineID) {
			continue
		}
		toApply = append(toApply, line)
	}
	if params.Finalize {
		applied := make(map[string]struct{}, len(req.AppliedLineIDs)+len(toApply))
		for _, id := range req.AppliedLineIDs {
			applied[id] = struct{}{}
		}
		for _, line := range toApply {
			applied[line.ID] = struct{}{}
		}
		if len(applied) != len(req.Lines) {
			return nil, store.ErrInvalidState
		}
	}

	appliedAt := params.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}
	branch, ok := s.ledger[req.BranchID]
	if !ok {
		branch = make(map[string]domain.StockLedgerRecord)
		s.ledger[req.BranchID] = branch
	}

	audit := make([]domain.AuditRecord, 0, len(toApply))
	for _, line := range toApply {
		record, ok := branch[line.ProductID]
		if !ok {
			defaults := params.Defaults[line.ProductID]
			record = domain.StockLedgerRecord{
				ProductID:    line.ProductID,
				BranchID:     req.BranchID,
				MinThreshold: defaults.Min,
				MaxThreshold: defaults.Max,
			}
		}
		before := record.Quantity
		record.Quantity = before + line.Delta
		record.UpdatedAt = appliedAt
		branch[line.ProductID] = record

		entry := domain.AuditRecord{
			ID:                  xid.New("aud"),
			AdjustmentRequestID: req.ID,
			LineID:              line.ID,
			ProductID:           line.ProductID,
			BranchID:            req.BranchID,
			QuantityBefore:      before,
			QuantityAfter:       record.Quantity,
			DecidingUserID:      params.DecidingUserID,
			AppliedAt:           appliedAt,
		}
		s.auditRecords = append(s.auditRecords, entry)
		audit = append(audit, entry)
		req.AppliedLineIDs = append(req.AppliedLineIDs, line.ID)
	}

	if params.Finalize {
		req.Status = domain.RequestStatusAuthorized
		req.DecidedAt = &appliedAt
		req.DecidingUserID = params.DecidingUserID
		if session, ok := s.sessionsByID[req.ControlSessionID]; ok {
			session.AdjustmentsApplied = true
			s.sessionsByID[session.ID] = session
		}
	}
	s.requestsByID[req.ID] = req

	return &store.ApplyResult{Request: cloneRequest(req), Audit: audit}, nil
}

func (s *Store) RejectAdjustmentRequest(_ context.Context, requestID string, decidingUserID string, reason string, at time.Time) (*domain.AdjustmentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requestsByID[requestID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending || len(req.AppliedLineIDs) > 0 {
		return nil, store.ErrAlreadyDecided
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	req.Status = domain.RequestStatusRejected
	req.DecidedAt = &at
	req.DecidingUserID = decidingUserID
	req.RejectionReason = reason
	s.requestsByID[req.ID] = req

	out := cloneRequest(req)
	return &out, nil
}

func (s *Store) ListAuditByProduct(_ context.Context, productID string, branchID string, limit int) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditRecord, 0, 32)
	for i := len(s.auditRecords) - 1; i >= 0; i-- {
		entry := s.auditRecords[i]
		if entry.ProductID != productID {
			continue
		}
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListAuditByRequest(_ context.Context, requestID string) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditRecord, 0, 16)
	for _, entry := range s.auditRecords {
		if entry.AdjustmentRequestID == requestID {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSession(src domain.ControlSession) domain.ControlSession {
	dst := src
	dst.CountedLines = slices.Clone(src.CountedLines)
	if src.FinalizedAt != nil {
		at := *src.FinalizedAt
		dst.FinalizedAt = &at
	}
	return dst
}

func cloneRequest(src domain.AdjustmentRequest) domain.AdjustmentRequest {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	dst.AppliedLineIDs = slices.Clone(src.AppliedLineIDs)
	if src.DecidedAt != nil {
		at := *src.DecidedAt
		dst.DecidedAt = &at
	}
	return dst
}
