package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stockrecon/backend/internal/domain"
	"stockrecon/backend/internal/store"
	"stockrecon/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError(s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, default_min_stock, default_max_stock, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.DefaultMinStock, &p.DefaultMaxStock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Category == "" {
		return nil, store.ErrInvalidInput
	}
	if product.DefaultMinStock < 0 || product.DefaultMaxStock < product.DefaultMinStock {
		return nil, store.ErrInvalidInput
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, default_min_stock, default_max_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
	`, product.ID, product.Name, product.Category, product.DefaultMinStock, product.DefaultMaxStock, product.Active)
	if err != nil {
		return nil, mapError(err)
	}

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, default_min_stock, default_max_stock, active
		FROM products
		WHERE id = $1
	`, productID).Scan(&product.ID, &product.Name, &product.Category, &product.DefaultMinStock, &product.DefaultMaxStock, &product.Active)
	if err != nil {
		return nil, mapError(err)
	}
	return &product, nil
}

// GetLedgerRecords returns the records that exist. Missing products are
// absent from the map, not zero-filled.
func (s *Store) GetLedgerRecords(ctx context.Context, branchID string, productIDs []string) (map[string]domain.StockLedgerRecord, error) {
	result := make(map[string]domain.StockLedgerRecord, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, branch_id, quantity, min_threshold, max_threshold, updated_at
		FROM stock_ledger
		WHERE branch_id = $1 AND product_id = ANY($2)
	`, branchID, productIDs)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.StockLedgerRecord
		if err := rows.Scan(&r.ProductID, &r.BranchID, &r.Quantity, &r.MinThreshold, &r.MaxThreshold, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.UpdatedAt = r.UpdatedAt.UTC()
		result[r.ProductID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	return result, nil
}

// SetStock overwrites a ledger quantity, creating the record with the
// product's default thresholds.
func (s *Store) SetStock(ctx context.Context, branchID string, productID string, qty int) error {
	if branchID == "" || productID == "" || qty < 0 {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_ledger (branch_id, product_id, quantity, min_threshold, max_threshold, updated_at)
		SELECT $1, p.id, $3, p.default_min_stock, p.default_max_stock, now()
		FROM products p
		WHERE p.id = $2
		ON CONFLICT (branch_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, branchID, productID, qty)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateControlSession relies on the partial unique index over in-progress
// sessions: of two racing opens for a branch exactly one insert succeeds.
func (s *Store) CreateControlSession(ctx context.Context, session domain.ControlSession) (*domain.ControlSession, error) {
	if strings.TrimSpace(session.BranchID) == "" {
		return nil, store.ErrInvalidInput
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_sessions (
			id, branch_id, initiator_user_id, scope, category_filter, status,
			started_at, adjustments_applied
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false)
	`, session.ID, session.BranchID, session.InitiatorUserID, session.Scope,
		nullIfEmpty(session.CategoryFilter), session.Status, session.StartedAt.UTC())
	if err != nil {
		return nil, mapError(err)
	}

	saved := session
	return &saved, nil
}

func (s *Store) GetControlSession(ctx context.Context, sessionID string) (*domain.ControlSession, error) {
	session, err := loadSession(ctx, s.db, `WHERE id = $1`, sessionID)
	if err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

func (s *Store) GetActiveControlSession(ctx context.Context, branchID string) (*domain.ControlSession, error) {
	session, err := loadSession(ctx, s.db, `WHERE branch_id = $1 AND status = 'in_progress'`, branchID)
	if err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

func (s *Store) FinalizeControlSession(ctx context.Context, params store.FinalizeParams) (*domain.ControlSession, error) {
	if err := s.finalizeControlSession(ctx, params); err != nil {
		return nil, mapError(err)
	}
	return s.GetControlSession(ctx, params.SessionID)
}

func (s *Store) finalizeControlSession(ctx context.Context, params store.FinalizeParams) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var branchID, status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT branch_id, status
		FROM control_sessions
		WHERE id = $1
		FOR UPDATE
	`, params.SessionID).Scan(&branchID, &status)
	if err != nil {
		return err
	}
	if status != domain.SessionStatusInProgress {
		return store.ErrInvalidState
	}

	for i, line := range params.CountedLines {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO control_session_counts (session_id, line_no, product_id, counted_quantity)
			VALUES ($1,$2,$3,$4)
		`, params.SessionID, i+1, line.ProductID, line.CountedQuantity); err != nil {
			return err
		}
	}

	requestID := ""
	if params.Request != nil {
		req := *params.Request
		if req.ID == "" {
			return store.ErrInvalidInput
		}
		req.ControlSessionID = params.SessionID
		req.BranchID = branchID
		if err := insertRequest(ctx, pgTx, req); err != nil {
			return err
		}
		requestID = req.ID
	}

	finalizedAt := params.FinalizedAt
	if finalizedAt.IsZero() {
		finalizedAt = time.Now().UTC()
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE control_sessions
		SET status = 'finalized', finalized_at = $2, adjustment_request_id = $3
		WHERE id = $1
	`, params.SessionID, finalizedAt.UTC(), nullIfEmpty(requestID)); err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) CreateAdjustmentRequest(ctx context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentRequest, error) {
	if req.ID == "" || req.ControlSessionID == "" || len(req.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if err := s.createAdjustmentRequest(ctx, req); err != nil {
		return nil, mapError(err)
	}
	return s.GetAdjustmentRequest(ctx, req.ID)
}

func (s *Store) createAdjustmentRequest(ctx context.Context, req domain.AdjustmentRequest) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var branchID, status string
	var linkedRequest sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT branch_id, status, adjustment_request_id
		FROM control_sessions
		WHERE id = $1
		FOR UPDATE
	`, req.ControlSessionID).Scan(&branchID, &status, &linkedRequest)
	if err != nil {
		return err
	}
	if status != domain.SessionStatusFinalized {
		return store.ErrInvalidState
	}
	if branchID != req.BranchID {
		return store.ErrInvalidInput
	}
	if linkedRequest.Valid && linkedRequest.String != "" {
		return store.ErrConflict
	}

	if err := insertRequest(ctx, pgTx, req); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE control_sessions SET adjustment_request_id = $2 WHERE id = $1
	`, req.ControlSessionID, req.ID); err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) GetAdjustmentRequest(ctx context.Context, requestID string) (*domain.AdjustmentRequest, error) {
	req, err := loadRequest(ctx, s.db, requestID)
	if err != nil {
		return nil, mapError(err)
	}
	return req, nil
}

func (s *Store) ListPendingAdjustmentRequests(ctx context.Context, branchID string, limit int) ([]domain.AdjustmentRequest, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, control_session_id, branch_id, requestor_user_id, status,
			submitted_at, decided_at, deciding_user_id, rejection_reason
		FROM adjustment_requests
		WHERE status = 'pending_authorization' AND ($1 = '' OR branch_id = $1)
		ORDER BY submitted_at DESC, id DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	requests := make([]domain.AdjustmentRequest, 0, limit)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, mapError(err)
	}
	_ = rows.Close()

	if len(requests) == 0 {
		return requests, nil
	}
	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		ids = append(ids, req.ID)
	}
	lines, applied, err := loadLines(ctx, s.db, ids, false)
	if err != nil {
		return nil, mapError(err)
	}
	for i := range requests {
		requests[i].Lines = lines[requests[i].ID]
		requests[i].AppliedLineIDs = applied[requests[i].ID]
	}
	return requests, nil
}

// ApplyAdjustmentLines runs one authorization unit in a serializable
// transaction. The request row is locked first so competing Authorize and
// Reject calls queue behind it; the applied_at marker on each line and the
// unique line_id on audit_records keep a line from being applied twice.
func (s *Store) ApplyAdjustmentLines(ctx context.Context, params store.ApplyParams) (*store.ApplyResult, error) {
	audit, err := s.applyAdjustmentLines(ctx, params)
	if err != nil {
		return nil, s.decidedConcurrently(ctx, params.RequestID, mapError(err), false)
	}
	req, err := s.GetAdjustmentRequest(ctx, params.RequestID)
	if err != nil {
		return &store.ApplyResult{Audit: audit}, err
	}
	return &store.ApplyResult{Request: *req, Audit: audit}, nil
}

func (s *Store) applyAdjustmentLines(ctx context.Context, params store.ApplyParams) ([]domain.AuditRecord, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var sessionID, branchID, status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT control_session_id, branch_id, status
		FROM adjustment_requests
		WHERE id = $1
		FOR UPDATE
	`, params.RequestID).Scan(&sessionID, &branchID, &status)
	if err != nil {
		return nil, err
	}
	if status != domain.RequestStatusPending {
		return nil, store.ErrAlreadyDecided
	}

	linesByRequest, appliedByRequest, err := loadLines(ctx, pgTx, []string{params.RequestID}, true)
	if err != nil {
		return nil, err
	}
	lines := linesByRequest[params.RequestID]
	applied := make(map[string]struct{}, len(lines))
	for _, id := range appliedByRequest[params.RequestID] {
		applied[id] = struct{}{}
	}
	linesByID := make(map[string]domain.AdjustmentLine, len(lines))
	for _, line := range lines {
		linesByID[line.ID] = line
	}

	toApply := make([]domain.AdjustmentLine, 0, len(params.LineIDs))
	for _, lineID := range params.LineIDs {
		line, ok := linesByID[lineID]
		if !ok {
			return nil, store.ErrInvalidInput
		}
		if _, done := applied[lineID]; done {
			continue
		}
		toApply = append(toApply, line)
	}
	if params.Finalize && len(applied)+len(toApply) != len(lines) {
		return nil, store.ErrInvalidState
	}

	appliedAt := params.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}
	appliedAt = appliedAt.UTC()

	audit := make([]domain.AuditRecord, 0, len(toApply))
	for _, line := range toApply {
		var before int
		err := pgTx.QueryRowContext(ctx, `
			SELECT quantity
			FROM stock_ledger
			WHERE branch_id = $1 AND product_id = $2
			FOR UPDATE
		`, branchID, line.ProductID).Scan(&before)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		defaults := params.Defaults[line.ProductID]
		after := before + line.Delta

		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_ledger (branch_id, product_id, quantity, min_threshold, max_threshold, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (branch_id, product_id)
			DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
		`, branchID, line.ProductID, after, defaults.Min, defaults.Max, appliedAt); err != nil {
			return nil, err
		}

		entry := domain.AuditRecord{
			ID:                  xid.New("aud"),
			AdjustmentRequestID: params.RequestID,
			LineID:              line.ID,
			ProductID:           line.ProductID,
			BranchID:            branchID,
			QuantityBefore:      before,
			QuantityAfter:       after,
			DecidingUserID:      params.DecidingUserID,
			AppliedAt:           appliedAt,
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO audit_records (
				id, adjustment_request_id, line_id, product_id, branch_id,
				quantity_before, quantity_after, deciding_user_id, applied_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, entry.ID, entry.AdjustmentRequestID, entry.LineID, entry.ProductID, entry.BranchID,
			entry.QuantityBefore, entry.QuantityAfter, entry.DecidingUserID, entry.AppliedAt); err != nil {
			return nil, err
		}

		res, err := pgTx.ExecContext(ctx, `
			UPDATE adjustment_request_lines
			SET applied_at = $2
			WHERE id = $1 AND applied_at IS NULL
		`, line.ID, appliedAt)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected != 1 {
			return nil, store.ErrConflict
		}
		audit = append(audit, entry)
	}

	if params.Finalize {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE adjustment_requests
			SET status = 'authorized', decided_at = $2, deciding_user_id = $3
			WHERE id = $1 AND status = 'pending_authorization'
		`, params.RequestID, appliedAt, params.DecidingUserID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected != 1 {
			return nil, store.ErrAlreadyDecided
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE control_sessions SET adjustments_applied = true WHERE id = $1
		`, sessionID); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return audit, nil
}

// RejectAdjustmentRequest refuses requests that are no longer pending or
// already have applied lines from an interrupted chunked authorization.
func (s *Store) RejectAdjustmentRequest(ctx context.Context, requestID string, decidingUserID string, reason string, at time.Time) (*domain.AdjustmentRequest, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.rejectAdjustmentRequest(ctx, requestID, decidingUserID, reason, at.UTC()); err != nil {
		return nil, s.decidedConcurrently(ctx, requestID, mapError(err), true)
	}
	return s.GetAdjustmentRequest(ctx, requestID)
}

// decidedConcurrently re-reads a request after a serialization failure. A
// transaction that queued on the request row lock fails with 40001 once the
// holder commits its decision; that caller lost the race and gets
// ErrAlreadyDecided rather than ErrTransient. With refuseApplied set, committed
// lines from an authorization in flight also count as decided.
func (s *Store) decidedConcurrently(ctx context.Context, requestID string, err error, refuseApplied bool) error {
	if !errors.Is(err, store.ErrTransient) {
		return err
	}
	req, readErr := s.GetAdjustmentRequest(ctx, requestID)
	if readErr != nil {
		return err
	}
	if req.IsTerminal() || (refuseApplied && len(req.AppliedLineIDs) > 0) {
		return fmt.Errorf("%w: request %s is %s", store.ErrAlreadyDecided, req.ID, req.Status)
	}
	return err
}

func (s *Store) rejectAdjustmentRequest(ctx context.Context, requestID string, decidingUserID string, reason string, at time.Time) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	var partiallyApplied bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT r.status,
			EXISTS (
				SELECT 1 FROM adjustment_request_lines l
				WHERE l.request_id = r.id AND l.applied_at IS NOT NULL
			)
		FROM adjustment_requests r
		WHERE r.id = $1
		FOR UPDATE OF r
	`, requestID).Scan(&status, &partiallyApplied)
	if err != nil {
		return err
	}
	if status != domain.RequestStatusPending || partiallyApplied {
		return store.ErrAlreadyDecided
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE adjustment_requests
		SET status = 'rejected', decided_at = $2, deciding_user_id = $3, rejection_reason = $4
		WHERE id = $1
	`, requestID, at, decidingUserID, reason); err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) ListAuditByProduct(ctx context.Context, productID string, branchID string, limit int) ([]domain.AuditRecord, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, adjustment_request_id, line_id, product_id, branch_id,
			quantity_before, quantity_after, deciding_user_id, applied_at
		FROM audit_records
		WHERE product_id = $1 AND ($2 = '' OR branch_id = $2)
		ORDER BY applied_at DESC, seq DESC
		LIMIT $3
	`, productID, branchID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func (s *Store) ListAuditByRequest(ctx context.Context, requestID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, adjustment_request_id, line_id, product_id, branch_id,
			quantity_before, quantity_after, deciding_user_id, applied_at
		FROM audit_records
		WHERE adjustment_request_id = $1
		ORDER BY seq ASC
	`, requestID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, true, user.CreatedAt)
	return mapError(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertRequest(ctx context.Context, pgTx *sql.Tx, req domain.AdjustmentRequest) error {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = domain.RequestStatusPending
	}

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO adjustment_requests (
			id, control_session_id, branch_id, requestor_user_id, status, submitted_at
		)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, req.ID, req.ControlSessionID, req.BranchID, req.RequestorUserID, req.Status, req.SubmittedAt.UTC()); err != nil {
		return err
	}

	for i, line := range req.Lines {
		lineID := line.ID
		if lineID == "" {
			lineID = xid.New("acl")
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO adjustment_request_lines (
				id, request_id, line_no, product_id, system_quantity, counted_quantity, delta
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, lineID, req.ID, i+1, line.ProductID, line.SystemQuantity, line.CountedQuantity, line.Delta); err != nil {
			return err
		}
	}
	return nil
}

func loadSession(ctx context.Context, q queryer, where string, arg string) (*domain.ControlSession, error) {
	var session domain.ControlSession
	var category, requestID sql.NullString
	var finalizedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, branch_id, initiator_user_id, scope, category_filter, status,
			started_at, finalized_at, adjustments_applied, adjustment_request_id
		FROM control_sessions
		`+where, arg).Scan(
		&session.ID,
		&session.BranchID,
		&session.InitiatorUserID,
		&session.Scope,
		&category,
		&session.Status,
		&session.StartedAt,
		&finalizedAt,
		&session.AdjustmentsApplied,
		&requestID,
	)
	if err != nil {
		return nil, err
	}
	session.CategoryFilter = category.String
	session.AdjustmentRequestID = requestID.String
	session.StartedAt = session.StartedAt.UTC()
	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		session.FinalizedAt = &at
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, counted_quantity
		FROM control_session_counts
		WHERE session_id = $1
		ORDER BY line_no ASC
	`, session.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.CountedLine
		if err := rows.Scan(&line.ProductID, &line.CountedQuantity); err != nil {
			return nil, err
		}
		session.CountedLines = append(session.CountedLines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &session, nil
}

func loadRequest(ctx context.Context, q queryer, requestID string) (*domain.AdjustmentRequest, error) {
	req, err := scanRequest(q.QueryRowContext(ctx, `
		SELECT id, control_session_id, branch_id, requestor_user_id, status,
			submitted_at, decided_at, deciding_user_id, rejection_reason
		FROM adjustment_requests
		WHERE id = $1
	`, requestID))
	if err != nil {
		return nil, err
	}

	lines, applied, err := loadLines(ctx, q, []string{req.ID}, false)
	if err != nil {
		return nil, err
	}
	req.Lines = lines[req.ID]
	req.AppliedLineIDs = applied[req.ID]
	return req, nil
}

func scanRequest(row rowScanner) (*domain.AdjustmentRequest, error) {
	var req domain.AdjustmentRequest
	var decidedAt sql.NullTime
	var decidingUser, reason sql.NullString
	if err := row.Scan(
		&req.ID,
		&req.ControlSessionID,
		&req.BranchID,
		&req.RequestorUserID,
		&req.Status,
		&req.SubmittedAt,
		&decidedAt,
		&decidingUser,
		&reason,
	); err != nil {
		return nil, err
	}
	req.SubmittedAt = req.SubmittedAt.UTC()
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		req.DecidedAt = &at
	}
	req.DecidingUserID = decidingUser.String
	req.RejectionReason = reason.String
	return &req, nil
}

// loadLines returns lines per request in line order, plus the IDs of lines
// that carry an applied marker.
func loadLines(ctx context.Context, q queryer, requestIDs []string, forUpdate bool) (map[string][]domain.AdjustmentLine, map[string][]string, error) {
	query := `
		SELECT request_id, id, product_id, system_quantity, counted_quantity, delta, applied_at
		FROM adjustment_request_lines
		WHERE request_id = ANY($1)
		ORDER BY request_id, line_no ASC
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, requestIDs)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	lines := make(map[string][]domain.AdjustmentLine, len(requestIDs))
	applied := make(map[string][]string, len(requestIDs))
	for rows.Next() {
		var requestID string
		var line domain.AdjustmentLine
		var appliedAt sql.NullTime
		if err := rows.Scan(&requestID, &line.ID, &line.ProductID, &line.SystemQuantity, &line.CountedQuantity, &line.Delta, &appliedAt); err != nil {
			return nil, nil, err
		}
		lines[requestID] = append(lines[requestID], line)
		if appliedAt.Valid {
			applied[requestID] = append(applied[requestID], line.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return lines, applied, nil
}

func scanAuditRows(rows *sql.Rows) ([]domain.AuditRecord, error) {
	records := make([]domain.AuditRecord, 0, 32)
	for rows.Next() {
		var r domain.AuditRecord
		if err := rows.Scan(
			&r.ID,
			&r.AdjustmentRequestID,
			&r.LineID,
			&r.ProductID,
			&r.BranchID,
			&r.QuantityBefore,
			&r.QuantityAfter,
			&r.DecidingUserID,
			&r.AppliedAt,
		); err != nil {
			return nil, err
		}
		r.AppliedAt = r.AppliedAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return records, nil
}

// mapError translates driver errors into the store taxonomy. Errors that are
// already store sentinels pass through unchanged.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, store.ErrTransient):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	case isTransient(err):
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isTransient reports serialization failures, deadlocks and connection
// loss. Each of these rolls the transaction back.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "08000", "08003", "08006":
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
