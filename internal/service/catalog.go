package service

import (
	"context"
	"errors"
	"strings"

	"stockrecon/backend/internal/domain"
	"stockrecon/backend/internal/store"
)

// Catalog is the product master data the engine depends on.
type Catalog interface {
	Exists(ctx context.Context, productID string) (bool, error)
	DefaultThresholds(ctx context.Context, productID string) (domain.Thresholds, error)
	Category(ctx context.Context, productID string) (string, error)
}

type productGetter interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

type RepositoryCatalog struct {
	products productGetter
}

func NewRepositoryCatalog(products productGetter) *RepositoryCatalog {
	return &RepositoryCatalog{products: products}
}

func (c *RepositoryCatalog) Exists(ctx context.Context, productID string) (bool, error) {
	product, err := c.products.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return product.Active, nil
}

func (c *RepositoryCatalog) DefaultThresholds(ctx context.Context, productID string) (domain.Thresholds, error) {
	product, err := c.products.GetProduct(ctx, productID)
	if err != nil {
		return domain.Thresholds{}, err
	}
	return domain.Thresholds{Min: product.DefaultMinStock, Max: product.DefaultMaxStock}, nil
}

func (c *RepositoryCatalog) Category(ctx context.Context, productID string) (string, error) {
	product, err := c.products.GetProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	return product.Category, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.ID == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, invalidInput("id, name and category are required")
	}
	if req.DefaultMinStock < 0 || req.DefaultMaxStock < req.DefaultMinStock {
		return domain.Product{}, invalidInput("default thresholds must satisfy 0 <= min <= max")
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:              req.ID,
		Name:            req.Name,
		Category:        req.Category,
		DefaultMinStock: req.DefaultMinStock,
		DefaultMaxStock: req.DefaultMaxStock,
		Active:          true,
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

// GetStockLevels reports the ledger for the given products. Products without a
// record in the branch are reported at quantity 0.
func (s *Service) GetStockLevels(ctx context.Context, branchID string, productIDs []string) (domain.StockLevelsResponse, error) {
	branchID = s.branchOrDefault(branchID)
	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return domain.StockLevelsResponse{}, invalidInput("at least one product_id is required")
	}

	records, err := s.repo.GetLedgerRecords(ctx, branchID, ids)
	if err != nil {
		return domain.StockLevelsResponse{}, err
	}

	resp := domain.StockLevelsResponse{BranchID: branchID, Records: make([]domain.StockLedgerRecord, 0, len(ids))}
	for _, id := range ids {
		record, ok := records[id]
		if !ok {
			record = domain.StockLedgerRecord{ProductID: id, BranchID: branchID}
		}
		resp.Records = append(resp.Records, record)
	}
	return resp, nil
}
