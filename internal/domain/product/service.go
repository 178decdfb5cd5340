package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Service manages stock levels.
type Service struct {
	products Repository
	auditor  Auditor
}

// NewService creates a product Service.
func NewService(products Repository, auditor Auditor) *Service {
	return &Service{products: products, auditor: auditor}
}

// Get returns a single product.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get product")
	}
	return p, nil
}

// SetStock sets the absolute stock level of a product and audits the
// stored value.
func (s *Service) SetStock(ctx context.Context, id string, quantity int) (*StockLevel, error) {
	if quantity < 0 {
		return nil, ErrNegativeStock
	}
	level, err := s.products.SetStock(ctx, id, quantity)
	if err != nil {
		return nil, errors.Wrap(err, "set stock")
	}
	zctx.From(ctx).Info("Stock updated",
		zap.String("product_id", level.ProductID),
		zap.Int("quantity", level.Quantity),
	)
	s.auditor.AuditStockChange(ctx, level.ProductID, level.Quantity)
	return level, nil
}
