package product

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrNegativeStock is returned when a stock update would set a negative level.
	ErrNegativeStock = errors.New("stock must not be negative")
)

// Product represents a catalog item available for purchase.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	Stock    int
}

// StockLevel is an observed stock quantity after a mutation.
type StockLevel struct {
	ProductID string
	Quantity  int
}

// InsufficientStockError indicates a line requested more units than are in stock.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Repository defines catalog reads and stock writes.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	// SetStock stores an absolute stock level and returns the stored value.
	SetStock(ctx context.Context, id string, quantity int) (*StockLevel, error)
}

// Auditor observes stock mutations.
type Auditor interface {
	AuditStockChange(ctx context.Context, productID string, quantity int)
}
