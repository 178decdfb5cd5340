package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// PaymentStatus is the payment state of an order.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// ErrNotFound is returned when the order does not exist.
var ErrNotFound = errors.New("order not found")

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusCancelled},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentFailed:  {PaymentPaid, PaymentPending},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentPending, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

// CanTransition reports whether payment may move from p to next.
func (p PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is a customer order.
type Order struct {
	ID            string
	Identity      coupon.Identity
	Items         []OrderItem
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Total         decimal.Decimal
	CouponID      *int64
	CouponCode    string
	Status        Status
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderItem represents a single line item in an order.
type OrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// InvalidTransitionError is returned for a disallowed status change.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// StockCheck compares a requested line quantity with available stock at
// order creation.
type StockCheck struct {
	ProductID string
	Requested int
	Available int
}

// Change is the result of a persisted status or payment update.
type Change struct {
	Before Order
	After  Order
	// Stock holds levels touched by the update, e.g. restocking on cancel.
	Stock []product.StockLevel
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores o and reserves stock for its items in one transaction.
	// It fails with *product.InsufficientStockError when a line cannot be
	// reserved and returns the resulting stock levels otherwise.
	Create(ctx context.Context, o *Order) ([]product.StockLevel, error)
	Get(ctx context.Context, id string) (*Order, error)
	// Update locks the order, applies mutate and persists status and
	// payment status. Moving into CANCELLED returns reserved stock.
	Update(ctx context.Context, id string, mutate func(o *Order) error) (*Change, error)
}

// CouponApplier validates and applies coupons.
type CouponApplier interface {
	Preview(ctx context.Context, code string, subtotal decimal.Decimal, identity coupon.Identity) (*coupon.Outcome, error)
	Apply(ctx context.Context, req coupon.ApplyRequest) (*coupon.Outcome, error)
}

// Auditor observes order and stock mutations.
type Auditor interface {
	AuditOrderCreation(ctx context.Context, orderID string, checks []StockCheck)
	AuditOrderTransition(ctx context.Context, orderID string, from, to Status, payment PaymentStatus)
	AuditStockChange(ctx context.Context, productID string, quantity int)
}
