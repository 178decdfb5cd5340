package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems      = errors.New("items required")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrDuplicateItem   = errors.New("duplicate product in items")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

func (e *InvalidQuantityError) Unwrap() error {
	return ErrInvalidQuantity
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Items      []OrderItem
	CouponCode string
	Identity   coupon.Identity
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order    *Order
	Products []product.Product
}

// Service encapsulates checkout and order lifecycle logic.
type Service struct {
	products product.Repository
	coupons  CouponApplier
	orders   Repository
	auditor  Auditor
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	coupons CouponApplier,
	orders Repository,
	auditor Auditor,
	tracer trace.Tracer,
) *Service {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Service{
		products: products,
		coupons:  coupons,
		orders:   orders,
		auditor:  auditor,
		tracer:   tracer,
		now:      time.Now,
	}
}

// PlaceOrder validates items, checks stock, previews the coupon, creates the
// order with reserved stock and finally applies the coupon atomically. When
// the coupon cannot be applied the order is cancelled and its stock
// released; coupon rejections are returned as *coupon.RejectionError.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer span.End()

	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	// Validate quantities and collect product IDs.
	ids := make([]string, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		if _, ok := seen[item.ProductID]; ok {
			return nil, ErrDuplicateItem
		}
		seen[item.ProductID] = struct{}{}
		ids[i] = item.ProductID
	}

	// Batch fetch all products in a single query.
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}

	productMap := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		productMap[p.ID] = p
	}

	products := make([]product.Product, 0, len(req.Items))
	for _, item := range req.Items {
		p, ok := productMap[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		products = append(products, p)
	}

	o := &Order{
		ID:            uuid.New().String(),
		Identity:      req.Identity.Normalize(),
		Items:         make([]OrderItem, len(req.Items)),
		Subtotal:      decimal.Zero,
		Discount:      decimal.Zero,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     s.now(),
	}
	o.UpdatedAt = o.CreatedAt
	span.SetAttributes(attribute.String("order.id", o.ID))

	checks := make([]StockCheck, len(req.Items))
	var short *product.InsufficientStockError
	for i, item := range req.Items {
		p := products[i]
		o.Items[i] = OrderItem{ProductID: p.ID, Quantity: item.Quantity, UnitPrice: p.Price}
		o.Subtotal = o.Subtotal.Add(p.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))

		checks[i] = StockCheck{ProductID: p.ID, Requested: item.Quantity, Available: p.Stock}
		if short == nil && item.Quantity > p.Stock {
			short = &product.InsufficientStockError{ProductID: p.ID, Requested: item.Quantity, Available: p.Stock}
		}
	}
	o.Subtotal = o.Subtotal.Round(2)
	o.Total = o.Subtotal

	s.auditor.AuditOrderCreation(ctx, o.ID, checks)
	if short != nil {
		return nil, short
	}

	// Reject early so no order is created for an unusable coupon.
	if req.CouponCode != "" {
		preview, err := s.coupons.Preview(ctx, req.CouponCode, o.Subtotal, o.Identity)
		if err != nil {
			return nil, errors.Wrap(err, "preview coupon")
		}
		if preview.Rejected() {
			return nil, &coupon.RejectionError{Reason: preview.Rejection}
		}
	}

	levels, err := s.orders.Create(ctx, o)
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	s.auditStock(ctx, levels)

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

	if req.CouponCode != "" {
		out, err := s.coupons.Apply(ctx, coupon.ApplyRequest{
			Code:     req.CouponCode,
			OrderID:  o.ID,
			Subtotal: o.Subtotal,
			Identity: o.Identity,
		})
		if err == nil && out.Rejected() {
			err = &coupon.RejectionError{Reason: out.Rejection}
		}
		if err != nil {
			s.release(ctx, o.ID)
			return nil, errors.Wrap(err, "apply coupon")
		}
		o.CouponID = &out.Coupon.ID
		o.CouponCode = out.Coupon.Code
		o.Discount = out.Discount
		o.Total = o.Subtotal.Sub(out.Discount)
		if o.Total.IsNegative() {
			o.Total = decimal.Zero
		}
	}

	lg.Info("Order placed",
		zap.String("subtotal", o.Subtotal.StringFixed(2)),
		zap.String("discount", o.Discount.StringFixed(2)),
		zap.String("total", o.Total.StringFixed(2)),
	)

	return &PlaceOrderResult{
		Order:    o,
		Products: products,
	}, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// UpdateStatus moves an order to next. CANCELLED is terminal. Cancelling
// returns reserved stock.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (*Order, error) {
	if !next.Valid() {
		return nil, &InvalidTransitionError{From: "?", To: string(next)}
	}
	ch, err := s.orders.Update(ctx, id, func(o *Order) error {
		if !o.Status.CanTransition(next) {
			return &InvalidTransitionError{From: string(o.Status), To: string(next)}
		}
		o.Status = next
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "update status")
	}
	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", id),
		zap.String("from", string(ch.Before.Status)),
		zap.String("to", string(ch.After.Status)),
	)
	s.auditor.AuditOrderTransition(ctx, id, ch.Before.Status, ch.After.Status, ch.After.PaymentStatus)
	s.auditStock(ctx, ch.Stock)
	return &ch.After, nil
}

// RecordPayment stores the payment outcome reported by the gateway.
func (s *Service) RecordPayment(ctx context.Context, id string, payment PaymentStatus) (*Order, error) {
	if !payment.Valid() {
		return nil, &InvalidTransitionError{From: "?", To: string(payment)}
	}
	ch, err := s.orders.Update(ctx, id, func(o *Order) error {
		if !o.PaymentStatus.CanTransition(payment) {
			return &InvalidTransitionError{From: string(o.PaymentStatus), To: string(payment)}
		}
		o.PaymentStatus = payment
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "record payment")
	}
	zctx.From(ctx).Info("Payment recorded",
		zap.String("order_id", id),
		zap.String("payment_status", string(payment)),
	)
	s.auditor.AuditOrderTransition(ctx, id, ch.Before.Status, ch.After.Status, ch.After.PaymentStatus)
	return &ch.After, nil
}

// release cancels an order whose coupon could not be applied. It runs even
// if the caller's context is already cancelled.
func (s *Service) release(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.UpdateStatus(ctx, id, StatusCancelled); err != nil {
		zctx.From(ctx).Error("Release order failed", zap.String("order_id", id), zap.Error(err))
	}
}

func (s *Service) auditStock(ctx context.Context, levels []product.StockLevel) {
	for _, l := range levels {
		s.auditor.AuditStockChange(ctx, l.ProductID, l.Quantity)
	}
}
