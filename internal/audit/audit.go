// Package audit detects inconsistent order, payment, stock and coupon
// states after they happen and raises alerts for them. Auditing is purely
// observational: it never blocks or fails the mutation that triggered it.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/alert"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

// Alert codes.
const (
	CodeNegativeStock        = "NEGATIVE_STOCK"
	CodePaidOrderCancelled   = "PAID_ORDER_CANCELLED"
	CodeCompletedOrderUnpaid = "COMPLETED_ORDER_UNPAID"
	CodeCouponOverLimit      = "COUPON_OVER_LIMIT"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK_ON_ORDER"
	CodeSuspiciousActivity   = "SUSPICIOUS_ACTIVITY"
)

// Dispatcher delivers alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert) alert.Delivery
}

// Auditor evaluates business invariants.
type Auditor struct {
	dispatcher Dispatcher
	now        func() time.Time
}

var (
	_ coupon.Auditor  = (*Auditor)(nil)
	_ order.Auditor   = (*Auditor)(nil)
	_ product.Auditor = (*Auditor)(nil)
)

// New creates an Auditor that raises alerts through d.
func New(d Dispatcher) *Auditor {
	return &Auditor{dispatcher: d, now: time.Now}
}

// AuditStockChange raises NEGATIVE_STOCK when a stored quantity is below zero.
func (a *Auditor) AuditStockChange(ctx context.Context, productID string, quantity int) {
	if quantity >= 0 {
		return
	}
	a.raise(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Code:     CodeNegativeStock,
		Message:  "Stock level is negative",
		Action:   "Investigate stock data corruption",
		Context: alert.Context{
			{Key: "product_id", Value: productID},
			{Key: "quantity", Value: strconv.Itoa(quantity)},
		},
	})
}

// AuditOrderTransition checks the order state reached after a status or
// payment change. A paid order must not be cancelled and a completed order
// must be paid.
func (a *Auditor) AuditOrderTransition(ctx context.Context, orderID string, from, to order.Status, payment order.PaymentStatus) {
	fields := alert.Context{
		{Key: "order_id", Value: orderID},
		{Key: "old_status", Value: string(from)},
		{Key: "new_status", Value: string(to)},
		{Key: "payment_status", Value: string(payment)},
	}

	switch {
	case to == order.StatusCancelled && payment == order.PaymentPaid:
		a.raise(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Code:     CodePaidOrderCancelled,
			Message:  "Paid order was cancelled",
			Action:   "Refund required",
			Context:  fields,
		})
	case to == order.StatusCompleted && payment != order.PaymentPaid:
		a.raise(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Code:     CodeCompletedOrderUnpaid,
			Message:  "Order completed without payment",
			Action:   "Verify payment",
			Context:  fields,
		})
	}
}

// AuditCouponIncrement raises COUPON_OVER_LIMIT when a committed counter
// exceeds the coupon cap. A non-positive limit means uncapped.
func (a *Auditor) AuditCouponIncrement(ctx context.Context, couponID int64, newCount, limit int) {
	if limit <= 0 || newCount <= limit {
		return
	}
	a.raise(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Code:     CodeCouponOverLimit,
		Message:  "Coupon redeemed beyond its limit",
		Action:   "Review coupon redemptions",
		Context: alert.Context{
			{Key: "coupon_id", Value: strconv.FormatInt(couponID, 10)},
			{Key: "usage_count", Value: strconv.Itoa(newCount)},
			{Key: "usage_limit", Value: strconv.Itoa(limit)},
		},
	})
}

// AuditOrderCreation raises one INSUFFICIENT_STOCK_ON_ORDER warning per line
// requesting more than is available.
func (a *Auditor) AuditOrderCreation(ctx context.Context, orderID string, checks []order.StockCheck) {
	for _, c := range checks {
		if c.Requested <= c.Available {
			continue
		}
		a.raise(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Code:     CodeInsufficientStock,
			Message:  "Order requests more than available stock",
			Context: alert.Context{
				{Key: "order_id", Value: orderID},
				{Key: "product_id", Value: c.ProductID},
				{Key: "requested", Value: strconv.Itoa(c.Requested)},
				{Key: "available", Value: strconv.Itoa(c.Available)},
			},
		})
	}
}

// AuditSuspiciousActivity raises a SUSPICIOUS_ACTIVITY warning for a
// caller-detected anomaly.
func (a *Auditor) AuditSuspiciousActivity(ctx context.Context, activity string, details alert.Context) {
	fields := make(alert.Context, 0, len(details)+1)
	fields = append(fields, alert.Field{Key: "activity", Value: activity})
	fields = append(fields, details...)

	a.raise(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Code:     CodeSuspiciousActivity,
		Message:  "Suspicious activity detected",
		Context:  fields,
	})
}

func (a *Auditor) raise(ctx context.Context, al alert.Alert) {
	al.At = a.now()
	d := a.dispatcher.Dispatch(ctx, al)
	zctx.From(ctx).Debug("Alert dispatched",
		zap.String("alert_code", al.Code),
		zap.String("delivery", string(d.Status)),
	)
}
