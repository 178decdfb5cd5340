// Package handler exposes the storefront HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

// CouponPreviewer evaluates a coupon without redeeming it.
type CouponPreviewer interface {
	Preview(ctx context.Context, code string, subtotal decimal.Decimal, identity coupon.Identity) (*coupon.Outcome, error)
}

// CouponAdmin manages coupon definitions.
type CouponAdmin interface {
	Create(ctx context.Context, c *coupon.Coupon) error
	Get(ctx context.Context, code string) (*coupon.Coupon, error)
	Usages(ctx context.Context, code string) (*coupon.Coupon, []coupon.Usage, error)
}

// Orders runs checkout and the order lifecycle.
type Orders interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id string, next order.Status) (*order.Order, error)
	RecordPayment(ctx context.Context, id string, payment order.PaymentStatus) (*order.Order, error)
}

// Products reads the catalog and manages stock levels.
type Products interface {
	Get(ctx context.Context, id string) (*product.Product, error)
	SetStock(ctx context.Context, id string, quantity int) (*product.StockLevel, error)
}

// Authenticator resolves raw API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

// Handler serves the storefront API.
type Handler struct {
	previewer CouponPreviewer
	coupons   CouponAdmin
	orders    Orders
	products  Products
	auth      Authenticator
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	previewer CouponPreviewer,
	coupons CouponAdmin,
	orders Orders,
	products Products,
	authenticator Authenticator,
) *Handler {
	return &Handler{
		previewer: previewer,
		coupons:   coupons,
		orders:    orders,
		products:  products,
		auth:      authenticator,
	}
}

// Options tune route registration.
type Options struct {
	// CouponLimiter wraps the customer-facing coupon endpoints.
	CouponLimiter func(http.Handler) http.Handler
}

// Register mounts all API routes under /api.
func (h *Handler) Register(r chi.Router, opts Options) {
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.CouponLimiter != nil {
				r.Use(opts.CouponLimiter)
			}
			r.Post("/coupons/preview", h.PreviewCoupon)
			r.Post("/orders", h.PlaceOrder)
		})
		r.Get("/orders/{id}", h.GetOrder)
		r.Get("/products/{id}", h.GetProduct)

		r.With(h.RequireScope(auth.ScopePayments)).Post("/payments/callback", h.PaymentCallback)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireScope(auth.ScopeAdmin))
			r.Post("/coupons", h.CreateCoupon)
			r.Get("/coupons/{code}", h.GetCoupon)
			r.Get("/coupons/{code}/usages", h.ListCouponUsages)
			r.Put("/products/{id}/stock", h.SetStock)
			r.Patch("/orders/{id}/status", h.UpdateOrderStatus)
		})
	})
}
