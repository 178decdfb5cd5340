package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

// --- Mock implementations ---

type mockPreviewer struct {
	out *coupon.Outcome
	err error

	code     string
	subtotal decimal.Decimal
	identity coupon.Identity
}

func (m *mockPreviewer) Preview(_ context.Context, code string, subtotal decimal.Decimal, identity coupon.Identity) (*coupon.Outcome, error) {
	m.code, m.subtotal, m.identity = code, subtotal, identity
	return m.out, m.err
}

type mockCoupons struct {
	created   *coupon.Coupon
	createErr error
	byCode    map[string]*coupon.Coupon
	usages    []coupon.Usage
}

func (m *mockCoupons) Create(_ context.Context, c *coupon.Coupon) error {
	if m.createErr != nil {
		return m.createErr
	}
	c.ID = 7
	m.created = c
	return nil
}

func (m *mockCoupons) Get(_ context.Context, code string) (*coupon.Coupon, error) {
	c, ok := m.byCode[code]
	if !ok {
		return nil, errors.Wrap(coupon.ErrNotFound, "find coupon")
	}
	return c, nil
}

func (m *mockCoupons) Usages(ctx context.Context, code string) (*coupon.Coupon, []coupon.Usage, error) {
	c, err := m.Get(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	return c, m.usages, nil
}

type mockOrders struct {
	placed   *order.PlaceOrderRequest
	placeErr error
	order    *order.Order
	err      error

	status  order.Status
	payment order.PaymentStatus
}

func (m *mockOrders) PlaceOrder(_ context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error) {
	m.placed = &req
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	return &order.PlaceOrderResult{Order: m.order}, nil
}

func (m *mockOrders) Get(_ context.Context, id string) (*order.Order, error) {
	if m.order == nil || m.order.ID != id {
		return nil, errors.Wrap(order.ErrNotFound, "get order")
	}
	return m.order, nil
}

func (m *mockOrders) UpdateStatus(_ context.Context, _ string, next order.Status) (*order.Order, error) {
	m.status = next
	if m.err != nil {
		return nil, m.err
	}
	o := *m.order
	o.Status = next
	return &o, nil
}

func (m *mockOrders) RecordPayment(_ context.Context, _ string, payment order.PaymentStatus) (*order.Order, error) {
	m.payment = payment
	if m.err != nil {
		return nil, m.err
	}
	o := *m.order
	o.PaymentStatus = payment
	return &o, nil
}

type mockProducts struct {
	err error
}

func (m *mockProducts) Get(_ context.Context, id string) (*product.Product, error) {
	if id != "p1" {
		return nil, errors.Wrap(product.ErrNotFound, "get product")
	}
	return &product.Product{
		ID:       "p1",
		Name:     "Wireless Headphones",
		Price:    decimal.RequireFromString("1250000"),
		Category: "audio",
		Stock:    40,
	}, nil
}

func (m *mockProducts) SetStock(_ context.Context, id string, quantity int) (*product.StockLevel, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &product.StockLevel{ProductID: id, Quantity: quantity}, nil
}

type mockAuth map[string]*auth.APIKeyInfo

func (m mockAuth) Authenticate(_ context.Context, key string) (*auth.APIKeyInfo, error) {
	k, ok := m[key]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return k, nil
}

// --- Helpers ---

type fixture struct {
	previewer *mockPreviewer
	coupons   *mockCoupons
	orders    *mockOrders
	products  *mockProducts
	router    chi.Router
}

var testTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		previewer: &mockPreviewer{},
		coupons:   &mockCoupons{byCode: map[string]*coupon.Coupon{}},
		orders: &mockOrders{order: &order.Order{
			ID:            "o-1",
			Items:         []order.OrderItem{{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("500000")}},
			Subtotal:      decimal.RequireFromString("1000000"),
			Discount:      decimal.RequireFromString("50000"),
			Total:         decimal.RequireFromString("950000"),
			CouponCode:    "SAVE10",
			Status:        order.StatusPending,
			PaymentStatus: order.PaymentPending,
			CreatedAt:     testTime,
			UpdatedAt:     testTime,
		}},
		products: &mockProducts{},
	}
	h := NewHandler(f.previewer, f.coupons, f.orders, f.products, mockAuth{
		"admin-key":   {ID: "k1", Scopes: []string{auth.ScopeAdmin}},
		"gateway-key": {ID: "k2", Scopes: []string{auth.ScopePayments}},
	})
	r := chi.NewRouter()
	h.Register(r, Options{})
	f.router = r
	return f
}

func (f *fixture) do(method, path, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func percentCoupon() *coupon.Coupon {
	return &coupon.Coupon{
		ID:           1,
		Code:         "SAVE10",
		DiscountType: coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		MaxDiscount:  decimal.NewNullDecimal(decimal.NewFromInt(50000)),
		UsageType:    coupon.UsageSingle,
		IsActive:     true,
	}
}

// --- Tests ---

func TestPreviewCoupon(t *testing.T) {
	t.Run("eligible", func(t *testing.T) {
		f := newFixture()
		f.previewer.out = &coupon.Outcome{Coupon: percentCoupon(), Discount: decimal.NewFromInt(50000)}

		w := f.do(http.MethodPost, "/api/coupons/preview",
			`{"code":"SAVE10","subtotal":"1000000","email":"A@x.io","phone":"0901","extra":[1,2]}`, "")

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{
			"code":"SAVE10","discountType":"PERCENTAGE",
			"subtotal":"1000000.00","discount":"50000.00","total":"950000.00"
		}`, w.Body.String())
		assert.Equal(t, "SAVE10", f.previewer.code)
		assert.True(t, decimal.NewFromInt(1000000).Equal(f.previewer.subtotal))
		assert.Equal(t, "A@x.io", f.previewer.identity.Email)
	})

	t.Run("numeric subtotal", func(t *testing.T) {
		f := newFixture()
		f.previewer.out = &coupon.Outcome{Coupon: percentCoupon(), Discount: decimal.NewFromInt(10)}

		w := f.do(http.MethodPost, "/api/coupons/preview", `{"code":"SAVE10","subtotal":100.5}`, "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decimal.RequireFromString("100.5").Equal(f.previewer.subtotal))
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFixture()
		f.previewer.out = &coupon.Outcome{Rejection: coupon.ReasonLimitReached}

		w := f.do(http.MethodPost, "/api/coupons/preview", `{"code":"SAVE10","subtotal":"10"}`, "")

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.JSONEq(t, `{"code":422,"reason":"COUPON_LIMIT_REACHED","message":"`+
			coupon.ReasonLimitReached.Message()+`"}`, w.Body.String())
	})

	tests := []struct {
		name string
		body string
	}{
		{name: "missing subtotal", body: `{"code":"SAVE10"}`},
		{name: "negative subtotal", body: `{"code":"SAVE10","subtotal":"-1"}`},
		{name: "bad subtotal", body: `{"code":"SAVE10","subtotal":true}`},
		{name: "malformed", body: `{"code":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			w := f.do(http.MethodPost, "/api/coupons/preview", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture()

		w := f.do(http.MethodPost, "/api/orders", `{
			"items":[{"productId":"p1","quantity":2}],
			"couponCode":"SAVE10",
			"email":"a@x.io","guestToken":"g-1"
		}`, "")

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		require.NotNil(t, f.orders.placed)
		assert.Equal(t, []order.OrderItem{{ProductID: "p1", Quantity: 2}}, f.orders.placed.Items)
		assert.Equal(t, "SAVE10", f.orders.placed.CouponCode)
		assert.Equal(t, coupon.Identity{GuestToken: "g-1", Email: "a@x.io"}, f.orders.placed.Identity)
		assert.JSONEq(t, `{
			"id":"o-1","status":"PENDING","paymentStatus":"pending",
			"items":[{"productId":"p1","quantity":2,"unitPrice":"500000.00"}],
			"subtotal":"1000000.00","discount":"50000.00","total":"950000.00",
			"couponCode":"SAVE10",
			"createdAt":"2025-06-15T12:00:00Z","updatedAt":"2025-06-15T12:00:00Z"
		}`, w.Body.String())
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "coupon rejected",
			err:        errors.Wrap(&coupon.RejectionError{Reason: coupon.ReasonAlreadyUsedByIdent}, "apply coupon"),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   `"reason":"COUPON_ALREADY_USED_BY_IDENTITY"`,
		},
		{
			name:       "duplicate usage",
			err:        errors.Wrap(&coupon.DuplicateUsageError{CouponID: 1, OrderID: "o-1"}, "apply coupon"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "transient",
			err:        errors.Wrap(&coupon.TransientError{Attempts: 3, Err: coupon.ErrConflict}, "apply coupon"),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "storage unavailable",
			err:        errors.Wrap(&coupon.TransientError{Attempts: 1, Err: errors.New("dial tcp: connection refused")}, "apply coupon"),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"message":"temporarily unavailable, retry later"`,
		},
		{
			name:       "empty items",
			err:        order.ErrEmptyItems,
			wantStatus: http.StatusBadRequest,
			wantBody:   `"message":"items required"`,
		},
		{
			name:       "invalid quantity",
			err:        &order.InvalidQuantityError{ProductID: "p1"},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unknown product",
			err:        &order.ProductNotFoundError{ProductID: "p9"},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "insufficient stock",
			err:        errors.Wrap(&product.InsufficientStockError{ProductID: "p1", Requested: 5, Available: 1}, "create order"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "internal",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `"message":"internal server error"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.orders.placeErr = tt.err

			w := f.do(http.MethodPost, "/api/orders", `{"items":[{"productId":"p1","quantity":1}]}`, "")

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestPlaceOrder_QuantityOutOfRange(t *testing.T) {
	for _, quantity := range []string{"2147483648", "-2147483649", "99999999999999999999"} {
		t.Run(quantity, func(t *testing.T) {
			f := newFixture()

			w := f.do(http.MethodPost, "/api/orders", `{"items":[{"productId":"p1","quantity":`+quantity+`}]}`, "")

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Nil(t, f.orders.placed)
		})
	}
}

func TestGetOrder(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/orders/o-1", "", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/orders/missing", "", "").Code)
}

func TestPaymentCallback(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		body       string
		wantStatus int
	}{
		{name: "paid", key: "gateway-key", body: `{"orderId":"o-1","status":"paid"}`, wantStatus: http.StatusOK},
		{name: "no key", body: `{"orderId":"o-1","status":"paid"}`, wantStatus: http.StatusUnauthorized},
		{name: "wrong scope", key: "admin-key", body: `{"orderId":"o-1","status":"paid"}`, wantStatus: http.StatusForbidden},
		{name: "bad status", key: "gateway-key", body: `{"orderId":"o-1","status":"refunded"}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			w := f.do(http.MethodPost, "/api/payments/callback", tt.body, tt.key)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, order.PaymentPaid, f.orders.payment)
				assert.Contains(t, w.Body.String(), `"paymentStatus":"paid"`)
			}
		})
	}
}

func TestAdminRoutes_RequireAdminScope(t *testing.T) {
	f := newFixture()

	for _, key := range []string{"", "gateway-key", "bogus"} {
		w := f.do(http.MethodGet, "/api/admin/coupons/SAVE10", "", key)
		assert.Contains(t, []int{http.StatusUnauthorized, http.StatusForbidden}, w.Code, "key %q", key)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/coupons/SAVE10", nil)
	req.Header.Set("Authorization", "Bearer admin-key")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateCoupon(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newFixture()

		w := f.do(http.MethodPost, "/api/admin/coupons", `{
			"code":"SPRING25","description":"Spring sale","discountType":"PERCENTAGE",
			"value":25,"maxDiscount":"100000","minOrderValue":"200000",
			"usageType":"LIMITED_USE","usageLimit":100,
			"validFrom":"2025-03-01T00:00:00Z","validUntil":null
		}`, "admin-key")

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		c := f.coupons.created
		require.NotNil(t, c)
		assert.Equal(t, "SPRING25", c.Code)
		assert.Equal(t, coupon.UsageLimited, c.UsageType)
		require.NotNil(t, c.UsageLimit)
		assert.Equal(t, 100, *c.UsageLimit)
		assert.True(t, c.MaxDiscount.Valid)
		assert.True(t, c.IsActive)
		assert.Nil(t, c.ValidUntil)
		assert.Contains(t, w.Body.String(), `"id":7`)
		assert.Contains(t, w.Body.String(), `"maxDiscount":"100000.00"`)
	})

	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
	}{
		{name: "invalid", err: &coupon.InvalidCouponError{Field: "code", Reason: "bad"}, wantStatus: http.StatusUnprocessableEntity},
		{name: "exists", err: errors.Wrap(coupon.ErrAlreadyExists, "create coupon"), wantStatus: http.StatusConflict},
		{name: "bad time", body: `{"code":"X1Y","validFrom":"yesterday"}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.coupons.createErr = tt.err
			body := tt.body
			if body == "" {
				body = `{"code":"SPRING25"}`
			}
			w := f.do(http.MethodPost, "/api/admin/coupons", body, "admin-key")
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestListCouponUsages(t *testing.T) {
	f := newFixture()
	f.coupons.byCode["SAVE10"] = percentCoupon()
	f.coupons.usages = []coupon.Usage{{
		ID:       "u-1",
		CouponID: 1,
		OrderID:  "o-1",
		Identity: coupon.Identity{UserID: "user-1", Email: "a@x.io"},
		Discount: decimal.NewFromInt(50000),
		UsedAt:   testTime,
	}}

	w := f.do(http.MethodGet, "/api/admin/coupons/SAVE10/usages", "", "admin-key")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"usages":[{"id":"u-1","orderId":"o-1","userId":"user-1","email":"a@x.io","phone":"","discount":"50000.00","usedAt":"2025-06-15T12:00:00Z"}]`)
	assert.Contains(t, w.Body.String(), `"usageType":"SINGLE_USE"`)
}

func TestSetStock(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "ok", body: `{"quantity":12}`, wantStatus: http.StatusOK},
		{name: "missing", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "above int32", body: `{"quantity":2147483648}`, wantStatus: http.StatusBadRequest},
		{name: "fraction", body: `{"quantity":1.5}`, wantStatus: http.StatusBadRequest},
		{name: "negative", body: `{"quantity":-1}`, err: product.ErrNegativeStock, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown product", body: `{"quantity":1}`, err: errors.Wrap(product.ErrNotFound, "set stock"), wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.products.err = tt.err
			w := f.do(http.MethodPut, "/api/admin/products/p1/stock", tt.body, "admin-key")
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.JSONEq(t, `{"productId":"p1","quantity":12}`, w.Body.String())
			}
		})
	}
}

func TestGetProduct(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/api/products/p1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"p1","name":"Wireless Headphones","price":"1250000.00","category":"audio","stock":40}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/products/p9", "", "").Code)
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPatch, "/api/admin/orders/o-1/status", `{"status":"CANCELLED"}`, "admin-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, order.StatusCancelled, f.orders.status)

	w = f.do(http.MethodPatch, "/api/admin/orders/o-1/status", `{"status":"SHIPPED"}`, "admin-key")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.orders.err = errors.Wrap(&order.InvalidTransitionError{From: "CANCELLED", To: "PENDING"}, "update status")
	w = f.do(http.MethodPatch, "/api/admin/orders/o-1/status", `{"status":"PENDING"}`, "admin-key")
	assert.Equal(t, http.StatusConflict, w.Code)
}
