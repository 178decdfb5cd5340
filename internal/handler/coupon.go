package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

// PreviewCoupon handles POST /api/coupons/preview. It reports the discount a
// coupon would give without redeeming it.
func (h *Handler) PreviewCoupon(w http.ResponseWriter, r *http.Request) {
	var (
		code     string
		subtotal decimal.Decimal
		identity coupon.Identity
		hasTotal bool
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if ok, err := decodeIdentityField(d, key, &identity); ok {
			return err
		}
		switch key {
		case "code":
			s, err := d.Str()
			code = s
			return err
		case "subtotal":
			v, err := decodeDecimal(d, "subtotal")
			subtotal, hasTotal = v, true
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if code == "" || !hasTotal {
		handleError(w, r, badRequest("code and subtotal are required"))
		return
	}
	if subtotal.IsNegative() {
		handleError(w, r, badRequest("subtotal must not be negative"))
		return
	}

	out, err := h.previewer.Preview(r.Context(), code, subtotal, identity)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if out.Rejected() {
		writeRejection(w, out.Rejection)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Str(out.Coupon.Code) })
			e.Field("discountType", func(e *jx.Encoder) { e.Str(string(out.Coupon.DiscountType)) })
			e.Field("subtotal", func(e *jx.Encoder) { money(e, subtotal) })
			e.Field("discount", func(e *jx.Encoder) { money(e, out.Discount) })
			e.Field("total", func(e *jx.Encoder) { money(e, decimal.Max(subtotal.Sub(out.Discount), decimal.Zero)) })
		})
	})
}

// CreateCoupon handles POST /api/admin/coupons.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	c := &coupon.Coupon{IsActive: true}
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "discountType":
			var s string
			s, err = d.Str()
			c.DiscountType = coupon.DiscountType(s)
		case "value":
			c.Value, err = decodeDecimal(d, key)
		case "maxDiscount":
			c.MaxDiscount, err = decodeOptDecimal(d, key)
		case "minOrderValue":
			c.MinOrderValue, err = decodeDecimal(d, key)
		case "usageType":
			var s string
			s, err = d.Str()
			c.UsageType = coupon.UsageType(s)
		case "usageLimit":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var n int
			n, err = d.Int()
			c.UsageLimit = &n
		case "validFrom":
			c.ValidFrom, err = decodeOptTime(d, key)
		case "validUntil":
			c.ValidUntil, err = decodeOptTime(d, key)
		case "isActive":
			c.IsActive, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	if err := h.coupons.Create(r.Context(), c); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCoupon(e, c) })
}

// GetCoupon handles GET /api/admin/coupons/{code}.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCoupon(e, c) })
}

// ListCouponUsages handles GET /api/admin/coupons/{code}/usages.
func (h *Handler) ListCouponUsages(w http.ResponseWriter, r *http.Request) {
	c, usages, err := h.coupons.Usages(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("coupon", func(e *jx.Encoder) { encodeCoupon(e, c) })
			e.Field("usages", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, u := range usages {
						encodeUsage(e, u)
					}
				})
			})
		})
	})
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(c.ID) })
		e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
		e.Field("description", func(e *jx.Encoder) { e.Str(c.Description) })
		e.Field("discountType", func(e *jx.Encoder) { e.Str(string(c.DiscountType)) })
		e.Field("value", func(e *jx.Encoder) { money(e, c.Value) })
		if c.MaxDiscount.Valid {
			e.Field("maxDiscount", func(e *jx.Encoder) { money(e, c.MaxDiscount.Decimal) })
		}
		e.Field("minOrderValue", func(e *jx.Encoder) { money(e, c.MinOrderValue) })
		e.Field("usageType", func(e *jx.Encoder) { e.Str(string(c.UsageType)) })
		if c.UsageLimit != nil {
			e.Field("usageLimit", func(e *jx.Encoder) { e.Int(*c.UsageLimit) })
		}
		e.Field("usageCount", func(e *jx.Encoder) { e.Int(c.UsageCount) })
		if c.ValidFrom != nil {
			e.Field("validFrom", func(e *jx.Encoder) { timestamp(e, *c.ValidFrom) })
		}
		if c.ValidUntil != nil {
			e.Field("validUntil", func(e *jx.Encoder) { timestamp(e, *c.ValidUntil) })
		}
		e.Field("isActive", func(e *jx.Encoder) { e.Bool(c.IsActive) })
	})
}

func encodeUsage(e *jx.Encoder, u coupon.Usage) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(u.ID) })
		e.Field("orderId", func(e *jx.Encoder) { e.Str(u.OrderID) })
		if u.Identity.UserID != "" {
			e.Field("userId", func(e *jx.Encoder) { e.Str(u.Identity.UserID) })
		}
		if u.Identity.GuestToken != "" {
			e.Field("guestToken", func(e *jx.Encoder) { e.Str(u.Identity.GuestToken) })
		}
		e.Field("email", func(e *jx.Encoder) { e.Str(u.Identity.Email) })
		e.Field("phone", func(e *jx.Encoder) { e.Str(u.Identity.Phone) })
		e.Field("discount", func(e *jx.Encoder) { money(e, u.Discount) })
		e.Field("usedAt", func(e *jx.Encoder) { timestamp(e, u.UsedAt) })
	})
}
