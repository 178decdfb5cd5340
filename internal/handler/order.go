package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/order"
)

// PlaceOrder handles POST /api/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PlaceOrderRequest
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if ok, err := decodeIdentityField(d, key, &req.Identity); ok {
			return err
		}
		switch key {
		case "couponCode":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s, err := d.Str()
			req.CouponCode = s
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var item order.OrderItem
				err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					var err error
					switch string(key) {
					case "productId":
						item.ProductID, err = d.Str()
					case "quantity":
						item.Quantity, err = decodeQuantity(d, "quantity")
					default:
						err = d.Skip()
					}
					return err
				})
				req.Items = append(req.Items, item)
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	res, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, res.Order) })
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// PaymentCallback handles POST /api/payments/callback sent by the payment
// gateway.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var orderID, status string
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "orderId":
			orderID, err = d.Str()
		case "status":
			status, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	payment := order.PaymentStatus(status)
	if orderID == "" || !payment.Valid() {
		handleError(w, r, badRequest("orderId and a valid status are required"))
		return
	}

	o, err := h.orders.RecordPayment(r.Context(), orderID, payment)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// UpdateOrderStatus handles PATCH /api/admin/orders/{id}/status.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var status string
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		s, err := d.Str()
		status = s
		return err
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	next := order.Status(status)
	if !next.Valid() {
		handleError(w, r, badRequest("unknown status %q", status))
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), next)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("paymentStatus", func(e *jx.Encoder) { e.Str(string(o.PaymentStatus)) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						e.Field("unitPrice", func(e *jx.Encoder) { money(e, it.UnitPrice) })
					})
				}
			})
		})
		e.Field("subtotal", func(e *jx.Encoder) { money(e, o.Subtotal) })
		e.Field("discount", func(e *jx.Encoder) { money(e, o.Discount) })
		e.Field("total", func(e *jx.Encoder) { money(e, o.Total) })
		if o.CouponCode != "" {
			e.Field("couponCode", func(e *jx.Encoder) { e.Str(o.CouponCode) })
		}
		e.Field("createdAt", func(e *jx.Encoder) { timestamp(e, o.CreatedAt) })
		e.Field("updatedAt", func(e *jx.Encoder) { timestamp(e, o.UpdatedAt) })
	})
}
