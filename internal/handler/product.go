package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// GetProduct handles GET /api/products/{id}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
			e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
			e.Field("price", func(e *jx.Encoder) { money(e, p.Price) })
			e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
			e.Field("stock", func(e *jx.Encoder) { e.Int(p.Stock) })
		})
	})
}

// SetStock handles PUT /api/admin/products/{id}/stock.
func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	var (
		quantity int
		seen     bool
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		n, err := decodeQuantity(d, "quantity")
		quantity, seen = n, true
		return err
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !seen {
		handleError(w, r, badRequest("quantity is required"))
		return
	}

	level, err := h.products.SetStock(r.Context(), chi.URLParam(r, "id"), quantity)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("productId", func(e *jx.Encoder) { e.Str(level.ProductID) })
			e.Field("quantity", func(e *jx.Encoder) { e.Int(level.Quantity) })
		})
	})
}
