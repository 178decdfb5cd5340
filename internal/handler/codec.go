package handler

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

const maxBodyBytes = 1 << 20

// requestError is a malformed request body or parameter.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// decodeObject reads a JSON object body and calls field for every key.
// Unknown keys must be skipped by field.
func decodeObject(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return badRequest("read body: %v", err)
	}
	if len(data) > maxBodyBytes {
		return badRequest("body too large")
	}
	if err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	}); err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return reqErr
		}
		return badRequest("invalid json: %v", err)
	}
	return nil
}

// decodeQuantity reads an integer that fits the INTEGER columns it is
// stored in.
func decodeQuantity(d *jx.Decoder, field string) (int, error) {
	n, err := d.Int64()
	if err != nil {
		return 0, badRequest("%s must be an integer", field)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, badRequest("%s out of range", field)
	}
	return int(n), nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder, field string) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	default:
		return decimal.Decimal{}, badRequest("%s must be a number", field)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, badRequest("%s must be a number", field)
	}
	return v, nil
}

// decodeOptDecimal decodes a decimal that may be null.
func decodeOptDecimal(d *jx.Decoder, field string) (decimal.NullDecimal, error) {
	if d.Next() == jx.Null {
		return decimal.NullDecimal{}, d.Null()
	}
	v, err := decodeDecimal(d, field)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: v, Valid: true}, nil
}

// decodeOptTime decodes an RFC 3339 timestamp that may be null.
func decodeOptTime(d *jx.Decoder, field string) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, badRequest("%s must be an RFC 3339 string", field)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, badRequest("%s must be an RFC 3339 string", field)
	}
	return &t, nil
}

func decodeIdentityField(d *jx.Decoder, key string, id *coupon.Identity) (bool, error) {
	var dst *string
	switch key {
	case "userId":
		dst = &id.UserID
	case "guestToken":
		dst = &id.GuestToken
	case "email":
		dst = &id.Email
	case "phone":
		dst = &id.Phone
	default:
		return false, nil
	}
	s, err := d.Str()
	*dst = s
	return true, err
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Str(v.StringFixed(2))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func writeJSON(w http.ResponseWriter, status int, body func(e *jx.Encoder)) {
	var e jx.Encoder
	body(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

func writeRejection(w http.ResponseWriter, reason coupon.Reason) {
	writeJSON(w, http.StatusUnprocessableEntity, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(http.StatusUnprocessableEntity) })
			e.Field("reason", func(e *jx.Encoder) { e.Str(string(reason)) })
			e.Field("message", func(e *jx.Encoder) { e.Str(reason.Message()) })
		})
	})
}

// retryAfterSeconds is sent with 503 responses for transient coupon failures.
const retryAfterSeconds = 1

// handleError maps domain errors to HTTP responses.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr     *requestError
		rejection  *coupon.RejectionError
		duplicate  *coupon.DuplicateUsageError
		transient  *coupon.TransientError
		invalid    *coupon.InvalidCouponError
		quantity   *order.InvalidQuantityError
		notFound   *order.ProductNotFoundError
		shortStock *product.InsufficientStockError
		transition *order.InvalidTransitionError
	)
	switch {
	case errors.As(err, &reqErr):
		writeError(w, http.StatusBadRequest, reqErr.msg)
	case errors.As(err, &rejection):
		writeRejection(w, rejection.Reason)
	case errors.As(err, &duplicate):
		writeError(w, http.StatusConflict, duplicate.Error())
	case errors.As(err, &transient):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, invalid.Error())
	case errors.Is(err, coupon.ErrAlreadyExists):
		writeError(w, http.StatusConflict, coupon.ErrAlreadyExists.Error())
	case errors.Is(err, order.ErrEmptyItems), errors.Is(err, order.ErrDuplicateItem):
		writeError(w, http.StatusBadRequest, rootMessage(err))
	case errors.As(err, &quantity):
		writeError(w, http.StatusUnprocessableEntity, quantity.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusUnprocessableEntity, notFound.Error())
	case errors.As(err, &shortStock):
		writeError(w, http.StatusConflict, shortStock.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, transition.Error())
	case errors.Is(err, product.ErrNegativeStock):
		writeError(w, http.StatusUnprocessableEntity, product.ErrNegativeStock.Error())
	case errors.Is(err, coupon.ErrOrderNotEligible):
		writeError(w, http.StatusConflict, coupon.ErrOrderNotEligible.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, order.ErrNotFound.Error())
	case errors.Is(err, coupon.ErrNotFound):
		writeError(w, http.StatusNotFound, coupon.ErrNotFound.Error())
	case errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, product.ErrNotFound.Error())
	default:
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// rootMessage returns the message of the innermost sentinel.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
