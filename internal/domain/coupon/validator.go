package coupon

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	minCodeLen = 3
	maxCodeLen = 50
)

var hundred = decimal.NewFromInt(100)

// InvalidCouponError describes why a coupon definition was refused.
type InvalidCouponError struct {
	Field  string
	Reason string
}

func (e *InvalidCouponError) Error() string {
	return fmt.Sprintf("invalid coupon %s: %s", e.Field, e.Reason)
}

// IsCurrentlyValid reports whether c is active and now falls inside its
// validity window. Both bounds are inclusive.
func IsCurrentlyValid(c *Coupon, now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	return true
}

// HasReachedLimit reports whether c cannot be redeemed again.
func HasReachedLimit(c *Coupon) bool {
	switch c.UsageType {
	case UsageSingle:
		return c.UsageCount > 0
	case UsageLimited:
		return c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit
	}
	return false
}

// MeetsMinimum reports whether subtotal satisfies the coupon minimum.
func MeetsMinimum(c *Coupon, subtotal decimal.Decimal) bool {
	return subtotal.GreaterThanOrEqual(c.MinOrderValue)
}

// CalculateDiscount returns the discount c grants on subtotal. Percentage
// discounts are capped at MaxDiscount and rounded half-up to 2 places; fixed
// discounts never exceed the subtotal.
func CalculateDiscount(c *Coupon, subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.Sign() <= 0 {
		return decimal.Zero
	}
	switch c.DiscountType {
	case DiscountPercentage:
		d := subtotal.Mul(c.Value).Div(hundred)
		if c.MaxDiscount.Valid && d.GreaterThan(c.MaxDiscount.Decimal) {
			d = c.MaxDiscount.Decimal
		}
		// Round is half away from zero, which is half-up for positive amounts.
		return d.Round(2)
	case DiscountFixed:
		return decimal.Min(c.Value, subtotal).Round(2)
	}
	return decimal.Zero
}

// ValidateCode checks the code format: 3 to 50 uppercase letters or digits.
func ValidateCode(code string) error {
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return &InvalidCouponError{Field: "code", Reason: fmt.Sprintf("must be %d-%d characters", minCodeLen, maxCodeLen)}
	}
	for i := range len(code) {
		ch := code[i]
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return &InvalidCouponError{Field: "code", Reason: "must contain only uppercase letters and digits"}
		}
	}
	return nil
}

// Validate checks a coupon definition before it is stored.
func Validate(c *Coupon) error {
	if err := ValidateCode(c.Code); err != nil {
		return err
	}
	if c.Value.Sign() <= 0 {
		return &InvalidCouponError{Field: "value", Reason: "must be positive"}
	}
	switch c.DiscountType {
	case DiscountPercentage:
		if c.Value.GreaterThan(hundred) {
			return &InvalidCouponError{Field: "value", Reason: "percentage must not exceed 100"}
		}
		if c.MaxDiscount.Valid && c.MaxDiscount.Decimal.Sign() <= 0 {
			return &InvalidCouponError{Field: "max_discount", Reason: "must be positive"}
		}
	case DiscountFixed:
		if c.MaxDiscount.Valid {
			return &InvalidCouponError{Field: "max_discount", Reason: "only allowed for PERCENTAGE coupons"}
		}
	default:
		return &InvalidCouponError{Field: "discount_type", Reason: fmt.Sprintf("unknown type %q", c.DiscountType)}
	}
	if c.MinOrderValue.IsNegative() {
		return &InvalidCouponError{Field: "min_order_value", Reason: "must not be negative"}
	}
	switch c.UsageType {
	case UsageSingle:
		if c.UsageLimit != nil {
			return &InvalidCouponError{Field: "usage_limit", Reason: "only allowed for LIMITED_USE coupons"}
		}
	case UsageLimited:
		if c.UsageLimit == nil || *c.UsageLimit <= 0 {
			return &InvalidCouponError{Field: "usage_limit", Reason: "must be positive for LIMITED_USE coupons"}
		}
	default:
		return &InvalidCouponError{Field: "usage_type", Reason: fmt.Sprintf("unknown type %q", c.UsageType)}
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom) {
		return &InvalidCouponError{Field: "valid_until", Reason: "must not be before valid_from"}
	}
	return nil
}
