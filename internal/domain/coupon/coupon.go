package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "PERCENTAGE"
	// DiscountFixed takes a fixed amount, never more than the subtotal.
	DiscountFixed DiscountType = "FIXED"
)

// UsageType enumerates coupon redemption policies.
type UsageType string

const (
	// UsageSingle allows exactly one redemption in total.
	UsageSingle UsageType = "SINGLE_USE"
	// UsageLimited allows up to UsageLimit redemptions in total.
	UsageLimited UsageType = "LIMITED_USE"
)

var (
	// ErrNotFound is returned when no coupon matches the requested code.
	ErrNotFound = errors.New("coupon not found")
	// ErrConflict signals a lost race on the coupon row. The whole
	// application transaction is safe to retry.
	ErrConflict = errors.New("coupon update conflict")
	// ErrOrderNotEligible is returned when the target order is missing or
	// already carries a coupon.
	ErrOrderNotEligible = errors.New("order not eligible for coupon")
	// ErrAlreadyExists is returned when creating a coupon whose code is taken.
	ErrAlreadyExists = errors.New("coupon code already exists")
)

// Coupon is a discount voucher identified by a unique, case-sensitive code.
type Coupon struct {
	ID            int64
	Code          string
	Description   string
	DiscountType  DiscountType
	Value         decimal.Decimal
	MaxDiscount   decimal.NullDecimal
	MinOrderValue decimal.Decimal
	UsageType     UsageType
	// UsageLimit is set only for LIMITED_USE coupons.
	UsageLimit *int
	UsageCount int
	ValidFrom  *time.Time
	ValidUntil *time.Time
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Limit returns the effective redemption cap: 1 for SINGLE_USE, UsageLimit
// for LIMITED_USE. ok is false when the coupon has no cap.
func (c *Coupon) Limit() (limit int, ok bool) {
	switch c.UsageType {
	case UsageSingle:
		return 1, true
	case UsageLimited:
		if c.UsageLimit != nil {
			return *c.UsageLimit, true
		}
	}
	return 0, false
}

// Identity identifies the customer redeeming a coupon. Either UserID or
// GuestToken is set; Email and Phone drive identity-reuse detection.
type Identity struct {
	UserID     string
	GuestToken string
	Email      string
	Phone      string
}

// Normalize lowercases and trims the email and strips formatting from the
// phone number so equal contacts compare equal.
func (id Identity) Normalize() Identity {
	id.UserID = strings.TrimSpace(id.UserID)
	id.GuestToken = strings.TrimSpace(id.GuestToken)
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))
	id.Phone = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(id.Phone))
	return id
}

// Usage is a single committed redemption. Usages are append-only.
type Usage struct {
	ID       string
	CouponID int64
	OrderID  string
	Identity Identity
	Discount decimal.Decimal
	UsedAt   time.Time
}

// DuplicateUsageError is returned when a usage for the same coupon and order
// already exists.
type DuplicateUsageError struct {
	CouponID int64
	OrderID  string
}

func (e *DuplicateUsageError) Error() string {
	return fmt.Sprintf("coupon %d already applied to order %s", e.CouponID, e.OrderID)
}

// TransientError is returned when the application transaction could not
// commit, either after exhausting retries on conflict or because storage
// failed. Nothing was persisted and callers may retry later.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("coupon application failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectionError carries a business rejection. It is used to unwind the
// application transaction and by callers that surface rejections as errors.
type RejectionError struct {
	Reason Reason
}

func (e *RejectionError) Error() string {
	return "coupon rejected: " + string(e.Reason)
}

// Ledger records and queries coupon redemptions.
type Ledger interface {
	// HasIdentityUsed reports whether any usage of the coupon matches the
	// email or the phone. Empty values never match.
	HasIdentityUsed(ctx context.Context, couponID int64, email, phone string) (bool, error)
	// HasOrderUsage reports whether the coupon was already applied to the order.
	HasOrderUsage(ctx context.Context, couponID int64, orderID string) (bool, error)
	// RecordUsage appends u, failing with *DuplicateUsageError when the
	// (coupon, order) pair exists.
	RecordUsage(ctx context.Context, u *Usage) error
}

// Tx is the set of operations available inside the application
// transaction. Reads observe the state locked by LockByCode.
type Tx interface {
	Ledger
	// LockByCode loads the coupon and locks it until the transaction ends.
	LockByCode(ctx context.Context, code string) (*Coupon, error)
	// IncrementUsage bumps the counter from expected to expected+1 and
	// returns the new value. It returns ErrConflict when the counter moved
	// or the cap would be exceeded.
	IncrementUsage(ctx context.Context, couponID int64, expected int) (int, error)
	// AttachToOrder records the coupon and discount on the order.
	AttachToOrder(ctx context.Context, orderID string, couponID int64, discount decimal.Decimal) error
}

// Store provides read access and transactional application.
type Store interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	HasIdentityUsed(ctx context.Context, couponID int64, email, phone string) (bool, error)
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Repository is the full persistence contract for coupons.
type Repository interface {
	Store
	Create(ctx context.Context, c *Coupon) error
	ListUsages(ctx context.Context, couponID int64) ([]Usage, error)
}

// Auditor observes committed counter increments.
type Auditor interface {
	AuditCouponIncrement(ctx context.Context, couponID int64, newCount, limit int)
}
