package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

const couponColumns = `id, code, description, discount_type, value, max_discount, min_order_value,
		usage_type, usage_limit, usage_count, valid_from, valid_until, is_active, created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + `
		FROM coupons WHERE code = $1`

	lockCouponByCodeSQL = `SELECT ` + couponColumns + `
		FROM coupons WHERE code = $1 FOR UPDATE`

	createCouponSQL = `INSERT INTO coupons (code, description, discount_type, value, max_discount,
		min_order_value, usage_type, usage_limit, valid_from, valid_until, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, usage_count, created_at, updated_at`

	// The counter only moves from the expected value and never past the cap;
	// SINGLE_USE coupons have no stored limit and an effective cap of 1.
	incrementCouponUsageSQL = `UPDATE coupons SET usage_count = usage_count + 1, updated_at = now()
		WHERE id = $1 AND usage_count = $2 AND usage_count < COALESCE(usage_limit, 1)
		RETURNING usage_count`

	hasIdentityUsedSQL = `SELECT EXISTS (
		SELECT 1 FROM coupon_usages
		WHERE coupon_id = $1 AND (($2 <> '' AND email = $2) OR ($3 <> '' AND phone = $3)))`

	hasOrderUsageSQL = `SELECT EXISTS (
		SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND order_id = $2)`

	insertUsageSQL = `INSERT INTO coupon_usages (id, coupon_id, order_id, user_id, guest_token, email, phone, discount, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	listUsagesSQL = `SELECT id, coupon_id, order_id, user_id, guest_token, email, phone, discount, used_at
		FROM coupon_usages WHERE coupon_id = $1 ORDER BY used_at DESC, id`

	attachCouponSQL = `UPDATE orders SET coupon_id = $2, discount = $3,
		total = GREATEST(subtotal - $3, 0), updated_at = now()
		WHERE id = $1 AND coupon_id IS NULL AND status <> 'CANCELLED'`
)

var (
	_ coupon.Repository = (*CouponRepository)(nil)
	_ coupon.Tx         = (*couponTx)(nil)
)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its exact code.
// Returns coupon.ErrNotFound when no coupon matches.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return findCoupon(ctx, r.pool, getCouponByCodeSQL, code)
}

// HasIdentityUsed reports whether the email or phone already redeemed the coupon.
func (r *CouponRepository) HasIdentityUsed(ctx context.Context, couponID int64, email, phone string) (bool, error) {
	return hasIdentityUsed(ctx, r.pool, couponID, email, phone)
}

// InTx runs fn in a transaction. Coupon rows are locked with FOR UPDATE by
// Tx.LockByCode and stay locked until commit or rollback.
func (r *CouponRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx coupon.Tx) error) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &couponTx{tx: tx})
	})
}

// Create inserts a new coupon and fills in its generated fields.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	err := r.pool.QueryRow(ctx, createCouponSQL,
		c.Code, c.Description, string(c.DiscountType), c.Value, c.MaxDiscount,
		c.MinOrderValue, string(c.UsageType), c.UsageLimit, c.ValidFrom, c.ValidUntil, c.IsActive,
	).Scan(&c.ID, &c.UsageCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return coupon.ErrAlreadyExists
		}
		return errors.Wrapf(err, "insert coupon %q", c.Code)
	}
	return nil
}

// ListUsages returns every usage record of the coupon, newest first.
func (r *CouponRepository) ListUsages(ctx context.Context, couponID int64) ([]coupon.Usage, error) {
	rows, err := r.pool.Query(ctx, listUsagesSQL, couponID)
	if err != nil {
		return nil, errors.Wrapf(err, "list usages of coupon %d", couponID)
	}
	usages, err := pgx.CollectRows(rows, scanUsage)
	if err != nil {
		return nil, errors.Wrapf(err, "scan usages of coupon %d", couponID)
	}
	return usages, nil
}

type couponTx struct {
	tx pgx.Tx
}

func (t *couponTx) LockByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return findCoupon(ctx, t.tx, lockCouponByCodeSQL, code)
}

func (t *couponTx) HasIdentityUsed(ctx context.Context, couponID int64, email, phone string) (bool, error) {
	return hasIdentityUsed(ctx, t.tx, couponID, email, phone)
}

func (t *couponTx) HasOrderUsage(ctx context.Context, couponID int64, orderID string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, hasOrderUsageSQL, couponID, orderID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "query order usage")
	}
	return exists, nil
}

func (t *couponTx) RecordUsage(ctx context.Context, u *coupon.Usage) error {
	_, err := t.tx.Exec(ctx, insertUsageSQL,
		u.ID, u.CouponID, u.OrderID,
		u.Identity.UserID, u.Identity.GuestToken, u.Identity.Email, u.Identity.Phone,
		u.Discount, u.UsedAt,
	)
	if err != nil {
		if isUniqueViolation(err, couponOrderConstraint) {
			return &coupon.DuplicateUsageError{CouponID: u.CouponID, OrderID: u.OrderID}
		}
		return errors.Wrap(err, "insert usage")
	}
	return nil
}

func (t *couponTx) IncrementUsage(ctx context.Context, couponID int64, expected int) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, incrementCouponUsageSQL, couponID, expected).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, coupon.ErrConflict
		}
		return 0, errors.Wrap(err, "increment usage")
	}
	return count, nil
}

func (t *couponTx) AttachToOrder(ctx context.Context, orderID string, couponID int64, discount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, attachCouponSQL, orderID, couponID, discount)
	if err != nil {
		return errors.Wrap(err, "attach coupon")
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrOrderNotEligible
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findCoupon(ctx context.Context, q querier, sql, code string) (*coupon.Coupon, error) {
	rows, err := q.Query(ctx, sql, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return &c, nil
}

func hasIdentityUsed(ctx context.Context, q querier, couponID int64, email, phone string) (bool, error) {
	if email == "" && phone == "" {
		return false, nil
	}
	var exists bool
	if err := q.QueryRow(ctx, hasIdentityUsedSQL, couponID, email, phone).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "query identity usage")
	}
	return exists, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		usageType    string
		usageLimit   *int32
		usageCount   int32
		validFrom    *time.Time
		validUntil   *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &c.Value, &c.MaxDiscount, &c.MinOrderValue,
		&usageType, &usageLimit, &usageCount, &validFrom, &validUntil, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.UsageType = coupon.UsageType(usageType)
	if usageLimit != nil {
		limit := int(*usageLimit)
		c.UsageLimit = &limit
	}
	c.UsageCount = int(usageCount)
	c.ValidFrom = validFrom
	c.ValidUntil = validUntil
	return c, err
}

func scanUsage(row pgx.CollectableRow) (coupon.Usage, error) {
	var u coupon.Usage
	err := row.Scan(
		&u.ID, &u.CouponID, &u.OrderID,
		&u.Identity.UserID, &u.Identity.GuestToken, &u.Identity.Email, &u.Identity.Phone,
		&u.Discount, &u.UsedAt,
	)
	return u, err
}
