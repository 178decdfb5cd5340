package postgres

import (
	"cmp"
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

const orderColumns = `o.id, o.user_id, o.guest_token, o.email, o.phone, o.subtotal, o.discount, o.total,
		o.coupon_id, COALESCE(c.code, ''), o.status, o.payment_status, o.created_at, o.updated_at`

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, guest_token, email, phone, subtotal, discount, total,
		status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	createOrderItemSQL = `INSERT INTO order_items (order_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)`

	reserveStockSQL = `UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock`

	releaseStockSQL = `UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1
		RETURNING stock`

	getOrderSQL = `SELECT ` + orderColumns + `
		FROM orders o LEFT JOIN coupons c ON c.id = o.coupon_id
		WHERE o.id = $1`

	lockOrderSQL = `SELECT ` + orderColumns + `
		FROM orders o LEFT JOIN coupons c ON c.id = o.coupon_id
		WHERE o.id = $1
		FOR UPDATE OF o`

	listOrderItemsSQL = `SELECT product_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY product_id`

	updateOrderStateSQL = `UPDATE orders SET status = $2, payment_status = $3, updated_at = $4
		WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order with its items and reserves stock for every
// line. Stock rows are reserved in product ID order so concurrent checkouts
// lock them in the same sequence.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) ([]product.StockLevel, error) {
	items := slices.Clone(o.Items)
	slices.SortFunc(items, func(a, b order.OrderItem) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})

	levels := make([]product.StockLevel, 0, len(items))
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createOrderSQL,
			o.ID, o.Identity.UserID, o.Identity.GuestToken, o.Identity.Email, o.Identity.Phone,
			o.Subtotal, o.Discount, o.Total,
			string(o.Status), string(o.PaymentStatus), o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return errors.Wrapf(err, "insert order %q", o.ID)
		}

		for _, item := range items {
			var stock int32
			err := tx.QueryRow(ctx, reserveStockSQL, item.ProductID, item.Quantity).Scan(&stock)
			if errors.Is(err, pgx.ErrNoRows) {
				return insufficientStock(ctx, tx, item)
			}
			if err != nil {
				return errors.Wrapf(err, "reserve stock for %q", item.ProductID)
			}
			levels = append(levels, product.StockLevel{ProductID: item.ProductID, Quantity: int(stock)})

			if _, err := tx.Exec(ctx, createOrderItemSQL, o.ID, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
				return errors.Wrapf(err, "insert item %q", item.ProductID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return levels, nil
}

// Get returns an order with its items.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return findOrder(ctx, r.pool, getOrderSQL, id)
}

// Update locks the order row, applies mutate to a copy and persists the new
// status and payment status. Moving into CANCELLED returns reserved stock.
func (r *OrderRepository) Update(ctx context.Context, id string, mutate func(o *order.Order) error) (*order.Change, error) {
	var ch order.Change
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		before, err := findOrder(ctx, tx, lockOrderSQL, id)
		if err != nil {
			return err
		}

		after := *before
		after.Items = slices.Clone(before.Items)
		if err := mutate(&after); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, updateOrderStateSQL,
			id, string(after.Status), string(after.PaymentStatus), after.UpdatedAt,
		); err != nil {
			return errors.Wrapf(err, "update order %q", id)
		}

		var levels []product.StockLevel
		if after.Status == order.StatusCancelled && before.Status != order.StatusCancelled {
			for _, item := range before.Items {
				var stock int32
				if err := tx.QueryRow(ctx, releaseStockSQL, item.ProductID, item.Quantity).Scan(&stock); err != nil {
					return errors.Wrapf(err, "release stock for %q", item.ProductID)
				}
				levels = append(levels, product.StockLevel{ProductID: item.ProductID, Quantity: int(stock)})
			}
		}

		ch = order.Change{Before: *before, After: after, Stock: levels}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func insufficientStock(ctx context.Context, q querier, item order.OrderItem) error {
	var available int32
	err := q.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, item.ProductID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return product.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "read stock for %q", item.ProductID)
	}
	return &product.InsufficientStockError{
		ProductID: item.ProductID,
		Requested: item.Quantity,
		Available: int(available),
	}
}

func findOrder(ctx context.Context, q querier, sql, id string) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", id)
	}

	rows, err = q.Query(ctx, listOrderItemsSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "list items of order %q", id)
	}
	o.Items, err = pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, errors.Wrapf(err, "scan items of order %q", id)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o             order.Order
		status        string
		paymentStatus string
	)
	err := row.Scan(
		&o.ID, &o.Identity.UserID, &o.Identity.GuestToken, &o.Identity.Email, &o.Identity.Phone,
		&o.Subtotal, &o.Discount, &o.Total,
		&o.CouponID, &o.CouponCode, &status, &paymentStatus, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.OrderItem, error) {
	var (
		it  order.OrderItem
		qty int32
	)
	err := row.Scan(&it.ProductID, &qty, &it.UnitPrice)
	it.Quantity = int(qty)
	return it, err
}
