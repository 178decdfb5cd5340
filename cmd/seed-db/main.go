package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/storage/postgres"
)

type seedProduct struct {
	ID       string
	Name     string
	Price    string
	Category string
	Stock    int
}

var products = []seedProduct{
	{ID: "P-1001", Name: "Wireless Headphones", Price: "1250000", Category: "audio", Stock: 40},
	{ID: "P-1002", Name: "Mechanical Keyboard", Price: "980000", Category: "peripherals", Stock: 25},
	{ID: "P-1003", Name: "USB-C Hub", Price: "150000", Category: "peripherals", Stock: 120},
	{ID: "P-1004", Name: "27in Monitor", Price: "4200000", Category: "displays", Stock: 8},
	{ID: "P-1005", Name: "Laptop Stand", Price: "320000", Category: "accessories", Stock: 60},
	{ID: "P-1006", Name: "Webcam 1080p", Price: "540000", Category: "video", Stock: 0},
}

const upsertProductSQL = `
INSERT INTO products (id, name, price, category, stock)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, price = EXCLUDED.price, category = EXCLUDED.category,
    stock = EXCLUDED.stock, updated_at = now()`

func demoCoupons() []*coupon.Coupon {
	limit := func(n int) *int { return &n }
	return []*coupon.Coupon{
		{
			Code:         "WELCOME10",
			Description:  "10% off, up to 50,000",
			DiscountType: coupon.DiscountPercentage,
			Value:        decimal.NewFromInt(10),
			MaxDiscount:  decimal.NewNullDecimal(decimal.NewFromInt(50000)),
			UsageType:    coupon.UsageLimited,
			UsageLimit:   limit(1000),
			IsActive:     true,
		},
		{
			Code:          "FLAT200K",
			Description:   "200,000 off orders over 1,000,000",
			DiscountType:  coupon.DiscountFixed,
			Value:         decimal.NewFromInt(200000),
			MinOrderValue: decimal.NewFromInt(1000000),
			UsageType:     coupon.UsageLimited,
			UsageLimit:    limit(50),
			IsActive:      true,
		},
		{
			Code:         "VIP50",
			Description:  "One-off 50% voucher",
			DiscountType: coupon.DiscountPercentage,
			Value:        decimal.NewFromInt(50),
			UsageType:    coupon.UsageSingle,
			IsActive:     true,
		},
	}
}

func main() {
	var (
		databaseURL string
		adminKey    string
		paymentsKey string
		pepper      string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&adminKey, "admin-key", "", "admin API key to seed (or STOREFRONT_SEED_ADMIN_KEY env)")
	flag.StringVar(&paymentsKey, "payments-key", "", "payment gateway API key to seed (or STOREFRONT_SEED_PAYMENTS_KEY env)")
	flag.StringVar(&pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_API_KEY_PEPPER env)")
	flag.Parse()

	databaseURL = orEnv(databaseURL, "DATABASE_URL")
	adminKey = orEnv(adminKey, "STOREFRONT_SEED_ADMIN_KEY")
	paymentsKey = orEnv(paymentsKey, "STOREFRONT_SEED_PAYMENTS_KEY")
	pepper = orEnv(pepper, "STOREFRONT_API_KEY_PEPPER")

	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	keys := map[string]string{auth.ScopeAdmin: adminKey, auth.ScopePayments: paymentsKey}
	if err := run(ctx, databaseURL, keys, pepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func orEnv(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func run(ctx context.Context, databaseURL string, keys map[string]string, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, pool); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, coupon.NewService(postgres.NewCouponRepository(pool))); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedAPIKeys(ctx, postgres.NewAPIKeyRepository(pool), keys, []byte(pepper)); err != nil {
		return errors.Wrap(err, "seed api keys")
	}

	return nil
}

func seedProducts(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return errors.Wrapf(err, "parse price of %s", p.ID)
		}
		if _, err := pool.Exec(ctx, upsertProductSQL, p.ID, p.Name, price, p.Category, p.Stock); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.Int("stock", p.Stock))
	}

	return nil
}

func seedCoupons(ctx context.Context, svc *coupon.Service) error {
	for _, c := range demoCoupons() {
		err := svc.Create(ctx, c)
		switch {
		case errors.Is(err, coupon.ErrAlreadyExists):
			slog.Info("coupon already exists", slog.String("code", c.Code))
		case err != nil:
			return errors.Wrapf(err, "create coupon %s", c.Code)
		default:
			slog.Info("created coupon", slog.String("code", c.Code), slog.String("description", c.Description))
		}
	}

	return nil
}

func seedAPIKeys(ctx context.Context, repo *postgres.APIKeyRepository, keys map[string]string, pepper []byte) error {
	for scope, key := range keys {
		if key == "" {
			slog.Warn("no key given, skipping", slog.String("scope", scope))
			continue
		}
		info := auth.APIKeyInfo{
			ID:      "default-" + scope,
			KeyHash: auth.HashKey(pepper, key),
			Name:    "Default " + scope + " key",
			Scopes:  []string{scope},
		}
		if err := repo.Upsert(ctx, info); err != nil {
			return err
		}

		slog.Info("upserted API key", slog.String("id", info.ID), slog.String("scope", scope))
	}

	return nil
}
