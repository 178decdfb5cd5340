package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	maxFiles      = 64
	progressEvery = 1_000_000
)

const insertCouponSQL = `
INSERT INTO coupons (code, description, discount_type, value, max_discount, min_order_value,
                     usage_type, usage_limit, valid_from, valid_until, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
ON CONFLICT (code) DO NOTHING`

type options struct {
	databaseURL string
	batchSize   int
	dryRun      bool

	discountType string
	value        string
	maxDiscount  string
	minOrder     string
	usageType    string
	usageLimit   int
	validFrom    string
	validUntil   string
	description  string
}

// stats counts codes across all import files.
type stats struct {
	read       atomic.Int64
	invalid    atomic.Int64
	duplicates atomic.Int64
	inserted   atomic.Int64
	existing   atomic.Int64
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.batchSize, "batch", 1000, "codes per insert batch")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "scan and report without writing")
	flag.StringVar(&opts.discountType, "type", string(coupon.DiscountPercentage), "discount type: PERCENTAGE or FIXED")
	flag.StringVar(&opts.value, "value", "", "discount value (percent or amount)")
	flag.StringVar(&opts.maxDiscount, "max-discount", "", "cap for PERCENTAGE discounts")
	flag.StringVar(&opts.minOrder, "min-order", "0", "minimum order subtotal")
	flag.StringVar(&opts.usageType, "usage", string(coupon.UsageSingle), "usage type: SINGLE_USE or LIMITED_USE")
	flag.IntVar(&opts.usageLimit, "usage-limit", 0, "redemption limit for LIMITED_USE")
	flag.StringVar(&opts.validFrom, "valid-from", "", "RFC3339 start of validity")
	flag.StringVar(&opts.validUntil, "valid-until", "", "RFC3339 end of validity")
	flag.StringVar(&opts.description, "description", "", "campaign description")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 || len(files) > maxFiles {
		slog.Error("expected 1 to 64 gzip files of coupon codes as arguments")
		os.Exit(1)
	}
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, files); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, opts options, files []string) error {
	tmpl, err := opts.template()
	if err != nil {
		return errors.Wrap(err, "campaign template")
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	// Pass 1: one bloom filter per file, built concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, err := buildBloomFilters(ctx, files)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: bloom hits are confirmed by recording real presence per file.
	slog.Info("pass 2: confirming cross-file duplicates")

	owners, err := findDuplicates(ctx, files, filters)
	if err != nil {
		return errors.Wrap(err, "find duplicates")
	}

	slog.Info("cross-file duplicates confirmed", slog.Int("count", len(owners)))

	var st stats
	var pool *pgxpool.Pool
	if !opts.dryRun {
		slog.Info("connecting to database")

		pool, err = postgres.NewPool(ctx, opts.databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()
	}

	// Pass 3: insert. A duplicated code is only written by its lowest file.
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			return importFile(gctx, pool, opts.batchSize, i, f, owners, tmpl, &st)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("import summary",
		slog.Int64("read", st.read.Load()),
		slog.Int64("invalid", st.invalid.Load()),
		slog.Int64("cross_file_duplicates", st.duplicates.Load()),
		slog.Int64("inserted", st.inserted.Load()),
		slog.Int64("already_present", st.existing.Load()),
		slog.Bool("dry_run", opts.dryRun),
	)

	return nil
}

// template builds and validates the coupon every imported code is given.
func (o options) template() (*coupon.Coupon, error) {
	c := &coupon.Coupon{
		Code:         "TEMPLATE",
		Description:  o.description,
		DiscountType: coupon.DiscountType(strings.ToUpper(o.discountType)),
		UsageType:    coupon.UsageType(strings.ToUpper(o.usageType)),
		IsActive:     true,
	}

	var err error
	if c.Value, err = decimal.NewFromString(o.value); err != nil {
		return nil, errors.Wrap(err, "parse value")
	}
	if c.MinOrderValue, err = decimal.NewFromString(o.minOrder); err != nil {
		return nil, errors.Wrap(err, "parse min order")
	}
	if o.maxDiscount != "" {
		d, err := decimal.NewFromString(o.maxDiscount)
		if err != nil {
			return nil, errors.Wrap(err, "parse max discount")
		}
		c.MaxDiscount = decimal.NewNullDecimal(d)
	}
	if c.UsageType == coupon.UsageLimited {
		limit := o.usageLimit
		c.UsageLimit = &limit
	}
	if c.ValidFrom, err = parseTime(o.validFrom); err != nil {
		return nil, errors.Wrap(err, "parse valid-from")
	}
	if c.ValidUntil, err = parseTime(o.validUntil); err != nil {
		return nil, errors.Wrap(err, "parse valid-until")
	}

	if err := coupon.Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
			var count uint64

			if err := streamCodes(ctx, f, func(code string) {
				if coupon.ValidateCode(code) != nil {
					return
				}
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}

			slog.Info("pass 1 complete", slog.Int("file", i+1), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findDuplicates returns every code present in two or more files, mapped to
// the index of the lowest file holding it.
func findDuplicates(ctx context.Context, files []string, filters []*bloom.BloomFilter) (map[string]int, error) {
	results := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			candidates := make(map[string]uint64)
			fileBit := uint64(1) << uint(i)

			if err := streamCodes(ctx, f, func(code string) {
				if coupon.ValidateCode(code) != nil {
					return
				}
				for j, filter := range filters {
					if j != i && filter.TestString(code) {
						candidates[code] |= fileBit
						return
					}
				}
			}); err != nil {
				return errors.Wrapf(err, "scan file %d for duplicates", i+1)
			}

			slog.Info("pass 2 complete", slog.Int("file", i+1), slog.Int("candidates", len(candidates)))
			results[i] = candidates
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, r := range results {
		for code, mask := range r {
			merged[code] |= mask
		}
	}

	// A single bit means the bloom hit was a false positive.
	owners := make(map[string]int)
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= 2 {
			owners[code] = bits.TrailingZeros64(mask)
		}
	}
	return owners, nil
}

func importFile(
	ctx context.Context,
	pool *pgxpool.Pool,
	batchSize, idx int,
	path string,
	owners map[string]int,
	tmpl *coupon.Coupon,
	st *stats,
) error {
	pending := make([]string, 0, batchSize)
	flush := func() error {
		if len(pending) == 0 || pool == nil {
			pending = pending[:0]
			return nil
		}
		inserted, err := insertBatch(ctx, pool, pending, tmpl)
		if err != nil {
			return err
		}
		st.inserted.Add(inserted)
		st.existing.Add(int64(len(pending)) - inserted)
		pending = pending[:0]
		return nil
	}

	var flushErr error
	err := streamCodes(ctx, path, func(code string) {
		if flushErr != nil {
			return
		}
		st.read.Add(1)
		if coupon.ValidateCode(code) != nil {
			st.invalid.Add(1)
			return
		}
		if owner, ok := owners[code]; ok && owner != idx {
			st.duplicates.Add(1)
			return
		}
		pending = append(pending, code)
		if len(pending) >= batchSize {
			flushErr = flush()
		}
	})
	if err != nil {
		return errors.Wrapf(err, "import file %d", idx+1)
	}
	if flushErr != nil {
		return errors.Wrapf(flushErr, "import file %d", idx+1)
	}
	if err := flush(); err != nil {
		return errors.Wrapf(err, "import file %d", idx+1)
	}

	slog.Info("file imported", slog.Int("file", idx+1), slog.String("path", path))
	return nil
}

// insertBatch writes codes with the template and returns how many were new.
func insertBatch(ctx context.Context, pool *pgxpool.Pool, codes []string, tmpl *coupon.Coupon) (int64, error) {
	batch := &pgx.Batch{}
	for _, code := range codes {
		batch.Queue(insertCouponSQL,
			code, tmpl.Description, string(tmpl.DiscountType), tmpl.Value, tmpl.MaxDiscount,
			tmpl.MinOrderValue, string(tmpl.UsageType), tmpl.UsageLimit, tmpl.ValidFrom, tmpl.ValidUntil,
		)
	}

	br := pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	var inserted int64
	for range codes {
		tag, err := br.Exec()
		if err != nil {
			return inserted, errors.Wrap(err, "insert coupon batch")
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// streamCodes opens a gzip-compressed file and calls fn for each trimmed,
// non-empty line.
func streamCodes(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if code := strings.TrimSpace(scanner.Text()); code != "" {
			fn(code)
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
