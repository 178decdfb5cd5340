package coupon

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ApplyRequest is the input of a coupon application.
type ApplyRequest struct {
	Code     string
	OrderID  string
	Subtotal decimal.Decimal
	Identity Identity
}

// Outcome is the result of a preview or an application. Exactly one of
// Rejection or Coupon is set.
type Outcome struct {
	Coupon    *Coupon
	Discount  decimal.Decimal
	Rejection Reason
	// UsageCount is the counter value after a committed application.
	UsageCount int
}

// Rejected reports whether the coupon was refused for a business reason.
func (o *Outcome) Rejected() bool {
	return o.Rejection != ""
}

// ApplierConfig configures retry behaviour.
type ApplierConfig struct {
	// MaxAttempts bounds the number of transaction attempts on conflict.
	MaxAttempts int
	// Backoff is the base delay between attempts. It doubles each attempt
	// and gets up to 25% jitter.
	Backoff time.Duration
	Tracer  trace.Tracer
	Meter   metric.Meter
}

// Application outcomes reported by the storefront.coupon.applications counter.
const (
	outcomeApplied   = "applied"
	outcomeRejected  = "rejected"
	outcomeDuplicate = "duplicate"
	outcomeTransient = "transient"
	outcomeError     = "error"
)

// Applier validates and applies coupons to orders.
type Applier struct {
	store   Store
	auditor Auditor
	cfg     ApplierConfig
	now     func() time.Time

	outcomes metric.Int64Counter
}

// NewApplier creates an Applier. Zero config values get defaults: three
// attempts with a 25ms base backoff.
func NewApplier(store Store, auditor Auditor, cfg ApplierConfig) *Applier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 25 * time.Millisecond
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter("")
	}
	outcomes, err := cfg.Meter.Int64Counter("storefront.coupon.applications",
		metric.WithDescription("Coupon application attempts by outcome"),
	)
	if err != nil {
		outcomes, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter("storefront.coupon.applications")
	}
	return &Applier{
		store:    store,
		auditor:  auditor,
		cfg:      cfg,
		now:      time.Now,
		outcomes: outcomes,
	}
}

func (a *Applier) count(ctx context.Context, outcome string) {
	a.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Preview evaluates the coupon against the subtotal and identity without
// locking or mutating anything. Its verdict is advisory: Apply re-checks
// everything under lock.
func (a *Applier) Preview(ctx context.Context, code string, subtotal decimal.Decimal, identity Identity) (*Outcome, error) {
	ctx, span := a.cfg.Tracer.Start(ctx, "coupon.Preview",
		trace.WithAttributes(attribute.String("coupon.code", code)),
	)
	defer span.End()

	c, err := a.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Outcome{Rejection: ReasonNotFound}, nil
		}
		return nil, errors.Wrap(err, "find coupon")
	}
	if reason := a.evaluate(c, subtotal); reason != "" {
		return &Outcome{Rejection: reason}, nil
	}

	identity = identity.Normalize()
	used, err := a.store.HasIdentityUsed(ctx, c.ID, identity.Email, identity.Phone)
	if err != nil {
		return nil, errors.Wrap(err, "check identity usage")
	}
	if used {
		return &Outcome{Rejection: ReasonAlreadyUsedByIdent}, nil
	}

	return &Outcome{
		Coupon:     c,
		Discount:   CalculateDiscount(c, subtotal),
		UsageCount: c.UsageCount,
	}, nil
}

// Apply validates the coupon and, if eligible, atomically increments its
// counter, records the usage and attaches the discount to the order.
//
// Business rejections are reported through Outcome with a nil error. Lost
// races are retried up to MaxAttempts times and then reported as
// *TransientError, as are storage failures. Applying the same coupon to the
// same order twice fails with *DuplicateUsageError.
func (a *Applier) Apply(ctx context.Context, req ApplyRequest) (*Outcome, error) {
	ctx, span := a.cfg.Tracer.Start(ctx, "coupon.Apply",
		trace.WithAttributes(
			attribute.String("coupon.code", req.Code),
			attribute.String("order.id", req.OrderID),
		),
	)
	defer span.End()

	lg := zctx.From(ctx).With(
		zap.String("coupon_code", req.Code),
		zap.String("order_id", req.OrderID),
	)
	req.Identity = req.Identity.Normalize()

	var lastErr error
	backoff := a.cfg.Backoff
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		out, err := a.applyOnce(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.Int("coupon.attempts", attempt))
			if out.Rejected() {
				span.SetAttributes(attribute.String("coupon.rejection", string(out.Rejection)))
				lg.Info("Coupon rejected", zap.String("reason", string(out.Rejection)))
				a.count(ctx, outcomeRejected)
				return out, nil
			}
			lg.Info("Coupon applied",
				zap.Int64("coupon_id", out.Coupon.ID),
				zap.String("discount", out.Discount.StringFixed(2)),
				zap.Int("usage_count", out.UsageCount),
			)
			a.count(ctx, outcomeApplied)
			if limit, ok := out.Coupon.Limit(); ok {
				a.auditor.AuditCouponIncrement(ctx, out.Coupon.ID, out.UsageCount, limit)
			}
			return out, nil
		}
		if !errors.Is(err, ErrConflict) {
			var dup *DuplicateUsageError
			switch {
			case errors.As(err, &dup):
				a.count(ctx, outcomeDuplicate)
			case permanent(ctx, err):
				a.count(ctx, outcomeError)
			default:
				// Nothing was committed, so the caller may try again.
				err = &TransientError{Attempts: attempt, Err: err}
				a.count(ctx, outcomeTransient)
				lg.Warn("Coupon application failed", zap.Error(err))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		lastErr = err
		lg.Debug("Coupon conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == a.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, backoff+time.Duration(rand.Int64N(int64(backoff/4)+1))); err != nil {
			return nil, errors.Wrap(err, "wait before retry")
		}
		backoff *= 2
	}

	err := &TransientError{Attempts: a.cfg.MaxAttempts, Err: lastErr}
	a.count(ctx, outcomeTransient)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	lg.Warn("Coupon application exhausted retries", zap.Int("attempts", a.cfg.MaxAttempts), zap.Error(lastErr))
	return nil, err
}

func (a *Applier) applyOnce(ctx context.Context, req ApplyRequest) (*Outcome, error) {
	var out *Outcome
	err := a.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.LockByCode(ctx, req.Code)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return &RejectionError{Reason: ReasonNotFound}
			}
			return errors.Wrap(err, "lock coupon")
		}

		dup, err := tx.HasOrderUsage(ctx, c.ID, req.OrderID)
		if err != nil {
			return errors.Wrap(err, "check order usage")
		}
		if dup {
			return &DuplicateUsageError{CouponID: c.ID, OrderID: req.OrderID}
		}

		if reason := a.evaluate(c, req.Subtotal); reason != "" {
			return &RejectionError{Reason: reason}
		}

		used, err := tx.HasIdentityUsed(ctx, c.ID, req.Identity.Email, req.Identity.Phone)
		if err != nil {
			return errors.Wrap(err, "check identity usage")
		}
		if used {
			return &RejectionError{Reason: ReasonAlreadyUsedByIdent}
		}

		discount := CalculateDiscount(c, req.Subtotal)

		count, err := tx.IncrementUsage(ctx, c.ID, c.UsageCount)
		if err != nil {
			return errors.Wrap(err, "increment usage")
		}

		if err := tx.RecordUsage(ctx, &Usage{
			ID:       uuid.New().String(),
			CouponID: c.ID,
			OrderID:  req.OrderID,
			Identity: req.Identity,
			Discount: discount,
			UsedAt:   a.now(),
		}); err != nil {
			return errors.Wrap(err, "record usage")
		}

		if err := tx.AttachToOrder(ctx, req.OrderID, c.ID, discount); err != nil {
			return errors.Wrap(err, "attach to order")
		}

		c.UsageCount = count
		out = &Outcome{Coupon: c, Discount: discount, UsageCount: count}
		return nil
	})

	var rej *RejectionError
	if errors.As(err, &rej) {
		return &Outcome{Rejection: rej.Reason}, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// permanent reports whether a failed application must not be retried: the
// order cannot take the coupon, or the caller gave up.
func permanent(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, ErrOrderNotEligible), errors.Is(err, ErrNotFound):
		return true
	case ctx.Err() != nil:
		return true
	}
	return false
}

// evaluate runs the validity, minimum and limit checks in order.
func (a *Applier) evaluate(c *Coupon, subtotal decimal.Decimal) Reason {
	switch {
	case !IsCurrentlyValid(c, a.now()):
		return ReasonExpiredOrInactive
	case !MeetsMinimum(c, subtotal):
		return ReasonBelowMinimumOrder
	case HasReachedLimit(c):
		return ReasonLimitReached
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
