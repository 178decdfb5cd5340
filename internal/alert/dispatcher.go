package alert

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Notifier delivers an admin notification. Implementations must honour ctx
// cancellation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Config configures a Dispatcher.
type Config struct {
	// AdminRecipient receives CRITICAL notifications. Empty disables them.
	AdminRecipient string
	// EnvironmentLabel is attached to every log line and notification subject.
	EnvironmentLabel string
	// QueueSize enables asynchronous delivery when positive. Run must be
	// started for queued notifications to be sent.
	QueueSize int
	// NotifyTimeout bounds a single delivery attempt.
	NotifyTimeout time.Duration
}

// Dispatcher logs alerts and forwards CRITICAL ones to a Notifier.
type Dispatcher struct {
	cfg      Config
	notifier Notifier
	lg       *zap.Logger
	queue    chan Notification

	dispatched metric.Int64Counter
	failed     metric.Int64Counter
}

// NewDispatcher creates a Dispatcher. A nil notifier disables the
// notification leg.
func NewDispatcher(lg *zap.Logger, cfg Config, notifier Notifier, meter metric.Meter) (*Dispatcher, error) {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	dispatched, err := meter.Int64Counter("storefront.alerts.dispatched",
		metric.WithDescription("Alerts raised, by code and severity"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create dispatched counter")
	}
	failed, err := meter.Int64Counter("storefront.alerts.notify_failures",
		metric.WithDescription("Admin notifications that could not be delivered"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create notify failures counter")
	}

	d := &Dispatcher{
		cfg:        cfg,
		notifier:   notifier,
		lg:         lg,
		dispatched: dispatched,
		failed:     failed,
	}
	if cfg.QueueSize > 0 {
		d.queue = make(chan Notification, cfg.QueueSize)
	}
	return d, nil
}

// Dispatch writes a to the log synchronously and, for CRITICAL alerts,
// attempts a single admin notification. It never panics on transport
// failures and never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) Delivery {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	d.log(a)
	d.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", a.Code),
		attribute.String("severity", string(a.Severity)),
	))

	if a.Severity != SeverityCritical {
		return Delivery{Status: StatusSkipped, Reason: "not critical"}
	}
	if d.notifier == nil || d.cfg.AdminRecipient == "" {
		return Delivery{Status: StatusSkipped, Reason: "notifier not configured"}
	}

	n := render(a, d.cfg)
	if d.queue == nil {
		return d.deliver(ctx, n)
	}

	select {
	case d.queue <- n:
		return Delivery{Status: StatusQueued}
	default:
		return d.fail(ctx, a.Code, errors.New("queue full"))
	}
}

// Run sends queued notifications until ctx is done, then delivers whatever
// is still queued before returning. It is a no-op when the dispatcher is
// synchronous.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.queue == nil {
		return
	}
	// Detached from ctx so shutdown does not abort an in-flight send.
	sendCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			d.drain(sendCtx)
			return
		case n := <-d.queue:
			d.deliver(sendCtx, n)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	if pending := len(d.queue); pending > 0 {
		d.lg.Info("Draining alert queue", zap.Int("pending", pending))
	}
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		default:
			return
		}
	}
}

// QueueCheck reports an error when the notification queue is saturated.
func (d *Dispatcher) QueueCheck(_ context.Context) error {
	if d.queue == nil {
		return nil
	}
	if len(d.queue) == cap(d.queue) {
		return errors.Errorf("alert queue full (%d)", cap(d.queue))
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) (delivery Delivery) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.NotifyTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			delivery = d.fail(ctx, n.Code, errors.Errorf("notifier panic: %v", r))
		}
	}()

	if err := d.notifier.Notify(ctx, n); err != nil {
		return d.fail(ctx, n.Code, err)
	}
	return Delivery{Status: StatusDelivered}
}

func (d *Dispatcher) fail(ctx context.Context, code string, err error) Delivery {
	d.failed.Add(ctx, 1)
	d.lg.Error("Admin notification failed",
		zap.String("alert_code", code),
		zap.String("environment", d.cfg.EnvironmentLabel),
		zap.Error(err),
	)
	return Delivery{Status: StatusFailed, Reason: err.Error()}
}

func (d *Dispatcher) log(a Alert) {
	fields := make([]zap.Field, 0, 6+len(a.Context))
	fields = append(fields,
		zap.String("alert_code", a.Code),
		zap.String("severity", string(a.Severity)),
		zap.Time("at", a.At),
	)
	if d.cfg.EnvironmentLabel != "" {
		fields = append(fields, zap.String("environment", d.cfg.EnvironmentLabel))
	}
	if a.Action != "" {
		fields = append(fields, zap.String("action", a.Action))
	}
	fields = append(fields, zap.Namespace("context"))
	for _, f := range a.Context {
		fields = append(fields, zap.String(f.Key, f.Value))
	}

	msg := a.Message
	if msg == "" {
		msg = a.Code
	}
	switch a.Severity {
	case SeverityCritical:
		d.lg.Error(msg, fields...)
	case SeverityWarning:
		d.lg.Warn(msg, fields...)
	default:
		d.lg.Info(msg, fields...)
	}
}
