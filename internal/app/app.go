package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/alert"
	"github.com/xenking/storefront/internal/audit"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/storage/postgres"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

const serviceName = "storefront"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("environment", cfg.Alert.EnvironmentLabel),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Alerting.
	var notifier alert.Notifier
	if cfg.Alert.SMTP.Addr != "" {
		notifier = alert.NewSMTPNotifier(alert.SMTPConfig{
			Addr:     cfg.Alert.SMTP.Addr,
			Username: cfg.Alert.SMTP.Username,
			Password: cfg.Alert.SMTP.Password,
			From:     cfg.Alert.SMTP.From,
		})
	} else {
		lg.Warn("SMTP is not configured, critical alerts are only logged")
	}
	dispatcher, err := alert.NewDispatcher(lg.Named("alert"), alert.Config{
		AdminRecipient:   cfg.Alert.AdminRecipient,
		EnvironmentLabel: cfg.Alert.EnvironmentLabel,
		QueueSize:        cfg.Alert.QueueSize,
		NotifyTimeout:    cfg.Alert.NotifyTimeout,
	}, notifier, m.MeterProvider().Meter(serviceName))
	if err != nil {
		return errors.Wrap(err, "create alert dispatcher")
	}
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()
	auditor := audit.New(dispatcher)

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("alert_queue", time.Second, dispatcher.QueueCheck)
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Domain services.
	tracer := m.TracerProvider().Tracer(serviceName)
	applier := coupon.NewApplier(couponRepo, auditor, coupon.ApplierConfig{
		MaxAttempts: cfg.Coupon.MaxAttempts,
		Backoff:     cfg.Coupon.RetryBackoff,
		Tracer:      tracer,
		Meter:       m.MeterProvider().Meter(serviceName),
	})
	couponService := coupon.NewService(couponRepo)
	productService := product.NewService(productRepo, auditor)
	orderService := order.NewService(productRepo, applier, orderRepo, auditor, tracer)

	// HTTP handlers.
	h := handler.NewHandler(
		applier,
		couponService,
		orderService,
		productService,
		auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	)

	couponLimiter := httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
		Max:    cfg.CouponRateLimit.Max,
		Window: cfg.CouponRateLimit.Window,
		OnLimited: func(r *http.Request, key string) {
			auditor.AuditSuspiciousActivity(r.Context(), "coupon_rate_limited", alert.Context{
				{Key: "client", Value: key},
				{Key: "path", Value: r.URL.Path},
			})
		},
	})

	router := chi.NewRouter()
	router.Use(
		httpmiddleware.Instrument(serviceName, m),
		httpmiddleware.LogRequests(),
	)
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Register(router, handler.Options{CouponLimiter: couponLimiter})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader, httpmiddleware.RequestIDHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader, "Retry-After"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()

		select {
		case <-dispatchDone:
		case <-shutdownCtx.Done():
			lg.Warn("Alert queue not drained before shutdown timeout")
		}
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
