package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	appbilling "github.com/saasbill/backend/internal/application/billing"
	apppayment "github.com/saasbill/backend/internal/application/payment"
	domainpayment "github.com/saasbill/backend/internal/domain/payment"
	"github.com/saasbill/backend/internal/infrastructure/cache"
	"github.com/saasbill/backend/internal/infrastructure/config"
	"github.com/saasbill/backend/internal/infrastructure/event"
	"github.com/saasbill/backend/internal/infrastructure/logger"
	"github.com/saasbill/backend/internal/infrastructure/notification"
	infrapayment "github.com/saasbill/backend/internal/infrastructure/payment"
	"github.com/saasbill/backend/internal/infrastructure/persistence"
	"github.com/saasbill/backend/internal/infrastructure/scheduler"
	"github.com/saasbill/backend/internal/infrastructure/telemetry"
	"github.com/saasbill/backend/internal/interfaces/http/handler"
	"github.com/saasbill/backend/internal/interfaces/http/middleware"
	"github.com/saasbill/backend/internal/interfaces/http/router"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting billing backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Telemetry (tracing, metrics, logs). Providers are no-ops when disabled.
	telemetryCtx := context.Background()
	tracerProvider, err := telemetry.NewTracerProvider(telemetryCtx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	meterProvider, err := telemetry.NewMeterProvider(telemetryCtx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	loggerProvider, err := telemetry.NewLoggerProvider(telemetryCtx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	defer func() {
		if err := loggerProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	// Tee application logs to the OTEL collector alongside stdout
	if loggerProvider.IsEnabled() {
		logLevel, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zapcore.InfoLevel
		}
		otelCore := telemetry.NewZapOTELCore(telemetry.ZapBridgeConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			LoggerProvider: loggerProvider,
			Level:          logLevel,
		})
		log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelCore)
		}))
	}

	var billingMetrics appbilling.Metrics
	if cfg.Telemetry.Enabled {
		bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
			Meter:  meterProvider.Meter("saasbill/billing"),
			Logger: log,
		})
		if err != nil {
			log.Fatal("Failed to initialize billing metrics", zap.Error(err))
		}
		billingMetrics = bm
	}

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Database observability: query spans and pool stats
	if cfg.Telemetry.Enabled {
		dbTracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:          true,
			SlowQueryThresh:  200 * time.Millisecond,
			DBSystem:         "postgresql",
			WithoutVariables: cfg.App.Env == "production",
		}, log)
		if err := dbTracing.RegisterOtelGorm(db.DB); err != nil {
			log.Warn("Failed to register database tracing", zap.Error(err))
		}

		dbMetrics, err := telemetry.NewDBMetrics(
			meterProvider.Meter("saasbill/db"),
			telemetry.DefaultDBMetricsConfig(),
			log,
		)
		if err != nil {
			log.Warn("Failed to initialize database metrics", zap.Error(err))
		} else {
			if err := db.DB.Use(telemetry.NewDBMetricsPlugin(dbMetrics, log)); err != nil {
				log.Warn("Failed to register database metrics plugin", zap.Error(err))
			}
			if sqlDB, err := db.DB.DB(); err == nil {
				dbMetrics.SetSQLDB(sqlDB)
				dbMetrics.StartPoolStatsCollection(context.Background())
				defer dbMetrics.Stop()
			}
		}
	}

	// Initialize repositories
	planRepo := persistence.NewPlanRepository(db.DB)
	subRepo := persistence.NewSubscriptionRepository(db.DB)
	invoiceRepo := persistence.NewInvoiceRepository(db.DB)
	usageRepo := persistence.NewUsageCounterRepository(db.DB)

	// Payment provider adapters, in configured priority order
	var registrations []apppayment.ProviderRegistration
	for i, providerName := range cfg.Payment.ActiveProviders {
		switch providerName {
		case "stripe":
			stripeAdapter, err := infrapayment.NewStripeAdapter(&infrapayment.StripeConfig{
				SecretKey:           cfg.Stripe.SecretKey,
				WebhookSecret:       cfg.Stripe.WebhookSecret,
				IsTestMode:          cfg.Stripe.IsTestMode,
				StatementDescriptor: cfg.Stripe.StatementDescriptor,
			}, log)
			if err != nil {
				log.Fatal("Failed to initialize Stripe adapter", zap.Error(err))
			}
			registrations = append(registrations, apppayment.ProviderRegistration{
				Adapter:  stripeAdapter,
				Priority: i,
				IsActive: true,
			})
		case "alipay":
			alipayConfig, err := infrapayment.NewAlipayConfigBuilder().
				SetAppID(cfg.Alipay.AppID).
				SetPrivateKeyFromPEM(cfg.Alipay.PrivateKey).
				SetAlipayPublicKeyFromPEM(cfg.Alipay.AlipayPublicKey).
				SetNotifyURL(cfg.Alipay.NotifyURL).
				SetIsSandbox(cfg.Alipay.IsSandbox).
				Build()
			if err != nil {
				log.Fatal("Failed to build Alipay configuration", zap.Error(err))
			}
			alipayAdapter, err := infrapayment.NewAlipayAdapter(alipayConfig, log)
			if err != nil {
				log.Fatal("Failed to initialize Alipay adapter", zap.Error(err))
			}
			registrations = append(registrations, apppayment.ProviderRegistration{
				Adapter:  alipayAdapter,
				Priority: i,
				IsActive: true,
			})
		default:
			log.Warn("Unknown payment provider in configuration, skipping",
				zap.String("provider", providerName))
		}
	}
	if len(registrations) == 0 {
		log.Warn("No payment providers configured; charges will fail until one is enabled")
	}

	// Fraud screening policy from config, defaults when unset
	fraudPolicy := domainpayment.DefaultFraudPolicy()
	if cfg.Payment.FraudMediumThreshold > 0 {
		fraudPolicy.MediumThreshold = cfg.Payment.FraudMediumThreshold
	}
	if cfg.Payment.FraudHighThreshold > 0 {
		fraudPolicy.HighThreshold = cfg.Payment.FraudHighThreshold
	}
	if cfg.Payment.FraudAmountCeiling > 0 {
		fraudPolicy.AmountCeiling = decimal.NewFromFloat(cfg.Payment.FraudAmountCeiling)
	}
	screener := domainpayment.NewFraudScreener(fraudPolicy)

	dispatcher := apppayment.NewDispatcher(registrations, screener,
		apppayment.DispatcherConfig{ChargeTimeout: cfg.Payment.ChargeTimeout}, log)
	log.Info("Payment dispatcher initialized",
		zap.Int("providers", len(dispatcher.ActiveProviders())))

	// Initialize event bus and handlers
	eventBus := event.NewInMemoryEventBus(log)

	// Subscription cancelled -> usage counter cleanup
	subscriptionCancelledHandler := appbilling.NewSubscriptionCancelledHandler(usageRepo, log)
	eventBus.Subscribe(subscriptionCancelledHandler)

	log.Info("Event handlers registered",
		zap.Strings("subscription_cancelled_events", subscriptionCancelledHandler.EventTypes()),
	)

	// Start event bus
	if err := eventBus.Start(context.Background()); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	defer func() {
		if err := eventBus.Stop(context.Background()); err != nil {
			log.Error("Error stopping event bus", zap.Error(err))
		}
	}()

	// Initialize application services
	subService := appbilling.NewSubscriptionService(appbilling.SubscriptionServiceConfig{
		PlanRepo:       planRepo,
		SubRepo:        subRepo,
		InvoiceRepo:    invoiceRepo,
		UsageRepo:      usageRepo,
		EventPublisher: eventBus,
		Logger:         log,
	})

	// Payment outcome notifier: Redis pub/sub when reachable, logs otherwise
	var notifier appbilling.Notifier
	redisNotifier, err := notification.NewRedisNotifier(notification.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, notification.WithLogger(log))
	if err != nil {
		log.Warn("Redis notifier unavailable, falling back to logging notifier", zap.Error(err))
		notifier = notification.NewLoggingNotifier(log)
	} else {
		notifier = redisNotifier
		defer func() {
			if err := redisNotifier.Close(); err != nil {
				log.Error("Error closing Redis notifier", zap.Error(err))
			}
		}()
	}

	orchestrator := appbilling.NewOrchestrator(appbilling.OrchestratorConfig{
		SubRepo:              subRepo,
		PlanRepo:             planRepo,
		InvoiceRepo:          invoiceRepo,
		UsageRepo:            usageRepo,
		SubService:           subService,
		Dispatcher:           dispatcher,
		Notifier:             notifier,
		Metrics:              billingMetrics,
		Logger:               log,
		MaxConcurrentTenants: cfg.Billing.MaxConcurrentTenants,
		DueBatchSize:         cfg.Billing.DueBatchSize,
	})

	// Webhook idempotency store: Redis preferred, in-memory fallback
	idempotencyStore, err := cache.NewIdempotencyStoreFactory(cfg.Redis, cache.WithLogger(log)).CreateStore()
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}

	webhookService := appbilling.NewWebhookService(appbilling.WebhookServiceConfig{
		Validator:   dispatcher,
		SubRepo:     subRepo,
		InvoiceRepo: invoiceRepo,
		Idempotency: idempotencyStore,
		IdemTTL:     cfg.Billing.WebhookDedupTTL,
		Logger:      log,
	})

	// Billing scheduler drives cycle-boundary passes. It is constructed
	// even when disabled so the admin endpoints can report its state.
	billingScheduler := scheduler.NewBillingScheduler(orchestrator, log, scheduler.BillingSchedulerConfig{
		Enabled:     cfg.Scheduler.Enabled,
		Interval:    cfg.Scheduler.Interval,
		PassTimeout: cfg.Scheduler.PassTimeout,
	})
	if cfg.Scheduler.Enabled {
		if err := billingScheduler.Start(context.Background()); err != nil {
			log.Fatal("Failed to start billing scheduler", zap.Error(err))
		}
		defer func() {
			if err := billingScheduler.Stop(context.Background()); err != nil {
				log.Error("Error stopping billing scheduler", zap.Error(err))
			}
		}()
		log.Info("Billing scheduler started",
			zap.Duration("interval", cfg.Scheduler.Interval),
			zap.Duration("pass_timeout", cfg.Scheduler.PassTimeout),
		)
	}

	// Initialize HTTP handlers
	planHandler := handler.NewPlanHandler(planRepo)
	subscriptionHandler := handler.NewSubscriptionHandler(subService, subRepo)
	usageHandler := handler.NewUsageHandler(subService, subRepo, usageRepo)
	invoiceHandler := handler.NewInvoiceHandler(subService, orchestrator, invoiceRepo)
	paymentHandler := handler.NewPaymentHandler(orchestrator, dispatcher, invoiceRepo, subRepo)
	webhookHandler := handler.NewWebhookHandler(webhookService)
	schedulerHandler := handler.NewSchedulerHandler(billingScheduler)
	systemHandler := handler.NewSystemHandler()

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	// Initialize router with custom middleware
	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Recovery - Catch panics
	// 3. Logger - Log requests
	// 4. Security - Add security headers
	// 5. CORS - Handle cross-origin requests
	// 6. BodyLimit - Limit request body size
	// 7. RateLimit - Apply rate limiting (if enabled)
	// 8. Tracing/Metrics - Observability (if enabled)
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())

	// Configure CORS from config
	corsConfig := middleware.CORSConfig{
		AllowOrigins:     cfg.HTTP.CORSAllowOrigins,
		AllowMethods:     cfg.HTTP.CORSAllowMethods,
		AllowHeaders:     cfg.HTTP.CORSAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	engine.Use(middleware.CORSWithConfig(corsConfig))

	// Body size limit
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	// Rate limiting (if enabled)
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		engine.Use(middleware.RateLimit(rateLimiter))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	// Observability middleware (if enabled)
	if cfg.Telemetry.Enabled {
		engine.Use(middleware.Tracing())
		engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
			MeterProvider: meterProvider,
			ServiceName:   cfg.Telemetry.ServiceName,
			Enabled:       true,
		}))
	}

	// Tenant resolution. Provider webhooks carry no tenant header; the
	// tenant is resolved from the event payload inside the service.
	engine.Use(middleware.TenantMiddlewareWithConfig(middleware.TenantMiddlewareConfig{
		HeaderEnabled: true,
		SkipPaths: []string{
			"/health",
			"/api/v1/ping",
			"/api/v1/system",
			"/api/v1/webhooks",
		},
		Required: true,
		Logger:   log,
	}))

	// Health check endpoint (outside API versioning)
	engine.GET("/health", healthHandler(db, log))

	// Provider webhook endpoints. Called directly by the payment
	// networks, authenticated by signature rather than tenant context.
	webhookGroup := engine.Group("/api/v1/webhooks")
	webhookGroup.POST("/stripe", webhookHandler.HandleStripeWebhook)
	webhookGroup.POST("/alipay", webhookHandler.HandleAlipayNotification)

	// Setup API routes using router
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))

	// Billing domain (plans, subscriptions, usage, invoices)
	billingRoutes := router.NewDomainGroup("billing", "")

	// Plan catalog routes
	billingRoutes.POST("/plans", planHandler.CreatePlan)
	billingRoutes.GET("/plans", planHandler.ListPlans)
	billingRoutes.GET("/plans/:id", planHandler.GetPlan)
	billingRoutes.PUT("/plans/:id", planHandler.UpdatePlan)
	billingRoutes.POST("/plans/:id/activate", planHandler.ActivatePlan)
	billingRoutes.POST("/plans/:id/deactivate", planHandler.DeactivatePlan)

	// Subscription lifecycle routes
	billingRoutes.POST("/subscriptions", subscriptionHandler.CreateSubscription)
	billingRoutes.GET("/subscriptions/current", subscriptionHandler.GetCurrentSubscription)
	billingRoutes.POST("/subscriptions/upgrade", subscriptionHandler.Upgrade)
	billingRoutes.POST("/subscriptions/downgrade", subscriptionHandler.Downgrade)
	billingRoutes.POST("/subscriptions/cancel", subscriptionHandler.Cancel)

	// Usage and quota routes
	billingRoutes.GET("/usage", usageHandler.ListUsage)
	billingRoutes.GET("/usage/quota", usageHandler.CheckQuota)
	billingRoutes.POST("/usage", usageHandler.UpdateUsage)
	billingRoutes.DELETE("/usage", usageHandler.ResetUsage)

	// Invoice routes
	billingRoutes.POST("/invoices/generate", invoiceHandler.GenerateInvoice)
	billingRoutes.GET("/invoices", invoiceHandler.ListInvoices)
	billingRoutes.GET("/invoices/report", invoiceHandler.GetBillingReport)
	billingRoutes.GET("/invoices/:id", invoiceHandler.GetInvoice)
	billingRoutes.POST("/invoices/:id/pay", paymentHandler.PayInvoice)

	// Payment domain (charges, refunds, overage)
	paymentRoutes := router.NewDomainGroup("payment", "/payments")
	paymentRoutes.POST("/overage", paymentHandler.TriggerOverageBilling)
	paymentRoutes.POST("/refund", paymentHandler.Refund)

	// Admin domain (scheduler control)
	adminRoutes := router.NewDomainGroup("admin", "/admin")
	adminRoutes.POST("/billing/run", schedulerHandler.TriggerBillingRun)
	adminRoutes.GET("/billing/status", schedulerHandler.GetStatus)

	// System domain
	systemRoutes := router.NewDomainGroup("system", "/system")
	systemRoutes.GET("/info", systemHandler.GetSystemInfo)
	systemRoutes.GET("/ping", systemHandler.Ping)

	// Register all domain groups
	r.Register(billingRoutes).
		Register(paymentRoutes).
		Register(adminRoutes).
		Register(systemRoutes)

	// Setup routes
	r.Setup()

	// Also keep a simple ping at root API level for basic health checks
	engine.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database, _ *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
