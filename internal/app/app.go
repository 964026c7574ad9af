package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/vadim/neo-crm/internal/auth"
	"github.com/vadim/neo-crm/internal/cache"
	"github.com/vadim/neo-crm/internal/config"
	httpcontroller "github.com/vadim/neo-crm/internal/controller/http"
	"github.com/vadim/neo-crm/internal/database"
	"github.com/vadim/neo-crm/internal/domain/messaging/dao"
	"github.com/vadim/neo-crm/internal/domain/messaging/gateway"
	"github.com/vadim/neo-crm/internal/domain/messaging/policy"
	"github.com/vadim/neo-crm/internal/domain/messaging/scheduler"
	"github.com/vadim/neo-crm/internal/domain/messaging/service"
	"github.com/vadim/neo-crm/internal/domain/messaging/webhook"
	"github.com/vadim/neo-crm/internal/events"
	"github.com/vadim/neo-crm/internal/httpx/upstream/twilio"
	"github.com/vadim/neo-crm/internal/storage"
)

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	// Infrastructure
	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher events.Publisher
	media     *storage.S3Storage

	// Messaging domain
	messaging       *service.Service
	messagingPolicy *policy.Policy
	decoder         *webhook.Decoder
	verifier        *auth.Verifier

	// Sweeper for stale pending sends and legacy convergence
	scheduler *scheduler.Scheduler
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Initialize router with middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(30 * time.Second))

	app := &App{
		cfg:    cfg,
		router: r,
		logger: logger,
	}

	// Initialize infrastructure
	if err := app.initInfrastructure(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	// Initialize domain layers
	if err := app.initDomains(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing domains: %w", err)
	}

	// Register routes
	if err := app.registerRoutes(); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("registering routes: %w", err)
	}

	// Initialize HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Initialize scheduler
	if cfg.Scheduler.Enabled {
		app.scheduler = scheduler.New(app.messaging, scheduler.Config{
			Interval:  cfg.Scheduler.Interval,
			BatchSize: cfg.Scheduler.BatchSize,
		}, logger)
	}

	return app, nil
}

// initInfrastructure initializes infrastructure components (DB, Redis, broker, storage)
func (a *App) initInfrastructure(ctx context.Context) error {
	pool, err := database.NewPostgresPool(ctx, a.cfg.Database.PostgresDSN, database.PoolConfig{
		MaxConns:     int32(a.cfg.Database.MaxOpenConns),
		MinConns:     int32(a.cfg.Database.MaxIdleConns),
		ConnLifetime: a.cfg.Database.ConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	a.pool = pool

	if a.cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		a.logger.Info("database schema applied")
	}

	if a.cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.redis = client
	} else {
		a.logger.Warn("REDIS_URL not set, typing indicators disabled")
	}

	a.publisher = events.Noop{}
	if a.cfg.Events.Enabled {
		pub, err := events.NewRabbitPublisher(ctx, events.ConnectionOptions{
			URL:           a.cfg.Events.URL,
			Exchange:      a.cfg.Events.Exchange,
			RetryAttempts: a.cfg.Events.RetryAttempts,
			Delay:         a.cfg.Events.RetryDelay,
			Logger:        a.logger,
		})
		if err != nil {
			return fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		a.publisher = pub
	}

	if a.cfg.S3.Enabled {
		a.media = storage.NewS3Storage(storage.S3Config{
			Endpoint:        a.cfg.S3.Endpoint,
			AccessKeyID:     a.cfg.S3.AccessKeyID,
			SecretAccessKey: a.cfg.S3.SecretAccessKey,
			Bucket:          a.cfg.S3.Bucket,
			Region:          a.cfg.S3.Region,
			PublicURL:       a.cfg.S3.PublicURL,
		})
	}

	return nil
}

// initDomains initializes domain layers (DAO, Service, Policy)
func (a *App) initDomains(ctx context.Context) error {
	// Initialize provider client and gateway
	client := twilio.New(
		a.cfg.Provider.AccountSID,
		a.cfg.Provider.AuthToken,
		twilio.WithBaseURL(a.cfg.Provider.BaseURL),
	)
	gw := gateway.New(client, gateway.Config{
		SMSFrom:            a.cfg.Provider.SMSFrom,
		WhatsAppFrom:       a.cfg.Provider.WhatsAppFrom,
		StatusCallbackURL:  a.cfg.Provider.StatusCallbackURL,
		DefaultCountryCode: a.cfg.Provider.DefaultCountryCode,
		SendTimeout:        a.cfg.Provider.SendTimeout,
	}, a.logger)

	decoder, err := webhook.NewDecoder()
	if err != nil {
		return fmt.Errorf("compiling webhook schemas: %w", err)
	}
	a.decoder = decoder

	var typing service.TypingStore
	if a.redis != nil {
		typing = dao.NewTypingRedis(a.redis, a.cfg.Redis.TypingTTL)
	}

	a.messaging = service.New(service.Deps{
		Tx:            database.NewTxManager(a.pool),
		Gateway:       gw,
		Conversations: dao.NewConversationPostgres(a.pool),
		Messages:      dao.NewMessagePostgres(a.pool),
		Legacy:        dao.NewLegacyPostgres(a.pool),
		Receipts:      dao.NewReceiptPostgres(a.pool),
		Typing:        typing,
		Events:        a.publisher,
	}, service.Config{
		LegacyWriteAttempts: a.cfg.Messaging.LegacyWriteAttempts,
		LegacyRetryDelay:    a.cfg.Messaging.LegacyRetryDelay,
		PendingTimeout:      a.cfg.Messaging.PendingTimeout,
	}, a.logger)

	a.messagingPolicy = policy.New(a.messaging)
	a.verifier = auth.NewVerifier(a.cfg.Auth.JWTSecret)

	for _, line := range []struct {
		channel string
		from    string
	}{{"sms", a.cfg.Provider.SMSFrom}, {"whatsapp", a.cfg.Provider.WhatsAppFrom}} {
		if line.from == "" {
			a.logger.Warn("no sender line configured, sends on this channel will fail", "channel", line.channel)
		}
	}

	return nil
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() error {
	// Health check
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)

	// Swagger UI documentation
	swaggerHandler, err := httpcontroller.NewSwaggerHandler("Neo-CRM Messaging API", OpenAPISpec)
	if err != nil {
		return err
	}
	swaggerHandler.RegisterRoutes(a.router)

	// Provider webhooks authenticate by signature, not bearer token
	webhookCfg := httpcontroller.WebhookConfig{PublicBaseURL: a.cfg.Provider.PublicWebhookBaseURL}
	if a.cfg.Provider.ValidateSignature {
		webhookCfg.Validator = webhook.NewSignatureValidator(a.cfg.Provider.AuthToken)
	}
	webhookHandler := httpcontroller.NewWebhookHandler(a.messaging, a.decoder, webhookCfg, a.logger)
	webhookHandler.RegisterRoutes(a.router)

	// API v1
	a.router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.verifier.Middleware)

		httpcontroller.NewMessageHandler(a.messagingPolicy, a.logger).RegisterRoutes(r)
		httpcontroller.NewConversationHandler(a.messagingPolicy, a.logger).RegisterRoutes(r)

		if a.media != nil {
			httpcontroller.NewMediaHandler(a.media, a.logger).RegisterRoutes(r)
		}
	})

	return nil
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// readyHandler handles readiness check requests
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := a.pool.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	// Start scheduler if enabled
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	// Channel to receive errors from server
	errCh := make(chan error, 1)

	// Start HTTP server in goroutine
	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.Server.Address())
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	// Stop scheduler
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	a.closeInfrastructure()

	a.logger.Info("shutdown complete")
	return nil
}

// closeInfrastructure releases connections opened by initInfrastructure
func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("closing event publisher", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
