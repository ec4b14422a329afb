package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/handlers"
	"github.com/greenbasket/api/internal/notify"
	"github.com/greenbasket/api/internal/payments"
	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/platform/config"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/platform/idempotency"
	"github.com/greenbasket/api/internal/platform/observability"
	"github.com/greenbasket/api/internal/platform/secrets"
	firestoreRepo "github.com/greenbasket/api/internal/repositories/firestore"
	"github.com/greenbasket/api/internal/services"
)

const gatewayWebhookSecretName = "gateway"

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	pubsubClient, err := newPubSubClient(ctx, cfg.Events)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	eventsTopic := pubsubClient.Topic(cfg.Events.Topic)
	pubsubNotifier, err := notify.NewPubSubNotifier(eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise order notifier", zap.Error(err))
	}
	defer pubsubNotifier.Stop()

	notifyLogger := logger.Named("notify")
	asyncNotifier := notify.NewAsyncNotifier(pubsubNotifier, func(ctx context.Context, event domain.OrderEvent, err error) {
		notifyLogger.Warn("order event publish failed",
			zap.String("type", string(event.Type)),
			zap.String("orderNumber", event.OrderNumber),
			zap.Error(err))
	})

	replayer, err := notify.NewReplayer(asyncNotifier)
	if err != nil {
		logger.Fatal("failed to initialise snapshot replayer", zap.Error(err))
	}

	pricingLogger := logger.Named("pricing")
	pricingEngine, err := services.NewBasketPricingEngine(services.BasketPricingEngineDeps{
		Products:         registry.Products(),
		Coupons:          registry.Coupons(),
		DeliveryFee:      cfg.Delivery.Fee,
		FreeDeliveryOver: cfg.Delivery.FreeDeliveryOver,
		CouponsEnabled:   cfg.Features.EnableCoupons,
		Now:              time.Now,
		Logger:           zapEventLogger(pricingLogger),
	})
	if err != nil {
		logger.Fatal("failed to initialise pricing engine", zap.Error(err))
	}

	var gateway payments.Gateway
	if strings.TrimSpace(cfg.Gateway.KeyID) != "" {
		gateway, err = payments.NewRazorpayGateway(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.Timeout)
		if err != nil {
			logger.Fatal("failed to initialise payment gateway", zap.Error(err))
		}
	} else {
		logger.Warn("payment gateway credentials not configured; online payments disabled")
	}

	gatewaySecret := []byte(cfg.Gateway.KeySecret)
	orderLogger := logger.Named("orders")
	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    registry.Orders(),
		Addresses: registry.Addresses(),
		Counters:  registry.Counters(),
		Pricing:   pricingEngine,
		Gateway:   gateway,
		GatewaySecret: func(context.Context) ([]byte, error) {
			if len(gatewaySecret) == 0 {
				return nil, errors.New("gateway secret not configured")
			}
			return gatewaySecret, nil
		},
		UnitOfWork: registry,
		EnableCOD:  cfg.Features.EnableCOD,
		Clock:      time.Now,
		Events:     asyncNotifier,
		Logger:     zapEventLogger(orderLogger),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	webhookValidator := auth.NewWebhookValidator(
		auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
			if name != gatewayWebhookSecretName || len(gatewaySecret) == 0 {
				return "", fmt.Errorf("webhook secret %q not configured", name)
			}
			return string(gatewaySecret), nil
		}),
		auth.WithWebhookLogger(logger.Named("webhooks")),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		handlers.RateLimit(cfg.RateLimits.DefaultPerMinute, cfg.RateLimits.AuthenticatedPerMinute),
		idempotencyMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(handlers.WithHealthRepository(registry.Health()))
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, replayer, logger.Named("orders"))
	webhookHandlers := handlers.NewWebhookHandlers(logger.Named("webhooks"))

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(webhookValidator.RequireSignature(gatewayWebhookSecretName)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("greenbasket api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// zapEventLogger adapts the services' event-map logging callback onto zap.
func zapEventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}

func newPubSubClient(ctx context.Context, cfg config.EventsConfig) (*pubsub.Client, error) {
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		if err := os.Setenv("PUBSUB_EMULATOR_HOST", host); err != nil {
			return nil, err
		}
	}
	return pubsub.NewClient(ctx, cfg.ProjectID)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames marks gateway credentials as mandatory when the
// environment references them through the secret manager.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env == nil {
		return required
	}
	if isSecretRef(env["API_GATEWAY_KEY_ID"]) {
		required = append(required, "Gateway.KeyID")
	}
	if isSecretRef(env["API_GATEWAY_KEY_SECRET"]) {
		required = append(required, "Gateway.KeySecret")
	}
	return required
}

func isSecretRef(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}
