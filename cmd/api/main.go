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

	"github.com/meadowmart/api/internal/di"
	"github.com/meadowmart/api/internal/handlers"
	"github.com/meadowmart/api/internal/payments"
	"github.com/meadowmart/api/internal/platform/auth"
	"github.com/meadowmart/api/internal/platform/config"
	pfirestore "github.com/meadowmart/api/internal/platform/firestore"
	"github.com/meadowmart/api/internal/platform/idempotency"
	"github.com/meadowmart/api/internal/platform/jobs"
	"github.com/meadowmart/api/internal/platform/observability"
	"github.com/meadowmart/api/internal/platform/requestctx"
	"github.com/meadowmart/api/internal/platform/secrets"
	firestoreRepo "github.com/meadowmart/api/internal/repositories/firestore"
	"github.com/meadowmart/api/internal/services"
	"github.com/meadowmart/api/internal/shipping"
)

const topUpRateLimit = 5

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

	var paymentInitiator services.PaymentInitiator
	if apiKey := strings.TrimSpace(cfg.PSP.StripeAPIKey); apiKey != "" {
		gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey: apiKey,
			Logger: zapEventLogger(logger.Named("stripe")),
			Clock:  time.Now,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
		}
		manager, err := payments.NewManager(map[string]payments.Gateway{"stripe": gateway})
		if err != nil {
			logger.Fatal("failed to initialise payment manager", zap.Error(err))
		}
		initiator, err := payments.NewInitiator(manager, cfg.PSP.ReturnURL, cfg.PSP.ReturnURL)
		if err != nil {
			logger.Fatal("failed to initialise payment initiator", zap.Error(err))
		}
		paymentInitiator = initiator
	} else {
		logger.Warn("stripe api key not configured; wallet top-ups are disabled")
	}

	var shippingClient *shipping.Client
	if strings.TrimSpace(cfg.Shipping.BaseURL) != "" {
		shippingClient, err = shipping.NewClient(shipping.ClientConfig{
			BaseURL:      cfg.Shipping.BaseURL,
			AuthToken:    cfg.Shipping.AuthToken,
			QuoteTimeout: cfg.Shipping.QuoteTimeout,
			Logger:       zapEventLogger(logger.Named("shipping")),
		})
		if err != nil {
			logger.Fatal("failed to initialise shipping client", zap.Error(err))
		}
	} else {
		logger.Warn("shipping base url not configured; carrier rates and dispatch are disabled")
	}

	var (
		pubsubClient *pubsub.Client
		orderTopic   *pubsub.Topic
		orderEvents  services.OrderEventPublisher
	)
	if topicName := strings.TrimSpace(cfg.PubSub.OrderTopic); topicName != "" {
		if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" {
			if err := os.Setenv("PUBSUB_EMULATOR_HOST", host); err != nil {
				logger.Fatal("failed to set pubsub emulator host", zap.Error(err))
			}
		}
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		orderTopic = pubsubClient.Topic(topicName)
		defer orderTopic.Stop()
		publisher, err := jobs.NewPubSubOrderEventPublisher(orderTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		orderEvents = publisher
	} else {
		logger.Warn("order topic not configured; lifecycle events stay local")
	}

	container, err := di.NewContainer(cfg, registry, di.Adapters{
		Payments:   paymentInitiator,
		Dispatcher: dispatcherOrNil(shippingClient),
		Rates:      rateSourceOrNil(shippingClient),
		Events:     orderEvents,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	idemStore := idempotency.NewFirestoreStore(firestoreClient)
	idemMiddleware := idempotency.Middleware(idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithWait(cfg.Idempotency.WaitTimeout, cfg.Idempotency.PollInterval),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	callbackGuard, err := idempotency.NewGuard(idemStore,
		idempotency.WithGuardTTL(cfg.Idempotency.TTL),
		idempotency.WithGuardWait(cfg.Idempotency.WaitTimeout, cfg.Idempotency.PollInterval),
	)
	if err != nil {
		logger.Fatal("failed to build callback guard", zap.Error(err))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-cleanupTicker.C:
				removed, err := idemStore.CleanupExpired(cleanupCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				if err != nil {
					logger.Warn("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Debug("idempotency records pruned", zap.Int("removed", removed))
				}
			}
		}
	}()

	healthChecks := map[string]handlers.ReadinessChecker{
		"firestore": registry.Health().Check,
	}
	if orderTopic != nil {
		topic := orderTopic
		healthChecks["pubsub"] = func(ctx context.Context) error {
			exists, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("topic %s not found", topic.ID())
			}
			return nil
		}
	}

	walletHandlers := handlers.NewWalletHandlers(container.Services.Wallets, handlers.NewTopUpLimiter(topUpRateLimit, time.Minute))
	orderHandlers := handlers.NewOrderHandlers(container.Services.Orders, container.Services.Refunds)
	adminHandlers := handlers.NewAdminHandlers(container.Services.Orders, container.Services.Refunds).
		WithWalletAudit(container.Services.Wallets)
	checkoutHandlers := handlers.NewCheckoutHandlers(container.Services.Checkout, container.Services.Pricing)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(container.Services.Wallets, callbackGuard)

	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(traceProjectID(cfg)),
			requestctx.ActorMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthChecks)),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithCheckoutMiddlewares(idemMiddleware),
		handlers.WithWalletRoutes(walletHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	}
	if shippingClient != nil {
		routerOpts = append(routerOpts, handlers.WithShippingRoutes(handlers.NewShippingHandlers(container.Services.Pricing).Routes))
	}
	if mw := buildWebhookHMACMiddleware(logger, cfg); mw != nil {
		routerOpts = append(routerOpts, handlers.WithWebhookMiddlewares(mw))
	}

	router := handlers.NewRouter(routerOpts...)

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
		serverLogger.Info("meadowmart api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// zapEventLogger adapts a zap logger to the event-style logging hooks the
// outbound adapters accept.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for key, value := range fields {
			zFields = append(zFields, zap.Any(key, value))
		}
		logger.Debug("adapter event", zFields...)
	}
}

func dispatcherOrNil(client *shipping.Client) services.ShippingDispatcher {
	if client == nil {
		return nil
	}
	return client
}

func rateSourceOrNil(client *shipping.Client) services.CarrierRateSource {
	if client == nil {
		return nil
	}
	return client
}

// buildWebhookHMACMiddleware guards the PSP webhook group with signature
// verification. Returns nil when no webhook secret is configured so local
// setups can exercise the endpoint unsigned.
func buildWebhookHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret)
	if secret == "" {
		logger.Warn("webhook signing secret not configured; webhook signatures are not enforced")
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger.Named("webhooks"))
	validator := auth.NewHMACValidator(
		auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
			if name != "default" {
				return "", fmt.Errorf("unknown webhook secret %q", name)
			}
			return secret, nil
		}),
		auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(adapter),
	)
	return validator.RequireHMAC("default")
}

func traceProjectID(cfg config.Config) string {
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECRET_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secret-backed config fields that must resolve
// before startup. Webhook signing and carrier auth are required only when the
// corresponding integration is switched on.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.StripeAPIKey"}
	if env == nil {
		return required
	}
	if strings.TrimSpace(env["API_PSP_STRIPE_WEBHOOK_SECRET"]) != "" {
		required = append(required, "PSP.StripeWebhookSecret")
	}
	if strings.TrimSpace(env["API_SHIPPING_BASE_URL"]) != "" && strings.TrimSpace(env["API_SHIPPING_AUTH_TOKEN"]) != "" {
		required = append(required, "Shipping.AuthToken")
	}
	return required
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		pins[ref] = version
	}
	return pins
}
