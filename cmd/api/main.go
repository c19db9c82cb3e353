package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/gigconnect/api/internal/handlers"
	"github.com/gigconnect/api/internal/platform/config"
	pfirestore "github.com/gigconnect/api/internal/platform/firestore"
	"github.com/gigconnect/api/internal/platform/idempotency"
	"github.com/gigconnect/api/internal/platform/observability"
	"github.com/gigconnect/api/internal/repositories"
	firestoreRepo "github.com/gigconnect/api/internal/repositories/firestore"
	"github.com/gigconnect/api/internal/services"
)

const (
	ordersCollection      = "orders"
	gigsCollection        = "gigs"
	healthCacheTTL        = 5 * time.Second
	disputeBodyOverheadKB = 64
	closeTimeout          = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gigconnect api: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	startedAt := time.Now().UTC()

	lookup, err := config.Lookup()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	env := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	baseLogger, err := observability.NewLogger(env("LOG_LEVEL"))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	var closers closeStack
	defer closers.closeAll(logger)

	resolver, err := newSecretResolver(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("init secret resolver: %w", err)
	}
	closers.push("secret resolver", func(context.Context) error { return resolver.Close() })

	// MissingSecretsError only prints hashed names.
	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	buildInfo := buildInfoFromEnv(env, cfg, startedAt)

	var clientOpts []option.ClientOption
	if file := cfg.Firebase.CredentialsFile; file != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(file))
	}

	db := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(clientOpts...))
	closers.push("firestore", db.Close)
	if _, err := db.Client(ctx); err != nil {
		return fmt.Errorf("connect firestore: %w", err)
	}

	orderRepo, err := firestoreRepo.NewOrderRepository(db)
	if err != nil {
		return err
	}
	gigRepo, err := firestoreRepo.NewGigRepository(db)
	if err != nil {
		return err
	}
	checks := []repositories.DependencyCheck{
		{Name: "orders", Required: true, Check: func(ctx context.Context) error { return db.Probe(ctx, ordersCollection) }},
		{Name: "gigs", Required: true, Check: func(ctx context.Context) error { return db.Probe(ctx, gigsCollection) }},
	}

	gateway, err := newPaymentGateway(cfg.PSP, logger)
	if err != nil {
		return err
	}
	evidence, check, err := newEvidenceStore(ctx, cfg.Storage, clientOpts, &closers, logger)
	if err != nil {
		return err
	}
	checks = appendCheck(checks, check)
	publisher, check, err := newOrderEventPublisher(ctx, cfg.Events, clientOpts, &closers, logger)
	if err != nil {
		return err
	}
	checks = appendCheck(checks, check)

	metrics, err := observability.NewOrderMetrics(nil)
	if err != nil {
		return fmt.Errorf("init order metrics: %w", err)
	}
	orderEvents := observability.EventLogger(logger.Named("orders"))

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   orderRepo,
		Gigs:     gigRepo,
		Payments: gateway,
		Currency: cfg.PSP.Currency,
		Clock:    time.Now,
		Events:   publisher,
		Metrics:  metrics,
		Logger:   orderEvents,
	})
	if err != nil {
		return err
	}
	disputeService, err := services.NewDisputeService(services.DisputeServiceDeps{
		Orders:            orderRepo,
		Evidence:          evidence,
		MaxEvidenceFiles:  cfg.Disputes.MaxFiles,
		MaxEvidenceBytes:  cfg.Disputes.MaxFileBytes,
		UploadConcurrency: cfg.Disputes.UploadConcurrency,
		Clock:             time.Now,
		Events:            publisher,
		Metrics:           metrics,
		Logger:            orderEvents,
	})
	if err != nil {
		return err
	}
	paymentService, err := services.NewPaymentService(services.PaymentServiceDeps{
		Gateway:         gateway,
		Orders:          orderRepo,
		Gigs:            gigRepo,
		PublishableKey:  cfg.PSP.StripePublishableKey,
		DefaultCurrency: cfg.PSP.Currency,
		Logger:          observability.EventLogger(logger.Named("payments")),
	})
	if err != nil {
		return err
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return err
	}
	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            time.Now,
		Build:            buildInfo,
		CacheTTL:         healthCacheTTL,
		Logger:           observability.EventLogger(logger.Named("health")),
	})
	if err != nil {
		return err
	}

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init authenticator: %w", err)
	}

	// Evidence travels base64 encoded inside the JSON body.
	disputeBodyLimit := int64(cfg.Disputes.MaxFiles)*cfg.Disputes.MaxFileBytes*4/3 + disputeBodyOverheadKB<<10

	idempotencyLogger := logger.Named("idempotency")
	idempotencyStore := idempotency.NewFirestoreStore(db)
	// These need the verified identity, so they run inside each authenticated group.
	authenticated := []func(http.Handler) http.Handler{
		observability.AnnotateRequest(),
		handlers.ThrottleMutations(cfg.RateLimit.MutationsPerMinute, time.Minute, time.Now),
		idempotency.Middleware(idempotencyStore,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithMaxBodyBytes(disputeBodyLimit),
			idempotency.WithLogger(idempotencyLogger),
		),
	}

	httpLogger := logger.Named("http")
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(systemService),
		)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, orderService, disputeService,
			handlers.WithDisputeBodyLimit(disputeBodyLimit),
			handlers.WithOrderMiddlewares(authenticated...),
		).Routes),
		handlers.WithAdminOrderRoutes(handlers.NewAdminOrderHandlers(authenticator, disputeService, authenticated...).Routes),
		handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(authenticator, paymentService, authenticated...).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		httpLogger.Info("gigconnect orders api listening",
			zap.String("addr", server.Addr),
			zap.String("version", buildInfo.Version),
			zap.String("environment", buildInfo.Environment),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		runIdempotencyCleanup(groupCtx, idempotencyLogger, idempotencyStore, cfg.Idempotency)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// closeStack releases clients in reverse order of creation.
type closeStack []namedCloser

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (s *closeStack) push(name string, fn func(context.Context) error) {
	*s = append(*s, namedCloser{name: name, close: fn})
}

func (s closeStack) closeAll(logger *zap.Logger) {
	for i := len(s) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := s[i].close(ctx); err != nil {
			logger.Warn("close failed", zap.String("component", s[i].name), zap.Error(err))
		}
		cancel()
	}
}

func appendCheck(checks []repositories.DependencyCheck, check *repositories.DependencyCheck) []repositories.DependencyCheck {
	if check == nil {
		return checks
	}
	return append(checks, *check)
}
