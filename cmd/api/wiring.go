package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/gigconnect/api/internal/payments"
	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/config"
	"github.com/gigconnect/api/internal/platform/idempotency"
	"github.com/gigconnect/api/internal/platform/jobs"
	"github.com/gigconnect/api/internal/platform/observability"
	"github.com/gigconnect/api/internal/platform/secrets"
	platformstorage "github.com/gigconnect/api/internal/platform/storage"
	"github.com/gigconnect/api/internal/repositories"
	"github.com/gigconnect/api/internal/services"
)

// The secret resolver has to exist before config.Load, so it reads raw keys.
func newSecretResolver(ctx context.Context, logger *zap.Logger, env func(string) string) (*secrets.Resolver, error) {
	project := env("API_SECRETS_PROJECT_ID")
	if project == "" {
		project = env("API_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithProject(project),
		secrets.WithLogger(logger.Named("secrets")),
	}
	if path := env("API_SECRETS_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if file := env("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewResolver(ctx, opts...)
}

func newAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	var verifier auth.TokenVerifier
	switch cfg.Auth.Mode {
	case config.AuthModeJWT:
		var opts []auth.JWTOption
		if cfg.Auth.JWTIssuer != "" {
			opts = append(opts, auth.WithJWTIssuer(cfg.Auth.JWTIssuer))
		}
		jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, opts...)
		if err != nil {
			return nil, err
		}
		verifier = jwtVerifier
	default:
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, err
		}
		verifier = firebaseVerifier
	}
	return auth.NewAuthenticator(verifier, auth.WithRoleClaim(cfg.Auth.RoleClaim)), nil
}

// newPaymentGateway returns nil when no Stripe key is configured. Payment
// intents and payment verification are then unavailable.
func newPaymentGateway(cfg config.PSPConfig, logger *zap.Logger) (payments.Gateway, error) {
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		logger.Warn("stripe secret key not configured; payment intents and verification disabled")
		return nil, nil
	}
	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey: cfg.StripeSecretKey,
		Logger: observability.EventLogger(logger.Named("payments")),
	})
	if err != nil {
		return nil, fmt.Errorf("init stripe gateway: %w", err)
	}
	return gateway, nil
}

// newEvidenceStore returns a nil uploader when no bucket is configured;
// disputes then record the reason only.
func newEvidenceStore(ctx context.Context, cfg config.StorageConfig, clientOpts []option.ClientOption, closers *closeStack, logger *zap.Logger) (services.EvidenceUploader, *repositories.DependencyCheck, error) {
	bucket := cfg.EvidenceBucket
	if bucket == "" {
		logger.Warn("evidence bucket not configured; disputes will record reasons only")
		return nil, nil, nil
	}
	client, err := cloudstorage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage client: %w", err)
	}
	closers.push("storage", func(context.Context) error { return client.Close() })

	writer, err := platformstorage.NewGCSObjectWriter(client)
	if err != nil {
		return nil, nil, err
	}
	store, err := platformstorage.NewEvidenceStore(bucket, writer)
	if err != nil {
		return nil, nil, fmt.Errorf("init evidence store: %w", err)
	}
	check := &repositories.DependencyCheck{
		Name: "evidence-storage",
		Check: func(ctx context.Context) error {
			_, err := client.Bucket(bucket).Attrs(ctx)
			return err
		},
	}
	return store, check, nil
}

// newOrderEventPublisher returns a nil publisher when no topic is configured.
func newOrderEventPublisher(ctx context.Context, cfg config.EventsConfig, clientOpts []option.ClientOption, closers *closeStack, logger *zap.Logger) (services.OrderEventPublisher, *repositories.DependencyCheck, error) {
	topicName := cfg.OrderTopic
	if topicName == "" {
		logger.Info("order topic not configured; order events are not published")
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	closers.push("pubsub", func(context.Context) error {
		topic.Stop()
		return client.Close()
	})

	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		return nil, nil, err
	}
	check := &repositories.DependencyCheck{
		Name: "order-events",
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			switch {
			case err != nil:
				return err
			case !ok:
				return fmt.Errorf("topic %s not found", topicName)
			}
			return nil
		},
	}
	return publisher, check, nil
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
		cancel()
		switch {
		case err != nil:
			logger.Error("idempotency cleanup failed", zap.Error(err))
		case removed > 0:
			logger.Info("expired idempotency keys removed", zap.Int("count", removed))
		}
	}
}

func buildInfoFromEnv(env func(string) string, cfg config.Config, started time.Time) services.BuildInfo {
	info := services.BuildInfo{
		Version:     env("API_BUILD_VERSION"),
		CommitSHA:   env("API_BUILD_COMMIT_SHA"),
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.CommitSHA == "" {
		info.CommitSHA = "unknown"
	}
	if info.Environment == "" {
		info.Environment = "local"
	}
	return info
}

// traceProjectID picks the project Cloud Trace links point at.
func traceProjectID(cfg config.Config) string {
	if cfg.Firebase.ProjectID != "" {
		return cfg.Firebase.ProjectID
	}
	return cfg.Firestore.ProjectID
}
