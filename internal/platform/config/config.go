package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultLogLevel             = "info"
	defaultAuthMode             = AuthModeFirebase
	defaultRoleClaim            = "role"
	defaultCurrency             = "usd"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultDisputeMaxFiles      = 10
	defaultDisputeMaxFileBytes  = 10 << 20
	defaultDisputeConcurrency   = 4
	defaultSecretsFallbackFile  = ".secrets.local"
	defaultMutationsPerMinute   = 30
)

// Supported values of API_AUTH_MODE.
const (
	AuthModeFirebase = "firebase"
	AuthModeJWT      = "jwt"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Logging     LoggingConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PSP         PSPConfig
	Auth        AuthConfig
	Events      EventsConfig
	Idempotency IdempotencyConfig
	Disputes    DisputeConfig
	RateLimit   RateLimitConfig
	Secrets     SecretsConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig names the bucket dispute evidence is written to. Empty disables evidence storage.
type StorageConfig struct {
	EvidenceBucket string
}

// PSPConfig holds Stripe credentials. An empty secret key disables payment intents.
type PSPConfig struct {
	StripeSecretKey      string
	StripePublishableKey string
	Currency             string
}

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	Mode      string
	JWTSecret string
	JWTIssuer string
	RoleClaim string
}

// EventsConfig controls order event publication. An empty topic disables publishing.
type EventsConfig struct {
	ProjectID  string
	OrderTopic string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// DisputeConfig bounds the evidence accepted with a dispute.
type DisputeConfig struct {
	MaxFiles          int
	MaxFileBytes      int64
	UploadConcurrency int
}

// RateLimitConfig caps mutating requests per authenticated caller. Zero disables it.
type RateLimitConfig struct {
	MutationsPerMinute int
}

// SecretsConfig points the secret resolver at Secret Manager and the local fallback file.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

type SecurityConfig struct {
	Environment string
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the config field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Sorted(slices.Values(e.names))
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	slices.Sort(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeSecretKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Lookup returns a key lookup honouring the same precedence as Load (explicit map, then
// process environment, then .env). main uses it to build the secret resolver before Load.
func Lookup(opts ...Option) (func(string) (string, bool), error) {
	src, err := newSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.lookup, nil
}

// Load assembles the configuration from defaults, .env, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}
	env := &envReader{lookup: src.lookup}
	firebaseProject := env.str("API_FIREBASE_PROJECT_ID", "")

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("Server.ReadTimeout", "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("Server.WriteTimeout", "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("Server.IdleTimeout", "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("Server.ShutdownTimeout", "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Logging: LoggingConfig{Level: env.lower("LOG_LEVEL", defaultLogLevel)},
		Firebase: FirebaseConfig{
			ProjectID:       firebaseProject,
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		// Project ids fall back to the Firebase project.
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", firebaseProject),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{EvidenceBucket: env.str("API_STORAGE_EVIDENCE_BUCKET", "")},
		PSP: PSPConfig{
			StripeSecretKey:      env.str("API_PSP_STRIPE_SECRET_KEY", ""),
			StripePublishableKey: env.str("API_PSP_STRIPE_PUBLISHABLE_KEY", ""),
			Currency:             env.lower("API_PSP_CURRENCY", defaultCurrency),
		},
		Auth: AuthConfig{
			Mode:      env.lower("API_AUTH_MODE", defaultAuthMode),
			JWTSecret: env.str("API_AUTH_JWT_SECRET", ""),
			JWTIssuer: env.str("API_AUTH_JWT_ISSUER", ""),
			RoleClaim: env.str("API_AUTH_ROLE_CLAIM", defaultRoleClaim),
		},
		Events: EventsConfig{
			ProjectID:  env.str("API_EVENTS_PROJECT_ID", firebaseProject),
			OrderTopic: env.str("API_EVENTS_ORDER_TOPIC", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("Idempotency.TTL", "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("Idempotency.CleanupInterval", "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: int(env.integer("Idempotency.CleanupBatchSize", "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize)),
		},
		Disputes: DisputeConfig{
			MaxFiles:          int(env.integer("Disputes.MaxFiles", "API_DISPUTES_MAX_FILES", defaultDisputeMaxFiles)),
			MaxFileBytes:      env.integer("Disputes.MaxFileBytes", "API_DISPUTES_MAX_FILE_BYTES", defaultDisputeMaxFileBytes),
			UploadConcurrency: int(env.integer("Disputes.UploadConcurrency", "API_DISPUTES_UPLOAD_CONCURRENCY", defaultDisputeConcurrency)),
		},
		RateLimit: RateLimitConfig{
			MutationsPerMinute: int(env.integer("RateLimit.MutationsPerMinute", "API_RATELIMIT_MUTATIONS_PER_MIN", defaultMutationsPerMinute)),
		},
		Secrets: SecretsConfig{
			ProjectID:    env.str("API_SECRETS_PROJECT_ID", firebaseProject),
			FallbackFile: env.str("API_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
		Security: SecurityConfig{Environment: env.lower("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)},
	}

	resolved := make(map[string]string, 2)
	for name, field := range map[string]*string{
		"PSP.StripeSecretKey": &cfg.PSP.StripeSecretKey,
		"Auth.JWTSecret":      &cfg.Auth.JWTSecret,
	} {
		value, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
	}

	if invalid := append(env.malformed, cfg.invalidFields()...); len(invalid) > 0 {
		return Config{}, &ValidationError{fields: dedupe(invalid)}
	}

	required := slices.Clone(options.requiredSecrets)
	if cfg.Auth.Mode == AuthModeJWT {
		required = append(required, "Auth.JWTSecret")
	}
	if missing := findMissingSecrets(required, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

// invalidFields lists settings that are present but unusable.
func (cfg Config) invalidFields() []string {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	switch cfg.Auth.Mode {
	case AuthModeFirebase:
		check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	case AuthModeJWT:
	default:
		check(false, "Auth.Mode")
	}
	check(cfg.Auth.RoleClaim != "", "Auth.RoleClaim")
	check(cfg.Idempotency.Header != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	check(cfg.Disputes.MaxFiles > 0, "Disputes.MaxFiles")
	check(cfg.Disputes.MaxFileBytes > 0, "Disputes.MaxFileBytes")
	check(cfg.Disputes.UploadConcurrency > 0, "Disputes.UploadConcurrency")
	check(cfg.RateLimit.MutationsPerMinute >= 0, "RateLimit.MutationsPerMinute")
	check(cfg.Events.OrderTopic == "" || cfg.Events.ProjectID != "", "Events.ProjectID")
	return invalid
}

func dedupe(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name != "" && resolved[name] == "" && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
