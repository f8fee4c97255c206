package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile          = ".env"
	defaultEnvironment      = "local"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 60 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultGatewayScriptURL = "https://checkout.razorpay.com/v1/checkout.js"
	defaultMerchantName     = "Ebook Store"
	defaultThemeColor       = "#7c3aed"
	defaultAPITimeout       = 15 * time.Second
	defaultVerifyTimeout    = 30 * time.Second
	defaultWidgetTTL        = 30 * time.Minute
	defaultDownloadTTL      = 10 * time.Minute
	defaultStoreDriver      = "memory"
	defaultSQLitePath       = "storefront.db"
	defaultSessionTTL       = 14 * 24 * time.Hour
	defaultSearchDebounce   = 300 * time.Millisecond
	defaultAssetsURLTTL     = 15 * time.Minute
	defaultEventsDriver     = "log"
	defaultEventsTopic      = "storefront-events"
	defaultSMTPPort         = 587
	localSessionSigningKey  = "local-development-session-key"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Gateway     GatewayConfig
	Backend     BackendConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Session     SessionConfig
	Search      SearchConfig
	Assets      AssetsConfig
	Events      EventsConfig
	Contact     ContactConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds page and form handlers. Payment verification and
	// event streams are not subject to it.
	RequestTimeout time.Duration
}

// GatewayConfig describes the hosted payment widget. Key may be empty; checkout
// reports that per attempt.
type GatewayConfig struct {
	Key          string
	ScriptURL    string
	MerchantName string
	ThemeColor   string
	WidgetTTL    time.Duration
}

// BackendConfig points at the order/verification service.
type BackendConfig struct {
	APIBase       string
	Timeout       time.Duration
	VerifyTimeout time.Duration
	DownloadTTL   time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	APIKey          string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the key-value backend for favorites and the ledger.
type StoreConfig struct {
	Driver     string
	RedisURL   string
	SQLitePath string
}

// SessionConfig controls the signed session cookie.
type SessionConfig struct {
	SigningKey string
	TTL        time.Duration
	Secure     bool
}

// SearchConfig tunes live search.
type SearchConfig struct {
	Debounce time.Duration
}

// AssetsConfig controls cover/preview URL signing.
type AssetsConfig struct {
	Bucket          string
	CredentialsFile string
	URLTTL          time.Duration
}

// EventsConfig selects where checkout and identity events are published.
type EventsConfig struct {
	Driver          string
	PubSubProjectID string
	PubSubTopic     string
	KafkaBrokers    []string
	KafkaTopic      string
}

// ContactConfig configures delivery of contact form messages.
type ContactConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	From         string
	To           string
}

// IsLocal reports whether the process runs in the local environment.
func (c Config) IsLocal() bool {
	return c.Environment == "" || c.Environment == defaultEnvironment
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
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

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map take
// precedence over system environment variables.
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

func newOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the effective environment after applying the same
// precedence as Load (dotenv < OS env < explicit map). Callers use it to build
// the secret fetcher before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newOptions(opts)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for k, v := range dotEnv {
		values[k] = v
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env
// overrides, environment variables and optional Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newOptions(opts)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnv[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "STOREFRONT_ENV", defaultEnvironment)),
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "STOREFRONT_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "STOREFRONT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			RequestTimeout:  durationWithDefault(lookup, "STOREFRONT_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Gateway: GatewayConfig{
			Key:          strings.TrimSpace(stringWithDefault(lookup, "STOREFRONT_GATEWAY_KEY", "")),
			ScriptURL:    stringWithDefault(lookup, "STOREFRONT_GATEWAY_SCRIPT_URL", defaultGatewayScriptURL),
			MerchantName: stringWithDefault(lookup, "STOREFRONT_GATEWAY_MERCHANT_NAME", defaultMerchantName),
			ThemeColor:   stringWithDefault(lookup, "STOREFRONT_GATEWAY_THEME_COLOR", defaultThemeColor),
			WidgetTTL:    durationWithDefault(lookup, "STOREFRONT_WIDGET_TTL", defaultWidgetTTL),
		},
		Backend: BackendConfig{
			APIBase:       strings.TrimRight(strings.TrimSpace(stringWithDefault(lookup, "STOREFRONT_API_BASE", "")), "/"),
			Timeout:       durationWithDefault(lookup, "STOREFRONT_API_TIMEOUT", defaultAPITimeout),
			VerifyTimeout: durationWithDefault(lookup, "STOREFRONT_VERIFY_TIMEOUT", defaultVerifyTimeout),
			DownloadTTL:   durationWithDefault(lookup, "STOREFRONT_DOWNLOAD_TTL", defaultDownloadTTL),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "STOREFRONT_FIREBASE_PROJECT_ID", ""),
			APIKey:          stringWithDefault(lookup, "STOREFRONT_FIREBASE_API_KEY", ""),
			CredentialsFile: stringWithDefault(lookup, "STOREFRONT_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "STOREFRONT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "STOREFRONT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(stringWithDefault(lookup, "STOREFRONT_STORE_DRIVER", defaultStoreDriver)),
			RedisURL:   stringWithDefault(lookup, "STOREFRONT_REDIS_URL", ""),
			SQLitePath: stringWithDefault(lookup, "STOREFRONT_SQLITE_PATH", defaultSQLitePath),
		},
		Session: SessionConfig{
			SigningKey: stringWithDefault(lookup, "STOREFRONT_SESSION_SIGNING_KEY", ""),
			TTL:        durationWithDefault(lookup, "STOREFRONT_SESSION_TTL", defaultSessionTTL),
		},
		Search: SearchConfig{
			Debounce: durationWithDefault(lookup, "STOREFRONT_SEARCH_DEBOUNCE", defaultSearchDebounce),
		},
		Assets: AssetsConfig{
			Bucket:          stringWithDefault(lookup, "STOREFRONT_ASSETS_BUCKET", ""),
			CredentialsFile: stringWithDefault(lookup, "STOREFRONT_ASSETS_CREDENTIALS_FILE", ""),
			URLTTL:          durationWithDefault(lookup, "STOREFRONT_ASSETS_URL_TTL", defaultAssetsURLTTL),
		},
		Events: EventsConfig{
			Driver:          strings.ToLower(stringWithDefault(lookup, "STOREFRONT_EVENTS_DRIVER", defaultEventsDriver)),
			PubSubProjectID: stringWithDefault(lookup, "STOREFRONT_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     stringWithDefault(lookup, "STOREFRONT_PUBSUB_TOPIC", defaultEventsTopic),
			KafkaBrokers:    csvWithDefault(lookup, "STOREFRONT_KAFKA_BROKERS"),
			KafkaTopic:      stringWithDefault(lookup, "STOREFRONT_KAFKA_TOPIC", defaultEventsTopic),
		},
		Contact: ContactConfig{
			SMTPHost:     stringWithDefault(lookup, "STOREFRONT_SMTP_HOST", ""),
			SMTPPort:     intWithDefault(lookup, "STOREFRONT_SMTP_PORT", defaultSMTPPort),
			SMTPUser:     stringWithDefault(lookup, "STOREFRONT_SMTP_USER", ""),
			SMTPPassword: stringWithDefault(lookup, "STOREFRONT_SMTP_PASSWORD", ""),
			From:         stringWithDefault(lookup, "STOREFRONT_CONTACT_FROM", ""),
			To:           stringWithDefault(lookup, "STOREFRONT_CONTACT_TO", ""),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Firebase.ProjectID
	}
	cfg.Session.Secure = boolWithDefault(lookup, "STOREFRONT_SESSION_SECURE", !cfg.IsLocal())

	secretFields := []*string{
		&cfg.Session.SigningKey,
		&cfg.Contact.SMTPPassword,
		&cfg.Firebase.APIKey,
		&cfg.Gateway.Key,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if cfg.Session.SigningKey == "" && cfg.IsLocal() {
		cfg.Session.SigningKey = localSessionSigningKey
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
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

func validateConfig(cfg Config) error {
	var missing []string
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			missing = append(missing, name)
		}
	}

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	positive("Server.ReadTimeout", cfg.Server.ReadTimeout)
	positive("Server.WriteTimeout", cfg.Server.WriteTimeout)
	positive("Server.RequestTimeout", cfg.Server.RequestTimeout)
	// The verify response is written after the backend answers.
	if cfg.Server.WriteTimeout > 0 && cfg.Server.WriteTimeout <= cfg.Backend.VerifyTimeout {
		missing = append(missing, "Server.WriteTimeout")
	}
	positive("Backend.Timeout", cfg.Backend.Timeout)
	positive("Backend.VerifyTimeout", cfg.Backend.VerifyTimeout)
	positive("Gateway.WidgetTTL", cfg.Gateway.WidgetTTL)
	positive("Session.TTL", cfg.Session.TTL)
	if cfg.Search.Debounce < 0 {
		missing = append(missing, "Search.Debounce")
	}
	if strings.TrimSpace(cfg.Gateway.ScriptURL) == "" {
		missing = append(missing, "Gateway.ScriptURL")
	}
	if cfg.Session.SigningKey == "" {
		missing = append(missing, "Session.SigningKey")
	}

	switch cfg.Store.Driver {
	case "memory":
	case "redis":
		if cfg.Store.RedisURL == "" {
			missing = append(missing, "Store.RedisURL")
		}
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			missing = append(missing, "Store.SQLitePath")
		}
	default:
		missing = append(missing, "Store.Driver")
	}

	switch cfg.Events.Driver {
	case "log":
	case "pubsub":
		if cfg.Events.PubSubProjectID == "" {
			missing = append(missing, "Events.PubSubProjectID")
		}
		if cfg.Events.PubSubTopic == "" {
			missing = append(missing, "Events.PubSubTopic")
		}
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 {
			missing = append(missing, "Events.KafkaBrokers")
		}
		if cfg.Events.KafkaTopic == "" {
			missing = append(missing, "Events.KafkaTopic")
		}
	default:
		missing = append(missing, "Events.Driver")
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{fields: missing}
	}
	return nil
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

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
