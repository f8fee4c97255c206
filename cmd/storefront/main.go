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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/checkout"
	"finitefield.org/ebookstore/internal/contact"
	"finitefield.org/ebookstore/internal/content"
	"finitefield.org/ebookstore/internal/events"
	"finitefield.org/ebookstore/internal/favorites"
	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/ledger"
	"finitefield.org/ebookstore/internal/platform/config"
	pfirestore "finitefield.org/ebookstore/internal/platform/firestore"
	"finitefield.org/ebookstore/internal/platform/kv"
	"finitefield.org/ebookstore/internal/platform/observability"
	"finitefield.org/ebookstore/internal/platform/secrets"
	platformstorage "finitefield.org/ebookstore/internal/platform/storage"
	"finitefield.org/ebookstore/internal/web"
)

const firestoreCollection = "storefront_kv"

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

	logger := baseLogger.Named("storefront")
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

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	store, notifier, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer closeStore()

	publisher, err := newPublisher(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.String("driver", cfg.Events.Driver), zap.Error(err))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close error", zap.Error(err))
		}
	}()

	cat, err := catalog.Default()
	if err != nil {
		logger.Fatal("failed to load catalog", zap.Error(err))
	}
	assets, err := newAssetResolver(cfg)
	if err != nil {
		logger.Fatal("failed to initialise asset signing", zap.Error(err))
	}

	favs, err := favorites.NewStore(store, notifier)
	if err != nil {
		logger.Fatal("failed to initialise favorites", zap.Error(err))
	}
	history, err := ledger.New(store, ledger.WithNotifier(notifier))
	if err != nil {
		logger.Fatal("failed to initialise ledger", zap.Error(err))
	}

	var identityProvider identity.Provider
	if manager, err := newIdentity(ctx, cfg); err != nil {
		logger.Fatal("failed to initialise identity", zap.Error(err))
	} else if manager != nil {
		manager.Subscribe(events.IdentityListener(publisher))
		identityProvider = manager
	} else {
		logger.Warn("firebase api key not configured; sign-in disabled")
	}

	script := checkout.NewScriptLoader(cfg.Gateway.ScriptURL, &http.Client{
		Timeout:   cfg.Backend.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	backend := checkout.NewClient(cfg.Backend.APIBase, cfg.Backend.Timeout)
	checkoutService, err := checkout.NewService(checkout.ConfigFrom(cfg), backend, script, history,
		checkout.WithPublisher(publisher),
	)
	if err != nil {
		logger.Fatal("failed to initialise checkout", zap.Error(err))
	}

	library, err := content.Default()
	if err != nil {
		logger.Fatal("failed to load content", zap.Error(err))
	}
	sender, err := contact.NewSender(cfg.Contact)
	if err != nil {
		logger.Fatal("failed to initialise contact sender", zap.Error(err))
	}

	sessions, err := web.NewSessionManager(cfg.Session.SigningKey, cfg.Session.TTL, cfg.Session.Secure)
	if err != nil {
		logger.Fatal("failed to initialise sessions", zap.Error(err))
	}

	srv, err := web.NewServer(web.Deps{
		StoreName: cfg.Gateway.MerchantName,
		Logger:    logger,
		Catalog:   cat,
		Assets:    assets,
		Debouncer: catalog.NewDebouncer(cfg.Search.Debounce),
		Favorites: favs,
		Identity:  identityProvider,
		Checkout:  checkoutService,
		Script:    script,
		Ledger:    history,
		Content:   library,
		Contact:   sender,
		Sessions:  sessions,

		RequestTimeout: cfg.Server.RequestTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise web server", zap.Error(err))
	}

	// Event streams clear their own write deadline.
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(srv.Routes(), "storefront"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront listening",
			zap.String("env", cfg.Environment),
			zap.String("store_driver", cfg.Store.Driver),
			zap.String("events_driver", cfg.Events.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("STOREFRONT_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("STOREFRONT_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookup("STOREFRONT_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentials := lookup("STOREFRONT_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// newStore opens the configured key-value backend. Only Redis fans favorites
// notifications out across instances; the others notify in-process.
func newStore(ctx context.Context, cfg config.Config) (kv.Store, kv.Notifier, func(), error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return kv.NewMemoryStore(), kv.NewLocalNotifier(), func() {}, nil
	case "redis":
		store, err := kv.NewRedisStore(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { _ = store.Close() }, nil
	case "firestore":
		var opts []pfirestore.ProviderOption
		if cfg.Firebase.CredentialsFile != "" {
			opts = append(opts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
		}
		provider := pfirestore.NewProvider(cfg.Firestore, opts...)
		store, err := kv.NewFirestoreStore(provider, firestoreCollection)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, kv.NewLocalNotifier(), func() { _ = provider.Close() }, nil
	case "sqlite":
		store, err := kv.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, kv.NewLocalNotifier(), func() { _ = store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "log":
		return events.NewLogPublisher(logger), nil
	case "pubsub":
		var opts []option.ClientOption
		if cfg.Firebase.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		}
		return events.NewPubSubPublisher(ctx, cfg.Events.PubSubProjectID, cfg.Events.PubSubTopic, opts...)
	case "kafka":
		return events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Events.Driver)
	}
}

// newAssetResolver signs gs:// covers and previews when a service account key
// is configured; other references are served as static paths.
func newAssetResolver(cfg config.Config) (*catalog.AssetResolver, error) {
	if cfg.Assets.CredentialsFile == "" {
		return catalog.NewAssetResolver(nil, cfg.Assets.URLTTL), nil
	}
	signer, err := platformstorage.NewServiceAccountSignerFromFile(cfg.Assets.CredentialsFile)
	if err != nil {
		return nil, err
	}
	client, err := platformstorage.NewClient(signer)
	if err != nil {
		return nil, err
	}
	return catalog.NewAssetResolver(client, cfg.Assets.URLTTL), nil
}

func newIdentity(ctx context.Context, cfg config.Config) (*identity.Manager, error) {
	if cfg.Firebase.APIKey == "" {
		return nil, nil
	}
	var opts []identity.FirebaseOption
	if cfg.Firebase.ProjectID != "" {
		verifier, err := identity.NewAdminVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, err
		}
		opts = append(opts, identity.WithVerifier(verifier))
	}
	provider, err := identity.NewFirebaseProvider(cfg.Firebase.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	return identity.NewManager(provider)
}
