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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billpay/internal/draftstore"
	"github.com/MarkoPoloResearchLab/billpay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/billpay/internal/oplog"
	"github.com/MarkoPoloResearchLab/billpay/internal/provider"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/providerstatus"
	"github.com/MarkoPoloResearchLab/billpay/pkg/reference"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	flagEnvFile          = "env-file"
	flagDatabaseURL      = "database-url"
	flagStoreDriver      = "store-driver"
	flagListenAddr       = "listen-addr"
	flagRedisURL         = "redis-url"
	flagProviderBaseURL  = "provider-base-url"
	flagProviderToken    = "provider-token"
	flagProviderTimeout  = "provider-timeout"
	flagAllowedOrigins   = "allowed-origins"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagJWTCookieName    = "jwt-cookie-name"
	flagAdminRole        = "admin-role"
	flagReferencePrefix  = "reference-prefix"
	flagDraftTTL         = "draft-ttl"
	envPrefix            = "BILLPAY"
	defaultEnvFile       = ".env"
	defaultDatabaseURL   = "sqlite:///tmp/billpay.db"
	defaultStoreDriver   = storeDriverGorm
	defaultProviderWait  = 30 * time.Second
	defaultReferenceHead = "BP"
)

var configFlags = []string{
	flagDatabaseURL, flagStoreDriver, flagListenAddr, flagRedisURL,
	flagProviderBaseURL, flagProviderToken, flagProviderTimeout,
	flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagAdminRole, flagReferencePrefix, flagDraftTTL,
}

type runtimeConfig struct {
	DatabaseURL     string
	StoreDriver     string
	RedisURL        string
	ProviderBaseURL string
	ProviderTimeout time.Duration
	ReferencePrefix string
	DraftTTL        time.Duration
	HTTP            httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billpayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billpayd",
		Short:         "Wallet and bill-payment HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "postgres://, sqlite:// or memory:// connection string")
	cmd.Flags().String(flagStoreDriver, defaultStoreDriver, "postgres ledger driver: gorm or pgx")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagRedisURL, "", "redis:// URL for peer-transfer drafts; empty keeps drafts in memory")
	cmd.Flags().String(flagProviderBaseURL, "", "bill-payment provider base URL (required)")
	cmd.Flags().String(flagProviderToken, "", "bill-payment provider bearer token (required)")
	cmd.Flags().Duration(flagProviderTimeout, defaultProviderWait, "timeout of one provider call")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().String(flagAdminRole, "", "session role allowed to manage prices and gift cards")
	cmd.Flags().String(flagReferencePrefix, defaultReferenceHead, "prefix of generated transaction references")
	cmd.Flags().Duration(flagDraftTTL, draftstore.DefaultTTL, "lifetime of an unconfirmed peer transfer")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultStoreDriver
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPGX {
		return fmt.Errorf("%s must be %q or %q", flagStoreDriver, storeDriverGorm, storeDriverPGX)
	}
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.ProviderBaseURL = strings.TrimSpace(v.GetString(flagProviderBaseURL))
	if cfg.ProviderBaseURL == "" {
		return fmt.Errorf("%s is required", flagProviderBaseURL)
	}
	cfg.ProviderTimeout = v.GetDuration(flagProviderTimeout)
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderWait
	}
	cfg.ReferencePrefix = v.GetString(flagReferencePrefix)
	cfg.DraftTTL = v.GetDuration(flagDraftTTL)

	cfg.HTTP = httpapi.Config{
		ListenAddr:        v.GetString(flagListenAddr),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     v.GetString(flagJWTIssuer),
		SessionCookieName: v.GetString(flagJWTCookieName),
		AdminRole:         v.GetString(flagAdminRole),
		RequestTimeout:    cfg.ProviderTimeout + 5*time.Second,
		ProviderToken:     v.GetString(flagProviderToken),
	}
	return cfg.HTTP.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	opened, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage open: %w", err)
	}
	defer opened.close()

	drafts, closeDrafts, err := openDrafts(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDrafts()

	clock := func() int64 { return time.Now().UTC().Unix() }
	millis := func() int64 { return time.Now().UTC().UnixMilli() }

	ledgerService, err := ledger.NewService(opened.ledger, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	catalog, err := pricing.NewCatalog(opened.overrides, clock)
	if err != nil {
		return fmt.Errorf("catalog init: %w", err)
	}
	references, err := reference.NewGenerator(millis, reference.WithPrefix(cfg.ReferencePrefix))
	if err != nil {
		return fmt.Errorf("reference generator init: %w", err)
	}
	providerClient, err := provider.NewClient(cfg.ProviderBaseURL, provider.WithHTTPClient(&http.Client{Timeout: cfg.ProviderTimeout}))
	if err != nil {
		return fmt.Errorf("provider client init: %w", err)
	}
	engine, err := transfer.NewEngine(ledgerService, catalog, providerstatus.NewNormalizer(), references, clock,
		transfer.WithDirectory(opened.profiles),
		transfer.WithProvider(providerClient),
		transfer.WithGiftCards(opened.giftCards),
		transfer.WithProviderTimeout(cfg.ProviderTimeout),
	)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	router, err := httpapi.NewRouter(cfg.HTTP, httpapi.Dependencies{
		Engine:    engine,
		Ledger:    ledgerService,
		Catalog:   catalog,
		Plans:     providerClient,
		Statuses:  providerClient,
		Profiles:  opened.profiles,
		GiftCards: opened.giftCards,
		Drafts:    drafts,
		Logger:    logger,
		Now:       clock,
	})
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}
	logger.Info("billpay starting",
		zap.String("database_driver", opened.driver),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Bool("redis_drafts", cfg.RedisURL != ""),
	)
	return httpapi.Run(ctx, cfg.HTTP, router, logger)
}

func openDrafts(ctx context.Context, cfg *runtimeConfig) (draftstore.Store, func(), error) {
	if cfg.RedisURL == "" {
		return draftstore.NewMemoryStore(cfg.DraftTTL, nil), func() {}, nil
	}
	client, err := draftstore.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis open: %w", err)
	}
	store, err := draftstore.NewRedisStore(client, cfg.DraftTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}
