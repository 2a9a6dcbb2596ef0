package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	dir := test.TempDir()
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/billpay", wantDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/billpay", wantDriver: driverPostgres},
		{name: "memory", dsn: "memory://", wantDriver: driverMemory},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(dir, "a", "billpay.db"), wantDriver: driverSQLite, wantPath: filepath.Join(dir, "a", "billpay.db")},
		{name: "sqlite in memory", dsn: ":memory:", wantDriver: driverSQLite, wantPath: ":memory:"},
		{name: "bare path", dsn: filepath.Join(dir, "b.db"), wantDriver: driverSQLite, wantPath: filepath.Join(dir, "b.db")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			driver, path, err := resolveDriver(testCase.dsn)
			require.NoError(test, err)
			require.Equal(test, testCase.wantDriver, driver)
			require.Equal(test, testCase.wantPath, path)
		})
	}
}

func TestOpenStoresSQLiteAndMemory(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	for _, dsn := range []string{"memory://", "sqlite://" + filepath.Join(test.TempDir(), "billpay.db")} {
		opened, err := openStores(ctx, &runtimeConfig{DatabaseURL: dsn, StoreDriver: storeDriverGorm}, zap.NewNop())
		require.NoError(test, err, dsn)
		require.NotNil(test, opened.ledger)
		require.NotNil(test, opened.overrides)
		require.NotNil(test, opened.profiles)
		require.NotNil(test, opened.giftCards)
		opened.close()
	}
}

func TestLoadConfigFromEnvironment(test *testing.T) {
	test.Setenv("BILLPAY_PROVIDER_BASE_URL", "https://provider.example.com")
	test.Setenv("BILLPAY_PROVIDER_TOKEN", "token")
	test.Setenv("BILLPAY_JWT_SIGNING_KEY", "secret")
	test.Setenv("BILLPAY_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	test.Setenv("BILLPAY_PROVIDER_TIMEOUT", "10s")
	test.Setenv("BILLPAY_STORE_DRIVER", "PGX")

	cmd := newRootCommand()
	require.NoError(test, cmd.Flags().Set(flagEnvFile, filepath.Join(test.TempDir(), "missing.env")))
	cfg := &runtimeConfig{}
	require.NoError(test, loadConfig(cmd, cfg))

	require.Equal(test, defaultDatabaseURL, cfg.DatabaseURL)
	require.Equal(test, storeDriverPGX, cfg.StoreDriver)
	require.Equal(test, 10*time.Second, cfg.ProviderTimeout)
	require.Equal(test, 15*time.Second, cfg.HTTP.RequestTimeout)
	require.Equal(test, []string{"https://a.example.com", "https://b.example.com"}, cfg.HTTP.AllowedOrigins)
	require.Equal(test, "token", cfg.HTTP.ProviderToken)
	require.Equal(test, "admin", cfg.HTTP.AdminRole)
}

func TestLoadConfigRejectsMissingProvider(test *testing.T) {
	test.Setenv("BILLPAY_PROVIDER_BASE_URL", "")
	test.Setenv("BILLPAY_JWT_SIGNING_KEY", "secret")
	cmd := newRootCommand()
	require.NoError(test, cmd.Flags().Set(flagEnvFile, ""))
	require.Error(test, loadConfig(cmd, &runtimeConfig{}))
}
