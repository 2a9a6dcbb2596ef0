package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/billpay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/billpay/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/billpay/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	driverPostgres  = "postgres"
	driverSQLite    = "sqlite"
	driverMemory    = "memory"
	storeDriverGorm = "gorm"
	storeDriverPGX  = "pgx"
)

type profileStore interface {
	transfer.Directory
	UpsertProfile(ctx context.Context, recipient transfer.Recipient) error
}

// stores groups the persistence ports. With the pgx driver the ledger and gift
// cards share one pgx pool so redemption stays in a single transaction, while
// overrides and profiles stay on gorm.
type stores struct {
	driver    string
	ledger    ledger.Store
	overrides pricing.OverrideStore
	profiles  profileStore
	giftCards giftcard.Store
	closers   []func()
}

func (opened *stores) close() {
	for index := len(opened.closers) - 1; index >= 0; index-- {
		opened.closers[index]()
	}
}

func openStores(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (*stores, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if driver == driverMemory {
		logger.Warn("using in-memory storage; balances are lost on restart")
		store := memstore.New()
		return &stores{driver: driver, ledger: store, overrides: store, profiles: store, giftCards: store}, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, driver, cfg.DatabaseURL, sqlitePath)
	if err != nil {
		return nil, err
	}
	opened := &stores{driver: driver, closers: []func(){func() { _ = cleanup() }}}
	if err := gormstore.Migrate(gormDB); err != nil {
		opened.close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	gormStore := gormstore.New(gormDB)
	opened.ledger, opened.overrides, opened.profiles, opened.giftCards = gormStore, gormStore, gormStore, gormStore

	if driver == driverPostgres && cfg.StoreDriver == storeDriverPGX {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			opened.close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		opened.closers = append(opened.closers, pool.Close)
		pgStore := pgstore.New(pool)
		opened.ledger, opened.giftCards = pgStore, pgStore
	}
	return opened, nil
}

func openDatabase(ctx context.Context, driver string, dsn string, sqlitePath string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY under load.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "memory://") {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "billpay.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
