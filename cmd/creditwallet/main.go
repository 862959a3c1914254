package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/httpserver"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/paymentgw"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/planconfig"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/lifecycle"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagDatabaseEngine    = "database-engine"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagPlanCatalog       = "plan-catalog"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagServiceSigningKey = "service-signing-key"
	flagServiceIssuer     = "service-issuer"
	flagBridgeBaseURL     = "bridge-base-url"
	flagBridgeAuthToken   = "bridge-auth-token"
	flagCurrency          = "currency"
	flagRequestTimeout    = "request-timeout"
	envPrefix             = "CREDITWALLET"

	engineGorm = "gorm"
	enginePgx  = "pgx"

	driverPostgres = "postgres"
	driverMySQL    = "mysql"
	driverSQLite   = "sqlite"

	defaultDatabaseURL    = "sqlite:///tmp/creditwallet.db"
	defaultHTTPListenAddr = ":8080"
	defaultCurrency       = "usd"
)

type runtimeConfig struct {
	DatabaseURL       string
	DatabaseEngine    string
	ListenAddr        string
	AllowedOrigins    string
	PlanCatalogPath   string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	ServiceSigningKey string
	ServiceIssuer     string
	BridgeBaseURL     string
	BridgeAuthToken   string
	Currency          string
	RequestTimeout    time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditwalletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditwalletd",
		Short:         "Credit and wallet ledger HTTP service",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres://, mysql:// or sqlite path)")
	cmd.Flags().String(flagDatabaseEngine, engineGorm, "storage engine: gorm or pgx (pgx needs a postgres url)")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagPlanCatalog, "", "path to the plan catalog YAML (required)")
	cmd.Flags().String(flagSessionSigningKey, "", "TAuth session signing key (required)")
	cmd.Flags().String(flagSessionIssuer, "", "expected session JWT issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagServiceSigningKey, "", "signing key for service-to-service tokens (required)")
	cmd.Flags().String(flagServiceIssuer, "", "expected service JWT issuer")
	cmd.Flags().String(flagBridgeBaseURL, "", "base URL of the payment bridge (required)")
	cmd.Flags().String(flagBridgeAuthToken, "", "bearer token for the payment bridge (required)")
	cmd.Flags().String(flagCurrency, defaultCurrency, "charge currency")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request handler timeout (e.g. 5s)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flagNames := []string{
		flagDatabaseURL, flagDatabaseEngine, flagListenAddr, flagAllowedOrigins,
		flagPlanCatalog, flagSessionSigningKey, flagSessionIssuer, flagSessionCookieName,
		flagServiceSigningKey, flagServiceIssuer, flagBridgeBaseURL, flagBridgeAuthToken,
		flagCurrency, flagRequestTimeout,
	}
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	for _, required := range []string{flagPlanCatalog, flagSessionSigningKey, flagServiceSigningKey, flagBridgeBaseURL, flagBridgeAuthToken} {
		if strings.TrimSpace(v.GetString(required)) == "" {
			return fmt.Errorf("%s is required", required)
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.DatabaseEngine = strings.TrimSpace(v.GetString(flagDatabaseEngine))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = v.GetString(flagAllowedOrigins)
	cfg.PlanCatalogPath = strings.TrimSpace(v.GetString(flagPlanCatalog))
	cfg.SessionSigningKey = v.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagSessionIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagSessionCookieName))
	cfg.ServiceSigningKey = v.GetString(flagServiceSigningKey)
	cfg.ServiceIssuer = strings.TrimSpace(v.GetString(flagServiceIssuer))
	cfg.BridgeBaseURL = strings.TrimSpace(v.GetString(flagBridgeBaseURL))
	cfg.BridgeAuthToken = v.GetString(flagBridgeAuthToken)
	cfg.Currency = strings.TrimSpace(v.GetString(flagCurrency))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)

	if cfg.DatabaseEngine != engineGorm && cfg.DatabaseEngine != enginePgx {
		return fmt.Errorf("unsupported database engine %q", cfg.DatabaseEngine)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	catalog, err := planconfig.Load(cfg.PlanCatalogPath)
	if err != nil {
		return fmt.Errorf("plan catalog load: %w", err)
	}

	backend, cleanup, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() time.Time { return time.Now().UTC() }
	creditService, err := credits.NewService(backend, clock,
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	orchestrator, err := lifecycle.NewOrchestrator(creditService, catalog, lifecycle.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	planSource, err := planconfig.NewSeatPlanSource(catalog, backend)
	if err != nil {
		return fmt.Errorf("plan source init: %w", err)
	}

	gateway, err := paymentgw.New(cfg.BridgeBaseURL, cfg.BridgeAuthToken, paymentgw.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("payment bridge init: %w", err)
	}

	engine, err := topup.NewEngine(creditService, backend, gateway, planSource, clock,
		topup.WithCurrency(cfg.Currency), topup.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("top-up engine init: %w", err)
	}

	serverCfg := httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		ServiceSigningKey: cfg.ServiceSigningKey,
		ServiceIssuer:     cfg.ServiceIssuer,
		RequestTimeout:    cfg.RequestTimeout,
	}
	logger.Info("server starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("database_engine", cfg.DatabaseEngine))
	return httpserver.Run(ctx, serverCfg, httpserver.Dependencies{
		Logger:       logger,
		Credits:      creditService,
		Orchestrator: orchestrator,
		TopUps:       engine,
	})
}

// storageBackend is everything the wiring needs from one backing store.
type storageBackend interface {
	credits.Store
	topup.FailureStore
}

func openStorage(ctx context.Context, cfg *runtimeConfig) (storageBackend, func() error, error) {
	if cfg.DatabaseEngine == enginePgx {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("%s engine needs a postgres database url", enginePgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, resolvedDSN, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(resolvedDSN), gormCfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(resolvedDSN), gormCfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(resolvedDSN), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// Row locking is a no-op on sqlite; a single connection serializes writers instead.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, dsn, nil
	}
	if strings.HasPrefix(dsn, "mysql://") {
		return driverMySQL, strings.TrimPrefix(dsn, "mysql://"), nil
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
			path = "creditwallet.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.BalanceRow{}, &gormstore.LedgerRow{}, &gormstore.FailureRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// zapOperationLogger mirrors ledger mutations into the process log.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("holder_id", entry.HolderID.String()),
		zap.String("key", entry.Key.String()),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", entry.BalanceAfter),
		zap.String("source", string(entry.Source)),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("credit operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}
