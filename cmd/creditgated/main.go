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

	"github.com/MarkoPoloResearchLab/creditgate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditgate/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditgate/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagConfigFile       = "config"
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagStoreBackend     = "store-backend"
	flagAllowedOrigins   = "allowed-origins"
	flagSessionKey       = "session-signing-key"
	flagSessionIssuer    = "session-issuer"
	flagSessionCookie    = "session-cookie"
	flagAdminTokenKey    = "admin-token-key"
	flagRateRPS          = "rate-rps"
	flagRateBurst        = "rate-burst"
	flagCreditFailOpen   = "credit-fail-open"
	flagSweepInterval    = "sweep-interval"
	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyBackend     = "store_backend"
	configKeyOrigins     = "allowed_origins"
	configKeySessionKey  = "session_signing_key"
	configKeyIssuer      = "session_issuer"
	configKeyCookie      = "session_cookie"
	configKeyAdminKey    = "admin_token_key"
	configKeyRateRPS     = "rate_rps"
	configKeyRateBurst   = "rate_burst"
	configKeyFailOpen    = "credit_fail_open"
	configKeySweep       = "sweep_interval"
	configKeyCostRules   = "cost_rules"

	defaultDatabaseURL   = "sqlite:///tmp/creditgate.db"
	defaultListenAddr    = ":8080"
	defaultStoreBackend  = "gorm"
	defaultRateRPS       = 5.0
	defaultRateBurst     = 10
	defaultSweepInterval = time.Minute
	sweepBatchSize       = 100
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	StoreBackend      string
	AllowedOrigins    string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminTokenKey     string
	RateRPS           float64
	RateBurst         int
	CreditFailOpen    bool
	SweepInterval     time.Duration
	CostRules         []costRuleConfig
}

type costRuleConfig struct {
	PathPattern string `mapstructure:"path_pattern"`
	Cost        int64  `mapstructure:"cost"`
	Priority    int    `mapstructure:"priority"`
	Active      bool   `mapstructure:"active"`
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditgated: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditgated",
		Short:         "Credit ledger and admission gate HTTP server",
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

	cmd.Flags().String(flagConfigFile, "", "Optional YAML config file with cost rules")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "Database connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStoreBackend, defaultStoreBackend, "Storage backend for postgres URLs: gorm or pgx")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().String(flagSessionKey, "", "Session cookie signing key")
	cmd.Flags().String(flagSessionIssuer, "", "Session token issuer")
	cmd.Flags().String(flagSessionCookie, "", "Session cookie name")
	cmd.Flags().String(flagAdminTokenKey, "", "Admin bearer token signing key")
	cmd.Flags().Float64(flagRateRPS, defaultRateRPS, "Sustained requests per second per user")
	cmd.Flags().Int(flagRateBurst, defaultRateBurst, "Request burst per user")
	cmd.Flags().Bool(flagCreditFailOpen, true, "Admit requests when the credit check itself fails")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "How often expired holds are released")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]struct {
		flag string
		env  string
	}{
		configKeyDatabaseURL: {flagDatabaseURL, "DATABASE_URL"},
		configKeyListenAddr:  {flagListenAddr, "LISTEN_ADDR"},
		configKeyBackend:     {flagStoreBackend, "STORE_BACKEND"},
		configKeyOrigins:     {flagAllowedOrigins, "ALLOWED_ORIGINS"},
		configKeySessionKey:  {flagSessionKey, "SESSION_SIGNING_KEY"},
		configKeyIssuer:      {flagSessionIssuer, "SESSION_ISSUER"},
		configKeyCookie:      {flagSessionCookie, "SESSION_COOKIE"},
		configKeyAdminKey:    {flagAdminTokenKey, "ADMIN_TOKEN_KEY"},
		configKeyRateRPS:     {flagRateRPS, "RATE_RPS"},
		configKeyRateBurst:   {flagRateBurst, "RATE_BURST"},
		configKeyFailOpen:    {flagCreditFailOpen, "CREDIT_FAIL_OPEN"},
		configKeySweep:       {flagSweepInterval, "SWEEP_INTERVAL"},
	}
	for key, binding := range bindings {
		if err := viper.BindEnv(key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	if configFile, _ := cmd.Flags().GetString(flagConfigFile); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.StoreBackend = viper.GetString(configKeyBackend)
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionKey)
	cfg.SessionIssuer = viper.GetString(configKeyIssuer)
	cfg.SessionCookieName = viper.GetString(configKeyCookie)
	cfg.AdminTokenKey = viper.GetString(configKeyAdminKey)
	cfg.RateRPS = viper.GetFloat64(configKeyRateRPS)
	cfg.RateBurst = viper.GetInt(configKeyRateBurst)
	cfg.CreditFailOpen = viper.GetBool(configKeyFailOpen)
	cfg.SweepInterval = viper.GetDuration(configKeySweep)
	if err := viper.UnmarshalKey(configKeyCostRules, &cfg.CostRules); err != nil {
		return fmt.Errorf("parse cost rules: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.AdminTokenKey == "" {
		return fmt.Errorf("admin token key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	seed := make([]credits.CostRule, 0, len(cfg.CostRules))
	for _, rule := range cfg.CostRules {
		seed = append(seed, credits.CostRule{
			PathPattern: rule.PathPattern,
			Cost:        credits.Credits(rule.Cost),
			Priority:    rule.Priority,
			Active:      rule.Active,
		})
	}
	if len(seed) > 0 {
		if err := store.SeedCostRules(ctx, seed); err != nil {
			return fmt.Errorf("seed cost rules: %w", err)
		}
	}
	storedRules, err := store.ListActiveCostRules(ctx)
	if err != nil {
		return fmt.Errorf("load cost rules: %w", err)
	}
	costs, err := credits.NewCostTable(storedRules)
	if err != nil {
		return fmt.Errorf("compile cost rules: %w", err)
	}

	operationLogger := oplog.New(logger)
	clock := func() int64 { return time.Now().UTC().Unix() }
	balances, err := credits.NewBalanceService(store, credits.WithBalanceLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("balance service init: %w", err)
	}
	ledger, err := credits.NewLedgerService(store, clock)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	holds, err := credits.NewHoldManager(store, clock, credits.WithHoldLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("hold manager init: %w", err)
	}
	limiter := ratelimit.New(cfg.RateRPS, cfg.RateBurst)
	gate, err := credits.NewAdmissionGate(limiter, costs, balances, ledger,
		credits.GateConfig{CreditCheckFailOpen: cfg.CreditFailOpen},
		credits.WithGateLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("admission gate init: %w", err)
	}

	go sweepExpiredHolds(ctx, logger, holds, cfg.SweepInterval)

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		AdminTokenKey:     cfg.AdminTokenKey,
	}, httpapi.Dependencies{
		Balances: balances,
		Ledger:   ledger,
		Holds:    holds,
		Rules:    costs,
		Gate:     gate,
		Now:      clock,
	})
}

func sweepExpiredHolds(ctx context.Context, logger *zap.Logger, holds *credits.HoldManager, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := holds.SweepExpired(ctx, sweepBatchSize)
			if err != nil {
				logger.Warn("expired hold sweep failed", zap.Error(err))
				continue
			}
			if released > 0 {
				logger.Info("expired holds released", zap.Int("count", released))
			}
		}
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if driver == "postgres" && cfg.StoreBackend == "pgx" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.Setup(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	gormConfig := &gorm.Config{}
	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
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
	if err := gormstore.Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return gormstore.New(db.WithContext(ctx)), func() error { return sqlDB.Close() }, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
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
			path = "creditgate.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
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
