package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karmalink/backend/internal/addresses"
	"github.com/karmalink/backend/internal/attestation"
	"github.com/karmalink/backend/internal/bot"
	"github.com/karmalink/backend/internal/config"
	"github.com/karmalink/backend/internal/database"
	"github.com/karmalink/backend/internal/identity"
	"github.com/karmalink/backend/internal/keylock"
	"github.com/karmalink/backend/internal/logging"
	"github.com/karmalink/backend/internal/notify"
	"github.com/karmalink/backend/internal/payments"
	"github.com/karmalink/backend/internal/provider"
	"github.com/karmalink/backend/internal/rates"
	"github.com/karmalink/backend/internal/rewards"
	"github.com/karmalink/backend/internal/server"
	"github.com/karmalink/backend/internal/users"
	"github.com/karmalink/backend/internal/walletrpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "karmalink-api",
		Short: "KarmaLink attestation bot backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int64("price-bytes", defaults.GetInt64("attestation.price_bytes"), "Attestation price in bytes")
	cmd.PersistentFlags().String("wallet-rpc-url", defaults.GetString("wallet.rpc_url"), "Wallet daemon JSON-RPC URL")
	cmd.PersistentFlags().String("rates-url", defaults.GetString("rates.url"), "Exchange rate feed URL")
	cmd.PersistentFlags().String("operator-email", defaults.GetString("operator.email"), "Operator notification address")
	cmd.PersistentFlags().Int("state-ttl-minutes", defaults.GetInt("state.ttl_minutes"), "OAuth state token TTL in minutes")
	cmd.PersistentFlags().Int("retry-period-seconds", defaults.GetInt("retry.period_seconds"), "Retry sweep period in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "State token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "attestation.price_bytes", "price-bytes")
	bindFlag(cmd, "wallet.rpc_url", "wallet-rpc-url")
	bindFlag(cmd, "rates.url", "rates-url")
	bindFlag(cmd, "operator.email", "operator-email")
	bindFlag(cmd, "state.ttl_minutes", "state-ttl-minutes")
	bindFlag(cmd, "retry.period_seconds", "retry-period-seconds")
	bindFlag(cmd, "state.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger,
		&users.User{},
		&identity.Identity{},
		&identity.Version{},
		&addresses.ReceivingAddress{},
		&payments.Transaction{},
		&payments.RejectedPayment{},
		&attestation.Record{},
		&rewards.RewardRecord{},
		&rewards.ReferralRewardRecord{},
	)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	locks := keylock.NewManager()
	operator := notify.NewNotifier(appConfig.SMTP, appConfig.OperatorEmail, logger)

	wallet, err := walletrpc.NewClient(walletrpc.ClientConfig{
		URL:    appConfig.WalletRPCURL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	converter, err := rates.NewConverter(rates.ConverterConfig{
		URL:    appConfig.RatesURL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Locks:    locks,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	addressService, err := addresses.NewService(addresses.ServiceConfig{
		Database:   db,
		Locks:      locks,
		Issuer:     wallet,
		PriceBytes: appConfig.PriceBytes,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := attestation.NewDispatcher(attestation.DispatcherConfig{
		Database: db,
		Attestor: wallet,
		Operator: operator,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	resolver, err := rewards.NewChainResolver(rewards.ChainResolverConfig{
		Database: db,
		Funding:  wallet,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ledger, err := rewards.NewLedger(rewards.LedgerConfig{
		Database:  db,
		Tiers:     appConfig.RewardTiers,
		Messenger: wallet,
		Payer:     wallet,
		Converter: converter,
		Resolver:  resolver,
		Operator:  operator,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	engine, err := payments.NewEngine(payments.EngineConfig{
		Database:   db,
		Addresses:  addressService,
		Users:      userService,
		Identities: identityService,
		Dispatcher: dispatcher,
		Ledger:     ledger,
		Messenger:  wallet,
		Authors:    wallet,
		Operator:   operator,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	states := server.NewStateManager(server.StateManagerConfig{
		SigningSecret: []byte(appConfig.StateSigningSecret),
		TTL:           appConfig.StateTTL,
	})

	router, err := bot.NewRouter(bot.RouterConfig{
		Users:      userService,
		Identities: identityService,
		Addresses:  addressService,
		Payments:   engine,
		Ledger:     ledger,
		Messenger:  wallet,
		States:     states,
		AuthURL:    appConfig.OAuth.PublicURL + "/auth",
		PriceBytes: appConfig.PriceBytes,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		States:    states,
		Exchanger: provider.NewExchanger(appConfig.OAuth),
		Bot:       router,
		Intake:    engine,
		Users:     userService,
		OAuth:     appConfig.OAuth,
		Operator:  operator,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runRetrySweeps(signalCtx, appConfig.RetryPeriod, engine, dispatcher, ledger, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runRetrySweeps periodically re-runs interrupted settlements, retries
// attestations that were recorded but never posted, and retries rewards that
// were recorded but never paid.
func runRetrySweeps(ctx context.Context, period time.Duration, engine *payments.Engine, dispatcher *attestation.Dispatcher, ledger *rewards.Ledger, logger *zap.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.RetrySettlements(ctx); err != nil {
				logger.Error("settlement retry sweep failed", zap.Error(err))
			}
			if err := dispatcher.RetryUnposted(ctx); err != nil {
				logger.Error("attestation retry sweep failed", zap.Error(err))
			}
			if err := ledger.RetryUnpaid(ctx); err != nil {
				logger.Error("reward retry sweep failed", zap.Error(err))
			}
		}
	}
}
