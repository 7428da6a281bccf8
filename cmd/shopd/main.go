package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tbqdigital/shopcore/internal/auth"
	"github.com/tbqdigital/shopcore/internal/commerce"
	"github.com/tbqdigital/shopcore/internal/config"
	"github.com/tbqdigital/shopcore/internal/database"
	"github.com/tbqdigital/shopcore/internal/logging"
	"github.com/tbqdigital/shopcore/internal/payments"
	"github.com/tbqdigital/shopcore/internal/server"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "shopd",
		Short: "Digital-goods fulfillment and sync service",
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
	cmd.PersistentFlags().Duration("reconcile-interval", defaults.GetDuration("reconcile.interval"), "Payment reconcile interval")
	cmd.PersistentFlags().String("sync-secret", "", "Shared sync secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "reconcile.interval", "reconcile-interval")
	bindFlag(cmd, "sync.secret", "sync-secret")
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
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cipher, err := commerce.NewCredentialCipher(appConfig.CredentialPassphrase, appConfig.CredentialSalt)
	if err != nil {
		return err
	}

	commerceService, err := commerce.NewService(commerce.ServiceConfig{
		Database:       db,
		Clock:          time.Now,
		IDProvider:     commerce.NewUUIDProvider(),
		Cipher:         cipher,
		DeliverySecret: appConfig.DeliverySecret,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SyncSecret),
	})

	var paymentSource commerce.PaymentSource
	if appConfig.PaymentPollURL != "" {
		source, err := payments.NewSource(payments.SourceConfig{
			PollURL:          appConfig.PaymentPollURL,
			APIToken:         appConfig.PaymentAPIToken,
			ReferencePattern: appConfig.PaymentReferencePattern,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		paymentSource = source
	}

	reconciler, err := commerce.NewReconciler(commerce.ReconcilerConfig{
		Service:  commerceService,
		Source:   paymentSource,
		Interval: appConfig.ReconcileInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Commerce:    commerceService,
		TokenIssuer: tokenIssuer,
		SyncSecret:  appConfig.SyncSecret,
		Logger:      logger,
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

	reconciler.Start(signalCtx)
	defer reconciler.Stop()

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
