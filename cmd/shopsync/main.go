package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tbqdigital/shopcore/internal/config"
	"github.com/tbqdigital/shopcore/internal/localstore"
	"github.com/tbqdigital/shopcore/internal/logging"
	"github.com/tbqdigital/shopcore/internal/syncer"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "shopsync",
		Short: "Desktop sync agent for the inventory manager",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
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
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Local SQLite cache path")
	cmd.PersistentFlags().String("cloud-url", defaults.GetString("sync.cloud_url"), "Cloud service base URL")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Sync cycle interval")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("sync-secret", "", "Shared sync secret (overrides env)")

	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "sync.cloud_url", "cloud-url")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "log.level", "log-level")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := localstore.Open(appConfig.CachePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := localstore.NewStore(localstore.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	client, err := syncer.NewClient(syncer.ClientConfig{
		BaseURL:    appConfig.CloudURL,
		SyncSecret: appConfig.SyncSecret,
		Device:     hostname,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	puller, err := syncer.NewPuller(syncer.PullerConfig{
		Store:  store,
		API:    client,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	pusher, err := syncer.NewPusher(syncer.PusherConfig{
		Store:  store,
		API:    client,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := syncer.NewScheduler(syncer.SchedulerConfig{
		Puller:   puller,
		Pusher:   pusher,
		Interval: appConfig.SyncInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sync agent starting",
		zap.String("cloud_url", appConfig.CloudURL),
		zap.Duration("interval", appConfig.SyncInterval))
	scheduler.Start(signalCtx)
	defer scheduler.Stop()

	<-signalCtx.Done()
	logger.Info("sync agent stopping")
	return nil
}
