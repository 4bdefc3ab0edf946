package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/orbitalworks/collabsync/internal/auth"
	"github.com/orbitalworks/collabsync/internal/broadcast"
	"github.com/orbitalworks/collabsync/internal/cluster"
	"github.com/orbitalworks/collabsync/internal/config"
	"github.com/orbitalworks/collabsync/internal/database"
	"github.com/orbitalworks/collabsync/internal/logging"
	"github.com/orbitalworks/collabsync/internal/presence"
	"github.com/orbitalworks/collabsync/internal/reconcile"
	"github.com/orbitalworks/collabsync/internal/registry"
	"github.com/orbitalworks/collabsync/internal/server"
	"github.com/orbitalworks/collabsync/internal/snapshot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-sync",
		Short: "Realtime collaboration sync service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite snapshot database path")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("persistence.debounce_ms"), "Snapshot debounce interval in milliseconds")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for multi-instance relay (empty for single instance)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "persistence.debounce_ms", "debounce-ms")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	if err != nil {
		return err
	}

	store, err := snapshot.NewGormStore(snapshot.GormStoreConfig{Database: db})
	if err != nil {
		return err
	}

	scheduler, err := snapshot.NewScheduler(snapshot.SchedulerConfig{
		Store:    store,
		Interval: appConfig.DebounceInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	connectionRegistry := registry.NewRegistry(logger)
	presenceTracker := presence.NewTracker()

	var relayBus cluster.Bus = cluster.NoopBus{}
	if appConfig.RedisAddress != "" {
		redisBus, err := cluster.NewRedisBus(appConfig.RedisAddress, uuid.NewString(), logger)
		if err != nil {
			return err
		}
		defer redisBus.Close() //nolint:errcheck
		relayBus = redisBus
	}

	broadcaster, err := broadcast.NewBroadcaster(broadcast.Config{
		Registry: connectionRegistry,
		Bus:      relayBus,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gate, err := reconcile.NewGate(reconcile.GateConfig{
		Store:    store,
		Presence: reconcile.PresenceFunc(connectionRegistry.Occupants),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    verifier,
		Registry:    connectionRegistry,
		Broadcaster: broadcaster,
		Presence:    presenceTracker,
		Gate:        gate,
		Scheduler:   scheduler,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := broadcaster.Start(signalCtx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		scheduler.Close(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
