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
	"go.uber.org/zap"

	"github.com/quillvault/backend/internal/aggregate"
	"github.com/quillvault/backend/internal/auth"
	"github.com/quillvault/backend/internal/backup"
	"github.com/quillvault/backend/internal/config"
	"github.com/quillvault/backend/internal/database"
	"github.com/quillvault/backend/internal/hecrypt"
	"github.com/quillvault/backend/internal/logging"
	"github.com/quillvault/backend/internal/metrics"
	"github.com/quillvault/backend/internal/server"
	"github.com/quillvault/backend/internal/tier"
	"github.com/quillvault/backend/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quillvault-api",
		Short: "Quill Vault zero-knowledge sync and aggregation backend",
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
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().Int("fetch-limit", defaults.GetInt("sync.fetch_limit"), "Default backup page size")
	cmd.PersistentFlags().Int("aggregate-max-batch", defaults.GetInt("aggregate.max_batch"), "Maximum ciphertexts per aggregation")
	cmd.PersistentFlags().Int("aggregate-workers", defaults.GetInt("aggregate.workers"), "Concurrent aggregation worker slots")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "sync.fetch_limit", "fetch-limit")
	bindFlag(cmd, "aggregate.max_batch", "aggregate-max-batch")
	bindFlag(cmd, "aggregate.workers", "aggregate-workers")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})

	backupService, err := backup.NewService(backup.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: backup.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	metricService, err := metrics.NewService(metrics.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: backup.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	contextParams := hecrypt.DefaultParams()
	heBackend, err := hecrypt.NewLattigoBackend(contextParams)
	if err != nil {
		return err
	}

	engine, err := aggregate.NewEngine(aggregate.EngineConfig{
		Store:       metricService,
		Backend:     heBackend,
		MaxBatch:    appConfig.AggregateMaxBatch,
		WorkerSlots: appConfig.AggregateWorkers,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	gate, err := tier.NewGate(tier.GateConfig{
		Database: db,
		Users:    userService,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Backups:        backupService,
		Metrics:        metricService,
		Aggregator:     engine,
		Gate:           gate,
		ContextParams:  contextParams,
		Dispatcher:     server.NewSyncDispatcher(),
		FetchLimit:     appConfig.BackupFetchLimit,
		Logger:         logger,
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
