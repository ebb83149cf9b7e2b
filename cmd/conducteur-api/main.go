package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/OndesLab/conducteur/internal/auth"
	"github.com/OndesLab/conducteur/internal/config"
	"github.com/OndesLab/conducteur/internal/database"
	"github.com/OndesLab/conducteur/internal/logging"
	"github.com/OndesLab/conducteur/internal/mirror"
	"github.com/OndesLab/conducteur/internal/server"
	"github.com/OndesLab/conducteur/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conducteur-api",
		Short: "Conducteur rundown collaboration backend",
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
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the collaboration channel (empty disables the mirror)")
	cmd.PersistentFlags().Int("save-debounce-ms", defaults.GetInt("save.debounce_ms"), "Write-behind save debounce in milliseconds")
	cmd.PersistentFlags().Int("token-ttl-hours", defaults.GetInt("token.ttl_hours"), "Editor token TTL in hours")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("provisioning-key", "", "Token provisioning key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "save.debounce_ms", "save-debounce-ms")
	bindFlag(cmd, "token.ttl_hours", "token-ttl-hours")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.provisioning_key", "provisioning-key")
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

	storeService, err := store.NewService(store.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "conducteur-auth",
		Audience:      "conducteur-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:    tokenManager,
		StoreService:    storeService,
		ProvisioningKey: appConfig.ProvisioningKey,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.RedisURL != "" {
		redisOptions, err := redis.ParseURL(appConfig.RedisURL)
		if err != nil {
			return err
		}
		redisClient := redis.NewClient(redisOptions)
		defer redisClient.Close()

		persistenceMirror, err := mirror.NewMirror(mirror.Config{
			Client:   redisClient,
			Store:    storeService,
			Debounce: appConfig.SaveDebounce,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := persistenceMirror.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mirror stopped", zap.Error(err))
			}
		}()
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
