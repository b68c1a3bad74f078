package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/monitor"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/push"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/server"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	entityCacheTTL  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync-api",
		Short: "Field operations sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

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
	cmd.PersistentFlags().String("log-file", "", "Optional rotating log file")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for cross-process realtime fan-out")
	cmd.PersistentFlags().String("push-provider-url", defaults.GetString("push.provider_url"), "Push provider base URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "push.provider_url", "push-provider-url")
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

func newTokenIssuer(appConfig config.AppConfig, ttl time.Duration) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      ttl,
	})
}

// newIssueTokenCommand mints a bearer token for local tooling and smoke tests.
func newIssueTokenCommand() *cobra.Command {
	var userID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig, ttl)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), auth.Claims{UserID: userID, Roles: roles})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject user id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{Level: appConfig.LogLevel, FilePath: appConfig.LogFile})
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

	tokenIssuer, err := newTokenIssuer(appConfig, 0)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	syncMonitor, err := monitor.New(monitor.Config{
		Registerer: registry,
		Window:     appConfig.Monitor.Window,
		Interval:   appConfig.Monitor.Interval,
		Logger:     logger.Named("monitor"),
	})
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	entityService, err := entities.NewService(entities.ServiceConfig{
		Database:   db,
		IDProvider: entities.NewUUIDProvider(),
		Cache:      entities.NewCache(entityCacheTTL, syncMonitor),
		Logger:     logger.Named("entities"),
	})
	if err != nil {
		return err
	}

	resubmitter := &server.EntityResubmitter{Entities: entityService}
	conflictService, err := conflicts.NewService(conflicts.ServiceConfig{
		Database:    db,
		IDProvider:  entities.NewUUIDProvider(),
		Resubmitter: resubmitter,
		Recorder:    syncMonitor,
		Logger:      logger.Named("conflicts"),
	})
	if err != nil {
		return err
	}

	bus, closeBus, err := newBus(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	coordinator, err := realtime.NewCoordinator(realtime.Config{
		Tokens:          tokenIssuer,
		Directory:       directory,
		Entities:        entityService,
		Conflicts:       conflictService,
		Bus:             bus,
		Presence:        realtime.NewPresenceTracker(appConfig.Realtime.AwayAfter, appConfig.Realtime.Retention),
		IDProvider:      entities.NewUUIDProvider(),
		DefaultLookback: appConfig.Realtime.DefaultLookback,
		SweepInterval:   appConfig.Realtime.SweepInterval,
		Recorder:        syncMonitor,
		Logger:          logger.Named("realtime"),
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()
	resubmitter.Publisher = coordinator

	gateway, err := push.NewGateway(push.GatewayConfig{
		Database: db,
		Provider: push.NewExpoProvider(push.ExpoProviderConfig{
			BaseURL:     appConfig.Push.ProviderURL,
			AccessToken: appConfig.Push.AccessToken,
		}),
		Recipients:         directory,
		IDProvider:         entities.NewUUIDProvider(),
		BatchSize:          appConfig.Push.BatchSize,
		FailureThreshold:   appConfig.Push.FailureThreshold,
		ScheduleBatch:      appConfig.Push.ScheduleBatch,
		MaxScheduleRetries: appConfig.Push.MaxScheduleRetries,
		ReceiptInterval:    appConfig.Push.ReceiptInterval,
		ScheduleInterval:   appConfig.Push.ScheduleInterval,
		ThrottleBackoff:    appConfig.Push.ThrottleBackoff,
		ClaimTimeout:       appConfig.Push.ClaimTimeout,
		Recorder:           syncMonitor,
		Logger:             logger.Named("push"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokenIssuer,
		Entities:  entityService,
		Conflicts: conflictService,
		Publisher: coordinator,
		Push:      gateway,
		Activity:  directory,
		Monitor:   syncMonitor,
		Realtime: realtime.NewWebsocketHandler(coordinator, realtime.TransportConfig{
			Logger: logger.Named("websocket"),
		}),
		Gatherer: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return coordinator.Run(groupCtx) })
	group.Go(func() error { return gateway.Run(groupCtx) })
	group.Go(func() error { return syncMonitor.Run(groupCtx) })

	return group.Wait()
}

// newBus selects Redis pub/sub when an address is configured and the
// in-process bus otherwise.
func newBus(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (realtime.Bus, func(), error) {
	if strings.TrimSpace(appConfig.RedisAddress) == "" {
		logger.Info("realtime bus: in-process")
		return realtime.NewLocalBus(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	bus, err := realtime.NewRedisBus(client, appConfig.RedisChannel, logger.Named("bus"))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("realtime bus: redis", zap.String("address", appConfig.RedisAddress), zap.String("channel", appConfig.RedisChannel))
	return bus, func() { _ = client.Close() }, nil
}
