package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/mutations"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const queueBlobKey = "mutation-queue"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync-agent",
		Short: "Offline mutation queue for field devices",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newEnqueueCommand(),
		newSyncCommand(),
		newRunCommand(),
		newStatusCommand(),
		newRetryCommand(),
		newClearCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("queue-path", defaults.GetString("agent.queue_path"), "SQLite file holding the durable queue")
	cmd.PersistentFlags().String("api-url", defaults.GetString("agent.api_url"), "Base URL of the sync API")
	cmd.PersistentFlags().String("token", "", "Bearer token for the sync API")
	cmd.PersistentFlags().String("device-id", "", "Stable identifier of this device")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "agent.queue_path", "queue-path")
	bindFlag(cmd, "agent.api_url", "api-url")
	bindFlag(cmd, "agent.token", "token")
	bindFlag(cmd, "agent.device_id", "device-id")
	bindFlag(cmd, "log.level", "log-level")
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

// agent bundles the durable queue with its configuration.
type agent struct {
	config config.AgentConfig
	logger *zap.Logger
	queue  *mutations.Queue
	close  func()
}

func openAgent(ctx context.Context) (*agent, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logging.Config{Level: agentConfig.LogLevel})
	if err != nil {
		return nil, err
	}
	db, err := database.OpenAgentSQLite(agentConfig.QueuePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	store, err := mutations.NewGormBlobStore(db, queueBlobKey)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	queue, err := mutations.NewQueue(mutations.QueueConfig{
		Store:             store,
		IDProvider:        mutations.NewUUIDProvider(),
		DefaultMaxRetries: agentConfig.Dispatcher.MaxRetries,
		Logger:            logger.Named("queue"),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := queue.Load(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &agent{
		config: agentConfig,
		logger: logger,
		queue:  queue,
		close: func() {
			_ = logger.Sync()
			_ = sqlDB.Close()
		},
	}, nil
}

func (a *agent) newDispatcher() (*mutations.Dispatcher, error) {
	api, err := mutations.NewHTTPEntityAPI(mutations.HTTPEntityAPIConfig{
		BaseURL:    a.config.APIURL,
		Token:      a.config.Token,
		DeviceID:   a.config.DeviceID,
		QueueDepth: a.queue.Depth,
	})
	if err != nil {
		return nil, err
	}
	return mutations.NewDispatcher(mutations.DispatcherConfig{
		Queue: a.queue,
		API:   api,
		Backoff: mutations.Backoff{
			Base: a.config.Dispatcher.BaseDelay,
			Max:  a.config.Dispatcher.MaxDelay,
		},
		AttemptTimeout: a.config.Dispatcher.AttemptTimeout,
		PollInterval:   a.config.Dispatcher.PollInterval,
		DeviceID:       a.config.DeviceID,
		Logger:         a.logger.Named("dispatcher"),
	})
}

func (a *agent) logOutcomes(dispatcher *mutations.Dispatcher) func() {
	return dispatcher.Subscribe(func(event mutations.DispatchEvent) {
		fields := []zap.Field{
			zap.String("event", string(event.Kind)),
			zap.String("mutation_id", event.Mutation.ID),
			zap.String("entity_type", event.Mutation.EntityType),
		}
		if event.ConflictID != "" {
			fields = append(fields, zap.String("conflict_id", event.ConflictID))
		}
		if event.Err != nil {
			fields = append(fields, zap.Error(event.Err))
		}
		if !event.RetryAt.IsZero() {
			fields = append(fields, zap.Time("retry_at", event.RetryAt))
		}
		a.logger.Info("dispatch outcome", fields...)
	})
}

func newEnqueueCommand() *cobra.Command {
	var entityType, entityID, operation, priority, payload string
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Durably queue a local mutation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var raw json.RawMessage
			if strings.TrimSpace(payload) != "" {
				raw, err = readPayload(payload)
				if err != nil {
					return err
				}
			}
			id, err := a.queue.Add(cmd.Context(), mutations.NewMutation{
				EntityType: entityType,
				EntityID:   entityID,
				Operation:  mutations.Operation(strings.ToUpper(strings.TrimSpace(operation))),
				Payload:    raw,
				Priority:   mutations.Priority(strings.ToLower(strings.TrimSpace(priority))),
				MaxRetries: maxRetries,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "Entity type")
	cmd.Flags().StringVar(&entityID, "id", "", "Entity id (required for update and delete)")
	cmd.Flags().StringVar(&operation, "op", string(mutations.OperationCreate), "CREATE, UPDATE, or DELETE")
	cmd.Flags().StringVar(&priority, "priority", string(mutations.PriorityMedium), "high, medium, or low")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON document, or @path to read it from a file")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func readPayload(value string) (json.RawMessage, error) {
	data := []byte(value)
	if strings.HasPrefix(value, "@") {
		contents, err := os.ReadFile(strings.TrimPrefix(value, "@"))
		if err != nil {
			return nil, err
		}
		data = contents
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return json.RawMessage(data), nil
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once, ignoring backoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			dispatcher, err := a.newDispatcher()
			if err != nil {
				return err
			}
			defer a.logOutcomes(dispatcher)()
			if err := dispatcher.ForceSync(cmd.Context()); err != nil {
				return err
			}
			return printStats(cmd, a.queue.Stats())
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep draining the queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			dispatcher, err := a.newDispatcher()
			if err != nil {
				return err
			}
			defer a.logOutcomes(dispatcher)()

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.logger.Info("agent started", zap.String("device_id", a.config.DeviceID), zap.Int("pending", a.queue.PendingCount()))
			dispatcher.Start(signalCtx)
			<-signalCtx.Done()
			dispatcher.Stop()
			dispatcher.Wait()
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	var listItems bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and failed mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := printStats(cmd, a.queue.Stats()); err != nil {
				return err
			}
			items := a.queue.FailedItems()
			if listItems {
				items = a.queue.Items()
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(items)
		},
	}
	cmd.Flags().BoolVar(&listItems, "all", false, "List every queued mutation, not only failed ones")
	return cmd
}

func newRetryCommand() *cobra.Command {
	var allFailed bool
	cmd := &cobra.Command{
		Use:   "retry [mutation-id...]",
		Short: "Return failed mutations to the pending state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ids := args
			if allFailed {
				for _, item := range a.queue.FailedItems() {
					ids = append(ids, item.ID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no mutation ids given")
			}
			for _, id := range ids {
				if err := a.queue.Retry(cmd.Context(), id); err != nil {
					return fmt.Errorf("retry %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d mutation(s)\n", len(ids))
			return nil
		},
	}
	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "Retry every failed mutation")
	return cmd
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued mutation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.queue.Clear(cmd.Context())
		},
	}
}

func printStats(cmd *cobra.Command, stats mutations.Stats) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(),
		"total=%d pending=%d in_flight=%d failed=%d last_sync=%s\n",
		stats.Total, stats.Pending, stats.InFlight, stats.Failed, formatTime(stats))
	return err
}

func formatTime(stats mutations.Stats) string {
	if stats.LastSyncAttempt.IsZero() {
		return "never"
	}
	return stats.LastSyncAttempt.UTC().Format("2006-01-02T15:04:05Z")
}
