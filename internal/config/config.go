package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "FIELDSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "fieldsync.db"
	defaultLogLevel     = "info"
	defaultIssuer       = "fieldsync-auth"
	defaultAudience     = "fieldsync-api"
	defaultRedisChannel = "fieldsync:realtime"
	defaultAgentQueue   = "fieldsync-agent.db"
	defaultAgentAPIURL  = "http://127.0.0.1:8080"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LogFile       string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	Realtime RealtimeConfig
	Push     PushConfig
	Monitor  MonitorConfig
}

// RealtimeConfig tunes presence and sync lookback windows.
type RealtimeConfig struct {
	AwayAfter       time.Duration
	Retention       time.Duration
	DefaultLookback time.Duration
	SweepInterval   time.Duration
}

// PushConfig configures the push provider and the delivery sweeps.
type PushConfig struct {
	ProviderURL        string
	AccessToken        string
	BatchSize          int
	FailureThreshold   int
	ReceiptInterval    time.Duration
	ScheduleInterval   time.Duration
	ScheduleBatch      int
	MaxScheduleRetries int
	ThrottleBackoff    time.Duration
	ClaimTimeout       time.Duration
}

// MonitorConfig configures the aggregation cycle.
type MonitorConfig struct {
	Interval time.Duration
	Window   time.Duration
}

// DispatcherConfig tunes retry behaviour for the client agent.
type DispatcherConfig struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	AttemptTimeout time.Duration
	PollInterval   time.Duration
}

// AgentConfig captures runtime configuration for the client agent.
type AgentConfig struct {
	QueuePath  string
	APIURL     string
	Token      string
	DeviceID   string
	LogLevel   string
	Dispatcher DispatcherConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)

	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.channel", defaultRedisChannel)

	configViper.SetDefault("realtime.away_after", 5*time.Minute)
	configViper.SetDefault("realtime.retention", 24*time.Hour)
	configViper.SetDefault("realtime.default_lookback", 24*time.Hour)
	configViper.SetDefault("realtime.sweep_interval", 30*time.Second)

	configViper.SetDefault("push.provider_url", "https://exp.host/--/api/v2")
	configViper.SetDefault("push.batch_size", 100)
	configViper.SetDefault("push.failure_threshold", 5)
	configViper.SetDefault("push.receipt_interval", 15*time.Minute)
	configViper.SetDefault("push.schedule_interval", time.Minute)
	configViper.SetDefault("push.schedule_batch", 50)
	configViper.SetDefault("push.max_schedule_retries", 3)
	configViper.SetDefault("push.throttle_backoff", 30*time.Second)
	configViper.SetDefault("push.claim_timeout", 10*time.Minute)

	configViper.SetDefault("monitor.interval", 60*time.Second)
	configViper.SetDefault("monitor.window", time.Hour)

	configViper.SetDefault("dispatcher.base_delay", time.Second)
	configViper.SetDefault("dispatcher.max_delay", 5*time.Minute)
	configViper.SetDefault("dispatcher.max_retries", 5)
	configViper.SetDefault("dispatcher.attempt_timeout", 30*time.Second)
	configViper.SetDefault("dispatcher.poll_interval", 5*time.Second)

	configViper.SetDefault("agent.queue_path", defaultAgentQueue)
	configViper.SetDefault("agent.api_url", defaultAgentAPIURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		LogFile:       configViper.GetString("log.file"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		RedisChannel:  configViper.GetString("redis.channel"),
		Realtime: RealtimeConfig{
			AwayAfter:       configViper.GetDuration("realtime.away_after"),
			Retention:       configViper.GetDuration("realtime.retention"),
			DefaultLookback: configViper.GetDuration("realtime.default_lookback"),
			SweepInterval:   configViper.GetDuration("realtime.sweep_interval"),
		},
		Push: PushConfig{
			ProviderURL:        configViper.GetString("push.provider_url"),
			AccessToken:        configViper.GetString("push.access_token"),
			BatchSize:          configViper.GetInt("push.batch_size"),
			FailureThreshold:   configViper.GetInt("push.failure_threshold"),
			ReceiptInterval:    configViper.GetDuration("push.receipt_interval"),
			ScheduleInterval:   configViper.GetDuration("push.schedule_interval"),
			ScheduleBatch:      configViper.GetInt("push.schedule_batch"),
			MaxScheduleRetries: configViper.GetInt("push.max_schedule_retries"),
			ThrottleBackoff:    configViper.GetDuration("push.throttle_backoff"),
			ClaimTimeout:       configViper.GetDuration("push.claim_timeout"),
		},
		Monitor: MonitorConfig{
			Interval: configViper.GetDuration("monitor.interval"),
			Window:   configViper.GetDuration("monitor.window"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAgent parses client agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		QueuePath: configViper.GetString("agent.queue_path"),
		APIURL:    configViper.GetString("agent.api_url"),
		Token:     configViper.GetString("agent.token"),
		DeviceID:  configViper.GetString("agent.device_id"),
		LogLevel:  configViper.GetString("log.level"),
		Dispatcher: DispatcherConfig{
			BaseDelay:      configViper.GetDuration("dispatcher.base_delay"),
			MaxDelay:       configViper.GetDuration("dispatcher.max_delay"),
			MaxRetries:     configViper.GetInt("dispatcher.max_retries"),
			AttemptTimeout: configViper.GetDuration("dispatcher.attempt_timeout"),
			PollInterval:   configViper.GetDuration("dispatcher.poll_interval"),
		},
	}
	if strings.TrimSpace(cfg.QueuePath) == "" {
		return AgentConfig{}, fmt.Errorf("agent.queue_path is required")
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return AgentConfig{}, fmt.Errorf("agent.device_id is required")
	}
	if cfg.Dispatcher.MaxRetries < 0 {
		return AgentConfig{}, fmt.Errorf("dispatcher.max_retries must not be negative")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Push.BatchSize <= 0 {
		return fmt.Errorf("push.batch_size must be positive")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Window <= 0 {
		return fmt.Errorf("monitor.interval and monitor.window must be positive")
	}
	return nil
}
