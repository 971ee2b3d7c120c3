package config

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Campaign   CampaignConfig   `yaml:"campaign" mapstructure:"campaign"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Directory  DirectoryConfig  `yaml:"directory" mapstructure:"directory"`
	Feed       FeedConfig       `yaml:"feed" mapstructure:"feed"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the campaign store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// CampaignConfig configures planning, check-ins and escalation.
type CampaignConfig struct {
	CheckpointFractions  []float64      `yaml:"checkpoint_fractions" mapstructure:"checkpoint_fractions"`
	EscalationThreshold  float64        `yaml:"escalation_threshold" mapstructure:"escalation_threshold"`
	MaxEscalations       int            `yaml:"max_escalations" mapstructure:"max_escalations"`
	UrgencyBaselines     map[string]int `yaml:"urgency_baselines" mapstructure:"urgency_baselines"`
	ExactConfidenceLimit int            `yaml:"exact_confidence_limit" mapstructure:"exact_confidence_limit"`
	ConflictRetries      int            `yaml:"conflict_retries" mapstructure:"conflict_retries"`
}

// DispatchConfig configures the outbound channel.
type DispatchConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	Token                   string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts             int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs        int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs            int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	RatePerSec              float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	Concurrency             int     `yaml:"concurrency" mapstructure:"concurrency"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	EnqueueTimeoutSecs      int     `yaml:"enqueue_timeout_secs" mapstructure:"enqueue_timeout_secs"`
}

// DirectoryConfig configures the tier directory source.
type DirectoryConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// FeedConfig configures the Pub/Sub response feed.
type FeedConfig struct {
	ProjectID      string `yaml:"project_id" mapstructure:"project_id"`
	Subscription   string `yaml:"subscription" mapstructure:"subscription"`
	MaxOutstanding int    `yaml:"max_outstanding" mapstructure:"max_outstanding"`
}

// Enabled reports whether a subscription is configured.
func (f FeedConfig) Enabled() bool {
	return f.ProjectID != "" && f.Subscription != ""
}

// SchedulerConfig selects how checkpoints are timed.
type SchedulerConfig struct {
	Driver            string `yaml:"driver" mapstructure:"driver"`
	TemporalHostPort  string `yaml:"temporal_host_port" mapstructure:"temporal_host_port"`
	TemporalNamespace string `yaml:"temporal_namespace" mapstructure:"temporal_namespace"`
	TaskQueue         string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures campaign health alerts.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	AtRiskThreshold     int     `yaml:"at_risk_threshold" mapstructure:"at_risk_threshold"`
	ExpiredThreshold    int     `yaml:"expired_threshold" mapstructure:"expired_threshold"`
	DispatchFailureRate float64 `yaml:"dispatch_failure_rate" mapstructure:"dispatch_failure_rate"`
}

// Load reads configuration from config.yaml and OUTREACH_* environment
// variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "outreach.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("campaign.checkpoint_fractions", []float64{0.25, 0.5, 0.75})
	v.SetDefault("campaign.escalation_threshold", 0.75)
	v.SetDefault("campaign.max_escalations", 3)
	v.SetDefault("campaign.urgency_baselines", map[string]int{
		"emergency": 5,
		"urgent":    10,
		"standard":  15,
		"group":     20,
		"flexible":  10,
	})
	v.SetDefault("campaign.exact_confidence_limit", 30)
	v.SetDefault("campaign.conflict_retries", 5)

	v.SetDefault("dispatch.timeout_secs", 10)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.initial_backoff_ms", 500)
	v.SetDefault("dispatch.max_backoff_ms", 10000)
	v.SetDefault("dispatch.rate_per_sec", 20.0)
	v.SetDefault("dispatch.burst", 5)
	v.SetDefault("dispatch.concurrency", 8)
	v.SetDefault("dispatch.circuit_failure_threshold", 5)
	v.SetDefault("dispatch.circuit_reset_secs", 30)
	v.SetDefault("dispatch.enqueue_timeout_secs", 60)

	v.SetDefault("directory.driver", "file")
	v.SetDefault("directory.path", "directory.yaml")

	v.SetDefault("feed.max_outstanding", 100)

	v.SetDefault("scheduler.driver", "timer")
	v.SetDefault("scheduler.temporal_host_port", "localhost:7233")
	v.SetDefault("scheduler.temporal_namespace", "default")
	v.SetDefault("scheduler.task_queue", "outreach-checkpoints")

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.at_risk_threshold", 1)
	v.SetDefault("monitoring.expired_threshold", 1)
	v.SetDefault("monitoring.dispatch_failure_rate", 0.25)
}

// Validate checks the settings a command mode depends on. Modes: "plan",
// "serve", "worker", "directory".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Directory.Driver {
	case "file":
		if c.Directory.Path == "" && mode != "directory" {
			errs = append(errs, "directory.path is required for the file directory")
		}
	case "postgres":
		if c.Directory.DatabaseURL == "" {
			errs = append(errs, "directory.database_url is required for the postgres directory")
		}
	default:
		errs = append(errs, "directory.driver must be file or postgres")
	}

	errs = append(errs, c.Campaign.problems()...)

	if mode == "serve" || mode == "worker" {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
		switch c.Scheduler.Driver {
		case "timer":
			if mode == "worker" {
				errs = append(errs, "worker mode requires scheduler.driver=temporal")
			}
		case "temporal":
			if c.Scheduler.TaskQueue == "" {
				errs = append(errs, "scheduler.task_queue is required for temporal")
			}
		default:
			errs = append(errs, "scheduler.driver must be timer or temporal")
		}
	}
	if mode == "serve" && c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
		errs = append(errs, "monitoring.webhook_url is required when monitoring is enabled")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

func (c CampaignConfig) problems() []string {
	var errs []string
	if len(c.CheckpointFractions) == 0 {
		errs = append(errs, "campaign.checkpoint_fractions must not be empty")
	}
	prev := 0.0
	for _, f := range c.CheckpointFractions {
		if f <= 0 || f >= 1 {
			errs = append(errs, "campaign.checkpoint_fractions must lie in (0,1)")
			break
		}
		if f <= prev {
			errs = append(errs, "campaign.checkpoint_fractions must be strictly increasing")
			break
		}
		prev = f
	}
	if c.EscalationThreshold <= 0 || c.EscalationThreshold > 1 {
		errs = append(errs, "campaign.escalation_threshold must lie in (0,1]")
	}
	if c.MaxEscalations < 0 {
		errs = append(errs, "campaign.max_escalations must not be negative")
	}
	keys := make([]string, 0, len(c.UrgencyBaselines))
	for k := range c.UrgencyBaselines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c.UrgencyBaselines[k] <= 0 {
			errs = append(errs, "campaign.urgency_baselines."+k+" must be positive")
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
