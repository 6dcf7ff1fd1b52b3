package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"fx-rate-pipeline/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Logging   logging.Config   `mapstructure:"logging"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Ethereum  EthereumConfig   `mapstructure:"ethereum"`
	Alerting  AlertingConfig   `mapstructure:"alerting"`
	Broadcast BroadcastConfig  `mapstructure:"broadcast"`
	Server    ServerConfig     `mapstructure:"server"`
	Export    ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// snapshot history in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// PipelineConfig tunes the per-cycle transforms.
type PipelineConfig struct {
	Base             string   `mapstructure:"base"`
	SmoothingAlpha   float64  `mapstructure:"smoothing_alpha"`
	AnomalyThreshold float64  `mapstructure:"anomaly_threshold"`
	HistoryLimit     int      `mapstructure:"history_limit"`
	WarmupPairs      []string `mapstructure:"warmup_pairs"`
}

// CacheConfig selects the conversion-rate cache backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig addresses the Redis cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Provider kinds.
const (
	ProviderHTTP      = "http"
	ProviderChainlink = "chainlink"
)

// ProviderConfig describes one rate source.
type ProviderConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	URL          string        `mapstructure:"url"`
	RatesField   string        `mapstructure:"rates_field"`
	SuccessField string        `mapstructure:"success_field"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// EthereumConfig covers on-chain price feeds.
type EthereumConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	MaxAnswerAge   time.Duration     `mapstructure:"max_answer_age"`
	Feeds          map[string]string `mapstructure:"feeds"`
}

// AlertingConfig defines anomaly alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// BroadcastConfig controls event fan-out.
type BroadcastConfig struct {
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// WebSocketConfig toggles the /ws push channel.
type WebSocketConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	SendBuffer int  `mapstructure:"send_buffer"`
}

// KafkaConfig points the optional event sink at a topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig sets up the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATEPIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratepipeline")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("pipeline.base", "USD")
	v.SetDefault("pipeline.smoothing_alpha", 0.2)
	v.SetDefault("pipeline.anomaly_threshold", 0.10)
	v.SetDefault("pipeline.history_limit", 20)
	v.SetDefault("pipeline.warmup_pairs", []string{"AUD_RON", "AUD_BRL", "AUD_CAD", "AUD_CNY"})

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.sweep_interval", "10m")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.prefix", "ratepipeline")

	v.SetDefault("providers", []map[string]any{{
		"name":        "ExchangeAPI",
		"kind":        ProviderHTTP,
		"url":         "https://api.exchangerate-api.com/v4/latest/{base}",
		"rates_field": "rates",
		"timeout":     "10s",
	}})

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.max_answer_age", "26h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "0s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("broadcast.websocket.enabled", true)
	v.SetDefault("broadcast.websocket.send_buffer", 16)
	v.SetDefault("broadcast.kafka.enabled", false)
	v.SetDefault("broadcast.kafka.topic", "fx-rate-events")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// normalize upper-cases currency codes; viper lower-cases map keys.
func (c *Config) normalize() {
	c.Pipeline.Base = strings.ToUpper(strings.TrimSpace(c.Pipeline.Base))
	for i, pair := range c.Pipeline.WarmupPairs {
		c.Pipeline.WarmupPairs[i] = strings.ToUpper(strings.TrimSpace(pair))
	}
	if len(c.Ethereum.Feeds) > 0 {
		feeds := make(map[string]string, len(c.Ethereum.Feeds))
		for code, addr := range c.Ethereum.Feeds {
			feeds[strings.ToUpper(code)] = addr
		}
		c.Ethereum.Feeds = feeds
	}
	for i := range c.Providers {
		if c.Providers[i].Kind == "" {
			c.Providers[i].Kind = ProviderHTTP
		}
		if c.Providers[i].RatesField == "" {
			c.Providers[i].RatesField = "rates"
		}
		if c.Providers[i].Timeout <= 0 {
			c.Providers[i].Timeout = 10 * time.Second
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Pipeline.Base == "" {
		return fmt.Errorf("pipeline.base is required")
	}
	if c.Pipeline.SmoothingAlpha <= 0 || c.Pipeline.SmoothingAlpha > 1 {
		return fmt.Errorf("pipeline.smoothing_alpha must be in (0, 1]")
	}
	if c.Pipeline.AnomalyThreshold <= 0 {
		return fmt.Errorf("pipeline.anomaly_threshold must be greater than zero")
	}
	if c.Pipeline.HistoryLimit <= 0 {
		return fmt.Errorf("pipeline.history_limit must be greater than zero")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be greater than zero")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be greater than zero")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Kind {
		case ProviderHTTP:
			if p.URL == "" {
				return fmt.Errorf("providers[%d].url is required", i)
			}
		case ProviderChainlink:
			if c.Ethereum.RPCURL == "" {
				return fmt.Errorf("ethereum.rpc_url is required for chainlink provider %q", p.Name)
			}
			if len(c.Ethereum.Feeds) == 0 {
				return fmt.Errorf("ethereum.feeds must list at least one feed for chainlink provider %q", p.Name)
			}
		default:
			return fmt.Errorf("providers[%d].kind %q is not supported", i, p.Kind)
		}
	}
	if c.Broadcast.Kafka.Enabled {
		if len(c.Broadcast.Kafka.Brokers) == 0 {
			return fmt.Errorf("broadcast.kafka.brokers must not be empty")
		}
		if c.Broadcast.Kafka.Topic == "" {
			return fmt.Errorf("broadcast.kafka.topic is required")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
