package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Continuation ContinuationConfig `yaml:"continuation" mapstructure:"continuation"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Temporal     TemporalConfig     `yaml:"temporal" mapstructure:"temporal"`
	Google       GoogleConfig       `yaml:"google" mapstructure:"google"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini       GeminiConfig       `yaml:"gemini" mapstructure:"gemini"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Jina         JinaConfig         `yaml:"jina" mapstructure:"jina"`
	Firecrawl    FirecrawlConfig    `yaml:"firecrawl" mapstructure:"firecrawl"`
	Render       RenderConfig       `yaml:"render" mapstructure:"render"`
	Sites        SitesConfig        `yaml:"sites" mapstructure:"sites"`
	WAHA         WAHAConfig         `yaml:"waha" mapstructure:"waha"`
	Telegram     TelegramConfig     `yaml:"telegram" mapstructure:"telegram"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Reaper       ReaperConfig       `yaml:"reaper" mapstructure:"reaper"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" mapstructure:"rate_limit"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// PipelineConfig tunes stage behavior.
type PipelineConfig struct {
	DefaultMaxResults  int `yaml:"default_max_results" mapstructure:"default_max_results"`
	SearchCap          int `yaml:"search_cap" mapstructure:"search_cap"`
	ClassifyWorkers    int `yaml:"classify_workers" mapstructure:"classify_workers"`
	AnalyzeWorkers     int `yaml:"analyze_workers" mapstructure:"analyze_workers"`
	MessageWorkers     int `yaml:"message_workers" mapstructure:"message_workers"`
	SiteBatchSize      int `yaml:"site_batch_size" mapstructure:"site_batch_size"`
	GoodScore          int `yaml:"good_score" mapstructure:"good_score"`
	SendIntervalSecs   int `yaml:"send_interval_secs" mapstructure:"send_interval_secs"`
	SendReadyTimeoutMs int `yaml:"send_ready_timeout_ms" mapstructure:"send_ready_timeout_ms"`
}

// SendInterval returns the pause between outbound messages.
func (p PipelineConfig) SendInterval() time.Duration {
	return time.Duration(p.SendIntervalSecs) * time.Second
}

// SendReadyTimeout returns the bounded wait for a messaging session.
func (p PipelineConfig) SendReadyTimeout() time.Duration {
	return time.Duration(p.SendReadyTimeoutMs) * time.Millisecond
}

// ContinuationConfig selects and tunes the work-resumption channel.
type ContinuationConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"` // local, http, queue, temporal
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Secret       string `yaml:"secret" mapstructure:"secret"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts  int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelayMs []int  `yaml:"retry_delays_ms" mapstructure:"retry_delays_ms"`
	LocalWorkers int    `yaml:"local_workers" mapstructure:"local_workers"`
	LocalBuffer  int    `yaml:"local_buffer" mapstructure:"local_buffer"`
}

// QueueConfig configures the watermill continuation backend.
type QueueConfig struct {
	Backend       string   `yaml:"backend" mapstructure:"backend"` // gochannel, kafka
	TopicPrefix   string   `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	Brokers       []string `yaml:"brokers" mapstructure:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group" mapstructure:"consumer_group"`
}

// TemporalConfig configures the Temporal continuation backend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	LanguageCode string  `yaml:"language_code" mapstructure:"language_code"`
	RegionCode   string  `yaml:"region_code" mapstructure:"region_code"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Google Gemini settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// LLMConfig picks the provider for content generation.
type LLMConfig struct {
	Generator     string `yaml:"generator" mapstructure:"generator"` // anthropic, gemini
	TemplatesPath string `yaml:"templates_path" mapstructure:"templates_path"`
	Language      string `yaml:"language" mapstructure:"language"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirecrawlConfig holds Firecrawl API settings (fallback only).
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// RenderConfig configures the headless-browser fallback and direct fetches.
type RenderConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MinTextChars int    `yaml:"min_text_chars" mapstructure:"min_text_chars"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	MaxSubPages  int    `yaml:"max_sub_pages" mapstructure:"max_sub_pages"`
}

// SitesConfig configures where generated sites are published.
type SitesConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// WAHAConfig holds WhatsApp HTTP gateway settings.
type WAHAConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Key     string `yaml:"key" mapstructure:"key"`
}

// TelegramConfig configures operator notifications. Empty token disables it.
type TelegramConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	ChatID int64  `yaml:"chat_id" mapstructure:"chat_id"`
}

// RedisConfig configures the shared reaper gate. Empty addr uses an
// in-process gate.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ReaperConfig configures stale-run recovery.
type ReaperConfig struct {
	StaleAfterMins int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	MinIntervalSec int    `yaml:"min_interval_secs" mapstructure:"min_interval_secs"`
	Schedule       string `yaml:"schedule" mapstructure:"schedule"`
}

// StaleAfter returns the no-progress window after which a run is reaped.
func (r ReaperConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterMins) * time.Minute
}

// RateLimitConfig tunes the rate-limit retry wrapper.
type RateLimitConfig struct {
	MaxRetries    int   `yaml:"max_retries" mapstructure:"max_retries"`
	ScheduleSecs  []int `yaml:"schedule_secs" mapstructure:"schedule_secs"`
	MaxJitterMs   int   `yaml:"max_jitter_ms" mapstructure:"max_jitter_ms"`
	BreakerTrips  int   `yaml:"breaker_trips" mapstructure:"breaker_trips"`
	BreakerResetS int   `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
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
	v.SetDefault("store.database_url", "leadpipe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("pipeline.default_max_results", 10)
	v.SetDefault("pipeline.search_cap", 60)
	v.SetDefault("pipeline.classify_workers", 5)
	v.SetDefault("pipeline.analyze_workers", 5)
	v.SetDefault("pipeline.message_workers", 1)
	v.SetDefault("pipeline.site_batch_size", 2)
	v.SetDefault("pipeline.good_score", 8)
	v.SetDefault("pipeline.send_interval_secs", 4)
	v.SetDefault("pipeline.send_ready_timeout_ms", 15000)

	v.SetDefault("continuation.driver", "local")
	v.SetDefault("continuation.base_url", "http://localhost:8080")
	v.SetDefault("continuation.timeout_secs", 10)
	v.SetDefault("continuation.max_attempts", 3)
	v.SetDefault("continuation.retry_delays_ms", []int{2000, 5000})
	v.SetDefault("continuation.local_workers", 4)
	v.SetDefault("continuation.local_buffer", 64)

	v.SetDefault("queue.backend", "gochannel")
	v.SetDefault("queue.topic_prefix", "leadpipe.continue")
	v.SetDefault("queue.consumer_group", "leadpipe")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "leadpipe-stages")

	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("google.rate_per_sec", 5.0)
	v.SetDefault("google.language_code", "en")

	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("gemini.model", "gemini-1.5-pro")
	v.SetDefault("llm.generator", "anthropic")
	v.SetDefault("llm.language", "en")

	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")

	v.SetDefault("render.enabled", false)
	v.SetDefault("render.timeout_secs", 20)
	v.SetDefault("render.min_text_chars", 200)
	v.SetDefault("render.user_agent", "Mozilla/5.0 (compatible; leadpipe/1.0)")
	v.SetDefault("render.max_sub_pages", 3)

	v.SetDefault("sites.dir", "sites")
	v.SetDefault("sites.base_url", "http://localhost:8080/sites")

	v.SetDefault("waha.base_url", "http://localhost:3000")

	v.SetDefault("reaper.stale_after_mins", 20)
	v.SetDefault("reaper.min_interval_secs", 60)
	v.SetDefault("reaper.schedule", "*/5 * * * *")

	v.SetDefault("rate_limit.max_retries", 3)
	v.SetDefault("rate_limit.schedule_secs", []int{30, 90, 180})
	v.SetDefault("rate_limit.max_jitter_ms", 5000)
	v.SetDefault("rate_limit.breaker_trips", 5)
	v.SetDefault("rate_limit.breaker_reset_secs", 30)
}

// Validate checks the settings the given command mode needs: "serve",
// "worker", "run", or "admin". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "admin":
	case "serve", "worker", "run":
		errs = append(errs, c.validatePipeline(mode)...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePipeline(mode string) []string {
	var errs []string

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if c.Google.Key == "" {
		errs = append(errs, "google.key is required")
	}
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}

	switch c.LLM.Generator {
	case "anthropic":
	case "gemini":
		if c.Gemini.Key == "" {
			errs = append(errs, "gemini.key is required when llm.generator is gemini")
		}
	default:
		errs = append(errs, fmt.Sprintf("llm.generator %q is not supported", c.LLM.Generator))
	}

	switch c.Continuation.Driver {
	case "local":
	case "http":
		if c.Continuation.BaseURL == "" {
			errs = append(errs, "continuation.base_url is required for the http driver")
		}
	case "queue":
		if c.Queue.Backend == "kafka" && len(c.Queue.Brokers) == 0 {
			errs = append(errs, "queue.brokers is required for the kafka backend")
		}
	case "temporal":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required for the temporal driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("continuation.driver %q is not supported", c.Continuation.Driver))
	}

	p := c.Pipeline
	if p.DefaultMaxResults < 1 || p.DefaultMaxResults > 30 {
		errs = append(errs, "pipeline.default_max_results must be between 1 and 30")
	}
	if p.AnalyzeWorkers < 1 || p.AnalyzeWorkers > 20 {
		errs = append(errs, "pipeline.analyze_workers must be between 1 and 20")
	}
	if p.GoodScore < 1 || p.GoodScore > 10 {
		errs = append(errs, "pipeline.good_score must be between 1 and 10")
	}
	if c.Reaper.StaleAfterMins <= 0 {
		errs = append(errs, "reaper.stale_after_mins must be > 0")
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
