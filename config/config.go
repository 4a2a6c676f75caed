package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the newsdesk pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Channels  []ChannelConfig `mapstructure:"channels"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the model provider configuration.
type LLMConfig struct {
	Type        string        `mapstructure:"type"` // openai-compatible endpoints
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Type) == "" {
		return fmt.Errorf("llm.type is required")
	}
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// PipelineConfig groups the per-stage knobs of the synthesis pipeline.
type PipelineConfig struct {
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Synthesis   SynthesisConfig   `mapstructure:"synthesis"`
	Attribution AttributionConfig `mapstructure:"attribution"`
	Rollup      RollupConfig      `mapstructure:"rollup"`
}

// IngestConfig controls the relevance classification stage.
type IngestConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"`
}

// Normalize applies defaults for unset ingest values.
func (c IngestConfig) Normalize() IngestConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	return c
}

// SynthesisConfig controls report generation.
type SynthesisConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	Backoff            time.Duration `mapstructure:"backoff"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxContextTokens   int           `mapstructure:"max_context_tokens"`
	TokensPerChar      float64       `mapstructure:"tokens_per_char"`
	OverheadTokens     int           `mapstructure:"overhead_tokens"`
	OutputBufferTokens int           `mapstructure:"output_buffer_tokens"`
	PreviousReports    int           `mapstructure:"previous_reports"`
	HistoryLimit       int           `mapstructure:"history_limit"`
	ReportTTL          time.Duration `mapstructure:"report_ttl"`
}

// Normalize applies defaults for unset synthesis values.
func (c SynthesisConfig) Normalize() SynthesisConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 16000
	}
	if c.TokensPerChar <= 0 {
		c.TokensPerChar = 0.25
	}
	if c.OverheadTokens <= 0 {
		c.OverheadTokens = 500
	}
	if c.OutputBufferTokens <= 0 {
		c.OutputBufferTokens = 1500
	}
	if c.PreviousReports <= 0 {
		c.PreviousReports = 3
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.ReportTTL <= 0 {
		c.ReportTTL = 24 * time.Hour
	}
	return c
}

// AttributionConfig controls span generation and batch pre-generation.
type AttributionConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Timeout     time.Duration `mapstructure:"timeout"`
	TTL         time.Duration `mapstructure:"ttl"`
	Concurrency int           `mapstructure:"concurrency"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"`
}

// Normalize applies defaults for unset attribution values.
func (c AttributionConfig) Normalize() AttributionConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	return c
}

// RollupConfig controls executive summary generation.
type RollupConfig struct {
	Window         time.Duration `mapstructure:"window"`
	PriorSummaries int           `mapstructure:"prior_summaries"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset rollup values.
func (c RollupConfig) Normalize() RollupConfig {
	if c.Window <= 0 {
		c.Window = 6 * time.Hour
	}
	if c.PriorSummaries <= 0 {
		c.PriorSummaries = 3
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	return c
}

// ChannelConfig declares one upstream chat channel synthesized by the pipeline.
type ChannelConfig struct {
	Key           string `mapstructure:"key"`
	City          string `mapstructure:"city"`
	CronSpec      string `mapstructure:"cron_spec"`
	WindowMinutes int    `mapstructure:"window_minutes"`
}

func (c ChannelConfig) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("channels[].key required")
	}
	if strings.TrimSpace(c.CronSpec) == "" {
		return fmt.Errorf("channels[%s].cron_spec required", c.Key)
	}
	return nil
}

// Normalize applies defaults for unset channel values.
func (c ChannelConfig) Normalize() ChannelConfig {
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = 60
	}
	return c
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.type", "openai")
	viper.SetDefault("llm.temperature", 0.4)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.timeout", "90s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("NEWSDESK")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (NEWSDESK_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Pipeline.Ingest = config.Pipeline.Ingest.Normalize()
	config.Pipeline.Synthesis = config.Pipeline.Synthesis.Normalize()
	config.Pipeline.Attribution = config.Pipeline.Attribution.Normalize()
	config.Pipeline.Rollup = config.Pipeline.Rollup.Normalize()
	for i := range config.Channels {
		config.Channels[i] = config.Channels[i].Normalize()
	}

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	for _, ch := range config.Channels {
		if err := ch.Validate(); err != nil {
			panic(err)
		}
	}
	return &config
}
