// Package config loads daemon configuration from an optional YAML file
// merged with environment variable overrides.
//
// Precedence, lowest to highest: built-in defaults, YAML file, environment.
// Environment variable names match the deployment surface of the original
// service (AWS_REGION, BEDROCK_MODEL_ID, N8N_WEBHOOK_URL, REDSHIFT_HOST, ...)
// so existing .env files keep working.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the daemon.
type Config struct {
	// Env is the deployment environment: "development", "staging", "production"
	Env string `yaml:"env"`

	// LogLevel sets the global log level: trace, debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// SystemPrompt seeds every session unless the start request overrides it
	SystemPrompt string `yaml:"system_prompt"`

	Server    ServerConfig    `yaml:"server"`
	AWS       AWSConfig       `yaml:"aws"`
	Model     ModelConfig     `yaml:"model"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	History   HistoryConfig   `yaml:"history"`
	Directory DirectoryConfig `yaml:"directory"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Screen    ScreenConfig    `yaml:"screen"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP gateway listener.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AWSConfig configures the upstream Bedrock connection.
type AWSConfig struct {
	Region string `yaml:"region"`

	// RoleARN, when set, makes the credential provider assume this role
	RoleARN string `yaml:"role_arn"`

	// EndpointURL overrides the derived regional endpoint (for testing)
	EndpointURL string `yaml:"endpoint_url"`
}

// BedrockEndpoint returns the endpoint URL for the configured region,
// honoring an explicit override when present.
func (a AWSConfig) BedrockEndpoint() string {
	if a.EndpointURL != "" {
		return a.EndpointURL
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", a.Region)
}

// ModelConfig configures the speech dialogue model and its inference knobs.
type ModelConfig struct {
	ModelID     string  `yaml:"model_id"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	VoiceID     string  `yaml:"voice_id"`
}

// AudioConfig fixes the PCM formats on both directions of the stream.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	Channels         int `yaml:"channels"`
	BitDepth         int `yaml:"bit_depth"`
}

// SessionConfig bounds session lifecycle and concurrency.
type SessionConfig struct {
	IdleTimeoutSeconds     int `yaml:"idle_timeout_seconds"`
	MaxDurationSeconds     int `yaml:"max_duration_seconds"`
	MaxConcurrent          int `yaml:"max_concurrent"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// IdleTimeout returns the idle eviction threshold.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// MaxDuration returns the hard session lifetime cap.
func (s SessionConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationSeconds) * time.Second
}

// CleanupInterval returns the eviction sweep period.
func (s SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// HistoryConfig selects and configures the history store backend.
type HistoryConfig struct {
	// Backend is "memory" or "redis"
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis history backend.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// TTL returns the per-session expiry; zero means entries never expire.
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// DirectoryConfig configures the CRM warehouse connection used by the
// directory store. The warehouse speaks the Postgres wire protocol, so
// the REDSHIFT_* environment names from the original deployment map
// straight onto these fields.
type DirectoryConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Database              string `yaml:"database"`
	User                  string `yaml:"user"`
	Password              string `yaml:"password"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	QueryTimeoutSeconds   int    `yaml:"query_timeout_seconds"`
}

// Configured reports whether enough fields are set to attempt a connection.
func (d DirectoryConfig) Configured() bool {
	return d.Host != "" && d.Database != "" && d.User != ""
}

// ConnString builds a pgx-compatible connection string.
func (d DirectoryConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?connect_timeout=%d",
		d.User, d.Password, d.Host, d.Port, d.Database, d.ConnectTimeoutSeconds,
	)
}

// QueryTimeout returns the per-query deadline.
func (d DirectoryConfig) QueryTimeout() time.Duration {
	return time.Duration(d.QueryTimeoutSeconds) * time.Second
}

// WebhookConfig configures the outbound n8n event emitter.
type WebhookConfig struct {
	URL            string  `yaml:"url"`
	Secret         string  `yaml:"secret"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

// Configured reports whether a webhook URL is set.
func (w WebhookConfig) Configured() bool {
	return w.URL != ""
}

// Timeout returns the per-delivery deadline.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// ScreenConfig configures assistant-text screening.
type ScreenConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RulesPath string `yaml:"rules_path"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	EndpointURL string `yaml:"endpoint_url"`
	ServiceName string `yaml:"service_name"`
}

// DefaultSystemPrompt is used when neither config nor the start request
// provides one.
const DefaultSystemPrompt = "You are a friendly assistant. The user and you will engage in a spoken dialog " +
	"exchanging the transcripts of a natural real-time conversation. Keep your responses short, " +
	"generally two or three sentences for chatty scenarios."

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env:          "development",
		LogLevel:     "info",
		SystemPrompt: DefaultSystemPrompt,
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:8080", "http://localhost:3000"},
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Model: ModelConfig{
			ModelID:     "amazon.nova-sonic-v1:0",
			MaxTokens:   1024,
			Temperature: 0.7,
			TopP:        0.9,
			VoiceID:     "matthew",
		},
		Audio: AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			Channels:         1,
			BitDepth:         16,
		},
		Session: SessionConfig{
			IdleTimeoutSeconds:     300,
			MaxDurationSeconds:     1800,
			MaxConcurrent:          100,
			CleanupIntervalSeconds: 60,
		},
		History: HistoryConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "turnbridge",
			},
		},
		Directory: DirectoryConfig{
			Port:                  5439,
			ConnectTimeoutSeconds: 10,
			QueryTimeoutSeconds:   30,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 10,
			RatePerSecond:  5,
			Burst:          10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "turnbridge",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
// The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would break startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got: %d", c.Server.Port)
	}
	if c.AWS.Region == "" {
		return fmt.Errorf("aws region is required")
	}
	if c.Model.ModelID == "" {
		return fmt.Errorf("model id is required")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got: %d", c.Model.MaxTokens)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("temperature must be in [0, 1], got: %g", c.Model.Temperature)
	}
	if c.Model.TopP < 0 || c.Model.TopP > 1 {
		return fmt.Errorf("top_p must be in [0, 1], got: %g", c.Model.TopP)
	}
	if c.Audio.InputSampleRate <= 0 {
		return fmt.Errorf("input sample rate must be positive, got: %d", c.Audio.InputSampleRate)
	}
	if c.Audio.OutputSampleRate <= 0 {
		return fmt.Errorf("output sample rate must be positive, got: %d", c.Audio.OutputSampleRate)
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio channels must be positive, got: %d", c.Audio.Channels)
	}
	if c.Audio.BitDepth != 16 {
		return fmt.Errorf("only 16-bit audio is supported, got: %d", c.Audio.BitDepth)
	}
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent sessions must be positive, got: %d", c.Session.MaxConcurrent)
	}
	if c.Session.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("session idle timeout must be positive, got: %d", c.Session.IdleTimeoutSeconds)
	}
	if c.Session.MaxDurationSeconds <= 0 {
		return fmt.Errorf("max session duration must be positive, got: %d", c.Session.MaxDurationSeconds)
	}
	switch c.History.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("history backend must be memory or redis, got: %q", c.History.Backend)
	}
	if c.History.Backend == "redis" && c.History.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for the redis history backend")
	}
	if c.Webhook.Configured() && c.Webhook.TimeoutSeconds <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got: %d", c.Webhook.TimeoutSeconds)
	}
	return nil
}

// applyEnv overrides config fields from process environment variables.
func applyEnv(c *Config) {
	envString(&c.Env, "APP_ENV")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.SystemPrompt, "SYSTEM_PROMPT")

	envString(&c.Server.Host, "APP_HOST")
	envInt(&c.Server.Port, "APP_PORT")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.CORSOrigins = origins
	}

	envString(&c.AWS.Region, "AWS_REGION")
	envString(&c.AWS.RoleARN, "AWS_ROLE_ARN")
	envString(&c.AWS.EndpointURL, "BEDROCK_ENDPOINT_URL")

	envString(&c.Model.ModelID, "BEDROCK_MODEL_ID")
	envInt(&c.Model.MaxTokens, "MAX_TOKENS")
	envFloat(&c.Model.Temperature, "TEMPERATURE")
	envFloat(&c.Model.TopP, "TOP_P")
	envString(&c.Model.VoiceID, "VOICE_ID")

	envInt(&c.Audio.InputSampleRate, "INPUT_SAMPLE_RATE")
	envInt(&c.Audio.OutputSampleRate, "OUTPUT_SAMPLE_RATE")
	envInt(&c.Audio.Channels, "AUDIO_CHANNELS")
	envInt(&c.Audio.BitDepth, "AUDIO_BIT_DEPTH")

	envInt(&c.Session.IdleTimeoutSeconds, "SESSION_TIMEOUT")
	envInt(&c.Session.MaxDurationSeconds, "MAX_SESSION_DURATION")
	envInt(&c.Session.MaxConcurrent, "MAX_CONCURRENT_SESSIONS")
	envInt(&c.Session.CleanupIntervalSeconds, "SESSION_CLEANUP_INTERVAL")

	envString(&c.History.Backend, "HISTORY_BACKEND")
	envString(&c.History.Redis.Addr, "REDIS_ADDR")
	envString(&c.History.Redis.Password, "REDIS_PASSWORD")
	envInt(&c.History.Redis.DB, "REDIS_DB")
	envString(&c.History.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
	envInt(&c.History.Redis.TTLSeconds, "REDIS_TTL_SECONDS")

	envString(&c.Directory.Host, "REDSHIFT_HOST")
	envInt(&c.Directory.Port, "REDSHIFT_PORT")
	envString(&c.Directory.Database, "REDSHIFT_DB")
	envString(&c.Directory.User, "REDSHIFT_USER")
	envString(&c.Directory.Password, "REDSHIFT_PASSWORD")
	envInt(&c.Directory.ConnectTimeoutSeconds, "REDSHIFT_CONNECT_TIMEOUT")
	envInt(&c.Directory.QueryTimeoutSeconds, "REDSHIFT_QUERY_TIMEOUT")

	envString(&c.Webhook.URL, "N8N_WEBHOOK_URL")
	envString(&c.Webhook.Secret, "N8N_WEBHOOK_SECRET")
	envInt(&c.Webhook.TimeoutSeconds, "N8N_WEBHOOK_TIMEOUT")

	envBool(&c.Screen.Enabled, "GUARDRAILS_ENABLED")
	envString(&c.Screen.RulesPath, "GUARDRAILS_RULES_PATH")

	envBool(&c.Metrics.Enabled, "METRICS_ENABLED")
	envString(&c.Metrics.Addr, "METRICS_ADDR")

	envBool(&c.Telemetry.Enabled, "OTEL_ENABLED")
	envString(&c.Telemetry.EndpointURL, "OTEL_EXPORTER_OTLP_ENDPOINT")
	envString(&c.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
