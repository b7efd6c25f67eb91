package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "amazon.nova-sonic-v1:0", cfg.Model.ModelID)
	assert.Equal(t, 1024, cfg.Model.MaxTokens)
	assert.InDelta(t, 0.7, cfg.Model.Temperature, 1e-9)
	assert.InDelta(t, 0.9, cfg.Model.TopP, 1e-9)
	assert.Equal(t, "matthew", cfg.Model.VoiceID)

	assert.Equal(t, 16000, cfg.Audio.InputSampleRate)
	assert.Equal(t, 24000, cfg.Audio.OutputSampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, 16, cfg.Audio.BitDepth)

	assert.Equal(t, 300, cfg.Session.IdleTimeoutSeconds)
	assert.Equal(t, 1800, cfg.Session.MaxDurationSeconds)
	assert.Equal(t, 100, cfg.Session.MaxConcurrent)
	assert.Equal(t, 60, cfg.Session.CleanupIntervalSeconds)

	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, "memory", cfg.History.Backend)
	assert.Equal(t, 10, cfg.Webhook.TimeoutSeconds)
	assert.Equal(t, 5439, cfg.Directory.Port)
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "amazon.nova-sonic-v1:0", cfg.Model.ModelID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	content := `
env: production
model:
  model_id: amazon.nova-sonic-v1:0
  max_tokens: 2048
  voice_id: tiffany
session:
  max_concurrent: 10
history:
  backend: redis
  redis:
    addr: redis.internal:6379
    key_prefix: voice
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 2048, cfg.Model.MaxTokens)
	assert.Equal(t, "tiffany", cfg.Model.VoiceID)
	assert.Equal(t, 10, cfg.Session.MaxConcurrent)
	assert.Equal(t, "redis", cfg.History.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.History.Redis.Addr)
	assert.Equal(t, "voice", cfg.History.Redis.KeyPrefix)

	// Untouched fields keep their defaults
	assert.InDelta(t, 0.7, cfg.Model.Temperature, 1e-9)
	assert.Equal(t, 16000, cfg.Audio.InputSampleRate)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	content := `
model:
  max_tokens: 2048
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("MAX_TOKENS", "512")
	t.Setenv("VOICE_ID", "amy")
	t.Setenv("N8N_WEBHOOK_URL", "https://n8n.example.com/webhook/veeva")
	t.Setenv("MAX_CONCURRENT_SESSIONS", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Model.MaxTokens)
	assert.Equal(t, "amy", cfg.Model.VoiceID)
	assert.Equal(t, "https://n8n.example.com/webhook/veeva", cfg.Webhook.URL)
	assert.True(t, cfg.Webhook.Configured())
	assert.Equal(t, 25, cfg.Session.MaxConcurrent)
}

func TestLoad_CORSOriginsFromEnv(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server port",
		},
		{
			name:    "missing region",
			mutate:  func(c *Config) { c.AWS.Region = "" },
			wantErr: "aws region",
		},
		{
			name:    "missing model id",
			mutate:  func(c *Config) { c.Model.ModelID = "" },
			wantErr: "model id",
		},
		{
			name:    "zero max tokens",
			mutate:  func(c *Config) { c.Model.MaxTokens = 0 },
			wantErr: "max tokens",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Model.Temperature = 1.5 },
			wantErr: "temperature",
		},
		{
			name:    "top_p out of range",
			mutate:  func(c *Config) { c.Model.TopP = -0.1 },
			wantErr: "top_p",
		},
		{
			name:    "bad bit depth",
			mutate:  func(c *Config) { c.Audio.BitDepth = 24 },
			wantErr: "16-bit",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Session.MaxConcurrent = 0 },
			wantErr: "max concurrent",
		},
		{
			name:    "unknown history backend",
			mutate:  func(c *Config) { c.History.Backend = "dynamo" },
			wantErr: "history backend",
		},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.History.Backend = "redis"
				c.History.Redis.Addr = ""
			},
			wantErr: "redis address",
		},
		{
			name: "webhook with zero timeout",
			mutate: func(c *Config) {
				c.Webhook.URL = "https://n8n.example.com/webhook"
				c.Webhook.TimeoutSeconds = 0
			},
			wantErr: "webhook timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAWSConfig_BedrockEndpoint(t *testing.T) {
	cfg := AWSConfig{Region: "us-east-1"}
	assert.Equal(t, "https://bedrock-runtime.us-east-1.amazonaws.com", cfg.BedrockEndpoint())

	cfg.Region = "eu-west-1"
	assert.Equal(t, "https://bedrock-runtime.eu-west-1.amazonaws.com", cfg.BedrockEndpoint())

	cfg.EndpointURL = "http://localhost:8443"
	assert.Equal(t, "http://localhost:8443", cfg.BedrockEndpoint())
}

func TestServerConfig_Addr(t *testing.T) {
	cfg := ServerConfig{Host: "0.0.0.0", Port: 8000}
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
}

func TestSessionConfig_Durations(t *testing.T) {
	cfg := SessionConfig{
		IdleTimeoutSeconds:     300,
		MaxDurationSeconds:     1800,
		CleanupIntervalSeconds: 60,
	}

	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, 30*time.Minute, cfg.MaxDuration())
	assert.Equal(t, time.Minute, cfg.CleanupInterval())
}

func TestDirectoryConfig(t *testing.T) {
	cfg := DirectoryConfig{}
	assert.False(t, cfg.Configured())

	cfg = DirectoryConfig{
		Host:                  "warehouse.internal",
		Port:                  5439,
		Database:              "crm",
		User:                  "svc_voice",
		Password:              "pw",
		ConnectTimeoutSeconds: 10,
	}
	assert.True(t, cfg.Configured())
	assert.Equal(t,
		"postgres://svc_voice:pw@warehouse.internal:5439/crm?connect_timeout=10",
		cfg.ConnString())
}
