// Package main provides the entry point for the turnbridge daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/voicewire/turnbridge/config"
	"github.com/voicewire/turnbridge/dialog"
	"github.com/voicewire/turnbridge/dialog/bedrock"
	"github.com/voicewire/turnbridge/dialog/wstransport"
	"github.com/voicewire/turnbridge/directory"
	"github.com/voicewire/turnbridge/engine"
	"github.com/voicewire/turnbridge/gateway"
	"github.com/voicewire/turnbridge/history"
	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
	"github.com/voicewire/turnbridge/registry"
	"github.com/voicewire/turnbridge/screen"
	"github.com/voicewire/turnbridge/telemetry"
	"github.com/voicewire/turnbridge/tools"
	"github.com/voicewire/turnbridge/version"
	"github.com/voicewire/turnbridge/wire"
)

// shutdownTimeout bounds the whole graceful stop: draining HTTP,
// ending live sessions, and flushing exporters.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type daemonOptions struct {
	configPath  string
	showVersion bool
}

func parseFlags() daemonOptions {
	opts := daemonOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Println(version.GetVersionInfo())
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	logger.Info("starting turnbridge", version.GetBuildInfo()...)

	ctx := setupSignalHandler()

	var updateTee func(engine.Update)
	if cfg.Telemetry.Enabled {
		telemetry.SetupPropagation()
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.EndpointURL, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		otel.SetTracerProvider(tp)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(flushCtx); err != nil {
				logger.Warn("trace provider shutdown incomplete", "error", err)
			}
		}()

		listener := telemetry.NewUpdateListener(telemetry.Tracer(tp))
		defer listener.Close()
		updateTee = listener.OnUpdate
	}

	dir, cleanupDir := buildDirectory(ctx, cfg)
	defer cleanupDir()

	store, cleanupStore := buildHistory(cfg)
	defer cleanupStore()

	var emitter *tools.WebhookEmitter
	if cfg.Webhook.Configured() {
		emitter = tools.NewWebhookEmitter(tools.WebhookConfig{
			URL:           cfg.Webhook.URL,
			Secret:        cfg.Webhook.Secret,
			Timeout:       cfg.Webhook.Timeout(),
			RatePerSecond: cfg.Webhook.RatePerSecond,
			Burst:         cfg.Webhook.Burst,
		})
		logger.Info("webhook emitter configured", "url", cfg.Webhook.URL)
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, tools.Builtins{Directory: dir, Webhook: emitter}); err != nil {
		return fmt.Errorf("registering builtin tools: %w", err)
	}
	dispatcher := tools.NewDispatcher(toolReg)

	screener, err := buildScreener(cfg)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		MaxConcurrent:   cfg.Session.MaxConcurrent,
		IdleTimeout:     cfg.Session.IdleTimeout(),
		MaxDuration:     cfg.Session.MaxDuration(),
		CleanupInterval: cfg.Session.CleanupInterval(),
	})

	srv := gateway.New(gateway.Config{
		CORSOrigins:     cfg.Server.CORSOrigins,
		InputSampleRate: cfg.Audio.InputSampleRate,
	}, reg, sessionBuilder(cfg, store, dispatcher, toolReg.Specs(), screener, updateTee))

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(cfg.Metrics.Addr)
		go func() {
			logger.Info("metrics exporter listening", "addr", cfg.Metrics.Addr)
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics exporter: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(stopCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	if err := reg.Shutdown(stopCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}
	if exporter != nil {
		if err := exporter.Shutdown(stopCtx); err != nil {
			logger.Warn("metrics exporter shutdown incomplete", "error", err)
		}
	}

	logger.Info("turnbridge stopped")
	return nil
}

// buildDirectory assembles the CRM directory store: the warehouse behind
// a static fallback when configured, the static seed alone otherwise.
func buildDirectory(ctx context.Context, cfg *config.Config) (directory.Store, func()) {
	fallback := directory.NewStaticStore()
	if !cfg.Directory.Configured() {
		logger.Info("directory warehouse not configured; using static records")
		return fallback, func() {}
	}

	pool, err := pgxpool.New(ctx, cfg.Directory.ConnString())
	if err != nil {
		logger.Warn("directory warehouse pool rejected config; using static records",
			"error", err)
		return fallback, func() {}
	}

	logger.Info("directory warehouse configured",
		"host", cfg.Directory.Host,
		"database", cfg.Directory.Database)
	primary := directory.NewPGStore(pool, directory.WithQueryTimeout(cfg.Directory.QueryTimeout()))
	return directory.NewFailover(primary, fallback), pool.Close
}

// buildHistory selects the external history backend.
func buildHistory(cfg *config.Config) (history.Store, func()) {
	if cfg.History.Backend != "redis" {
		logger.Info("history backend: memory")
		return history.NewMemoryStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.History.Redis.Addr,
		Password: cfg.History.Redis.Password,
		DB:       cfg.History.Redis.DB,
	})
	opts := []history.RedisOption{history.WithPrefix(cfg.History.Redis.KeyPrefix)}
	if cfg.History.Redis.TTLSeconds > 0 {
		opts = append(opts, history.WithTTL(cfg.History.Redis.TTL()))
	}
	logger.Info("history backend: redis", "addr", cfg.History.Redis.Addr)
	return history.NewRedisStore(client, opts...), func() { _ = client.Close() }
}

// buildScreener compiles the assistant-text rules when screening is on.
func buildScreener(cfg *config.Config) (*screen.Screener, error) {
	if !cfg.Screen.Enabled {
		return nil, nil
	}
	if cfg.Screen.RulesPath != "" {
		s, err := screen.NewScreenerFromFile(cfg.Screen.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("loading screen rules: %w", err)
		}
		logger.Info("screening enabled", "rules_path", cfg.Screen.RulesPath)
		return s, nil
	}
	s, err := screen.NewScreener(screen.DefaultRules())
	if err != nil {
		return nil, fmt.Errorf("compiling screen rules: %w", err)
	}
	logger.Info("screening enabled", "rules", "builtin")
	return s, nil
}

// sessionBuilder maps one start request onto an engine configuration,
// with daemon config supplying every default the request leaves unset.
func sessionBuilder(
	cfg *config.Config,
	store history.Store,
	dispatcher *tools.Dispatcher,
	specs []wire.ToolSpec,
	screener *screen.Screener,
	updateTee func(engine.Update),
) gateway.SessionBuilder {
	return func(req gateway.SessionStartRequest) (engine.Config, error) {
		ec := engine.Config{
			OwnerID:           req.OwnerID,
			ExternalSessionID: req.ExternalSessionID,
			SystemPrompt:      cfg.SystemPrompt,
			VoiceID:           cfg.Model.VoiceID,
			Inference: wire.InferenceConfig{
				MaxTokens:   cfg.Model.MaxTokens,
				Temperature: cfg.Model.Temperature,
				TopP:        cfg.Model.TopP,
			},
			InputAudio: wire.AudioConfig{
				SampleRateHertz: cfg.Audio.InputSampleRate,
				SampleSizeBits:  cfg.Audio.BitDepth,
				ChannelCount:    cfg.Audio.Channels,
			},
			OutputAudio: wire.AudioConfig{
				SampleRateHertz: cfg.Audio.OutputSampleRate,
				SampleSizeBits:  cfg.Audio.BitDepth,
				ChannelCount:    cfg.Audio.Channels,
			},
			Transport: newTransport(cfg),
			History:   store,
			Tools:     dispatcher,
			ToolSpecs: specs,
			Screener:  screener,
			OnUpdate:  updateTee,
		}
		if req.SystemPrompt != "" {
			ec.SystemPrompt = req.SystemPrompt
		}
		if req.VoiceID != "" {
			ec.VoiceID = req.VoiceID
		}
		if req.Temperature != nil {
			ec.Inference.Temperature = *req.Temperature
		}
		if req.MaxTokens != nil {
			ec.Inference.MaxTokens = *req.MaxTokens
		}
		if req.TopP != nil {
			ec.Inference.TopP = *req.TopP
		}
		return ec, nil
	}
}

// newTransport picks the dialogue transport by endpoint scheme: a
// WebSocket relay when the endpoint is ws:// or wss://, the signed
// Bedrock bidirectional stream otherwise.
func newTransport(cfg *config.Config) dialog.Transport {
	endpoint := cfg.AWS.BedrockEndpoint()
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return wstransport.New(wstransport.Config{URL: endpoint})
	}
	return bedrock.NewStream(bedrock.Config{
		Region:      cfg.AWS.Region,
		ModelID:     cfg.Model.ModelID,
		EndpointURL: cfg.AWS.EndpointURL,
		RoleARN:     cfg.AWS.RoleARN,
	})
}
