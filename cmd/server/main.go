package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/aura-relay/internal/agents"
	"github.com/yegors/aura-relay/internal/api"
	"github.com/yegors/aura-relay/internal/auth"
	"github.com/yegors/aura-relay/internal/backends"
	"github.com/yegors/aura-relay/internal/config"
	"github.com/yegors/aura-relay/internal/realtime"
	"github.com/yegors/aura-relay/internal/storage/sqlite"
	"github.com/yegors/aura-relay/internal/telemetry"
	"github.com/yegors/aura-relay/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// .env.local wins over .env; real environment variables win over both
	if err := config.LoadEnvFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading env files: %v\n", err)
		os.Exit(1)
	}

	// Load configuration with fallback logic
	cfg, usedPath, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading environment: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting AURA relay",
		logger.String("version", Version),
		logger.String("config_path", usedPath),
	)
	if cfg.Realtime.OpenAIAPIKey != "" {
		log.Info("OpenAI API key found", logger.Secret("key", cfg.Realtime.OpenAIAPIKey))
	}
	if cfg.Realtime.AzureEndpoint != "" {
		log.Info("Azure OpenAI realtime configured",
			logger.String("endpoint", cfg.Realtime.AzureEndpoint),
			logger.String("deployment", cfg.Realtime.AzureDeployment))
	}

	// Backends
	registry, err := backends.LoadRegistry(backends.LookupFunc(os.LookupEnv), backends.Options{
		Legacy: backends.LegacySettings{
			Endpoint: cfg.Agents.LegacyEndpoint,
			Name:     cfg.Agents.LegacyName,
			APIKey:   cfg.Agents.LegacyAPIKey,
		},
		DefaultID: cfg.Agents.DefaultBackendID,
	})
	if err != nil {
		log.Error("Failed to load backend registry", logger.Error(err))
		os.Exit(1)
	}
	listing := registry.List()
	log.Info("Backend registry loaded",
		logger.Int("agents", len(listing.Agents)),
		logger.Int("workflows", len(listing.Workflows)),
		logger.Int("mfas", len(listing.MFAs)),
		logger.Int("default_id", registry.DefaultID()))
	selection := backends.NewSelection(registry.DefaultID())

	// Keyless backends authenticate with managed identity
	cred, err := auth.NewCredential(cfg.Agents.ManagedIdentityClientID)
	if err != nil {
		log.Warn("Managed identity unavailable; keyless backends will fail", logger.Error(err))
	}
	authProvider := auth.NewProvider(cred, cfg.Agents.ManagedIdentityScope, log)

	router := agents.NewRouter(registry, authProvider, nil, agents.Options{
		APIVersion:           cfg.Agents.APIVersion,
		AssistantsAPIVersion: cfg.Agents.AssistantsAPIVersion,
		MFATimeout:           time.Duration(cfg.Agents.MFATimeoutMs) * time.Millisecond,
		MFARetry:             agents.NewRetryPolicy(cfg.Agents.MFARetryMaxAttempts, cfg.Agents.MFARetryBackoffMs),
		RequestTimeout:       time.Duration(cfg.Agents.RequestTimeoutSecs) * time.Second,
	}, log)

	// Telemetry
	var sink telemetry.Recorder
	switch cfg.Telemetry.Sink {
	case "sqlite":
		db, err := sqlite.Open(cfg.Telemetry.SQLitePath, log)
		if err != nil {
			log.Error("Failed to open telemetry database", logger.Error(err))
			os.Exit(1)
		}
		defer db.Close()
		store, err := sqlite.NewTelemetryStorage(db, log)
		if err != nil {
			log.Error("Failed to create telemetry storage", logger.Error(err))
			os.Exit(1)
		}
		sink = store
	case "none":
		sink = telemetry.Noop{}
	default:
		sink = telemetry.NewLogSink(log)
	}
	recorder := telemetry.NewAsync(sink, cfg.Telemetry.BufferSize)
	log.Info("Telemetry sink ready", logger.String("sink", cfg.Telemetry.Sink))

	// Realtime relay
	hub := realtime.NewHub(log)
	relay := realtime.NewRelay(realtime.Settings{
		OpenAIAPIKey:     cfg.Realtime.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.Realtime.OpenAIBaseURL,
		AzureEndpoint:    cfg.Realtime.AzureEndpoint,
		AzureAPIKey:      cfg.Realtime.AzureAPIKey,
		AzureAPIVersion:  cfg.Realtime.AzureAPIVersion,
		AzureDeployment:  cfg.Realtime.AzureDeployment,
		Candidates:       cfg.ModelCandidates(),
		HandshakeTimeout: time.Duration(cfg.Realtime.HandshakeTimeoutSecs) * time.Second,
	}, hub, recorder, log)
	log.Info("Transcription model candidates", logger.Any("candidates", cfg.ModelCandidates()))

	// Create API router
	handler := api.NewHandler(registry, selection, router, relay, hub, cfg.Agents.APIVersion, log)
	apiRouter := api.NewRouter(handler, cfg.Server.CORSAllowedOrigins, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiRouter.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Hijacked WebSocket connections are not tracked by Shutdown
	hub.CloseAll(websocket.CloseGoingAway, "server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	recorder.Close()
	log.Info("Server fully stopped")
}
