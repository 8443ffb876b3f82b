package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/adapters/webrtc"
	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/internal/core/event"
	"github.com/ClareAI/astra-voice-client/internal/credentials"
	"github.com/ClareAI/astra-voice-client/internal/session"
	"github.com/ClareAI/astra-voice-client/pkg/keystore"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// nullSink discards decoded agent audio. Embedders replace it with the host
// platform's output device; the demo binary only exercises the session plumbing.
type nullSink struct{}

func (nullSink) WritePCM16([]int16) error { return nil }

func main() {
	// .env is optional, used for local development.
	_ = godotenv.Load()

	if _, err := logger.Init(os.Getenv("ENV")); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.LoadSessionConfig()
	if cfg.AgentID == "" || cfg.CredentialEndpoint == "" {
		logger.Base().Fatal("AGENT_ID and CREDENTIAL_ENDPOINT are required")
	}

	backend := buildKeystore()
	bus := event.NewBus()
	manager := credentials.NewManager(backend, cfg)
	orchestrator := session.NewOrchestrator(cfg, manager, bus, webrtc.NewPCMCaptureDevice(), nullSink{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Initialize(ctx); err != nil {
		logger.Base().Fatal("Failed to initialize voice session", zap.Error(err))
	}
	logger.Base().Info("Voice session running",
		zap.String("session_id", orchestrator.SessionID()),
		zap.String("conversation_id", orchestrator.ConversationID()))

	diag := startDiagnostics(cfg, orchestrator, bus)

	<-ctx.Done()
	logger.Base().Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := diag.Shutdown(shutdownCtx); err != nil {
		logger.Base().Warn("Diagnostics server shutdown failed", zap.Error(err))
	}
	orchestrator.Dispose()
	if err := bus.Close(); err != nil {
		logger.Base().Warn("Event bus close failed", zap.Error(err))
	}
}

// buildKeystore selects Redis when configured, in-memory otherwise.
func buildKeystore() keystore.Store {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		logger.Base().Info("Using in-memory credential store")
		return keystore.NewMemoryStore()
	}

	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	store, err := keystore.NewRedisStore(&keystore.RedisConfig{
		Host:     host,
		Port:     port,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err != nil {
		logger.Base().Warn("Redis unavailable, falling back to in-memory credential store", zap.Error(err))
		return keystore.NewMemoryStore()
	}
	logger.Base().Info("Using Redis credential store", zap.String("host", host))
	return store
}

func startDiagnostics(cfg *config.SessionConfig, orchestrator *session.Orchestrator, bus *event.Bus) *http.Server {
	srv := &http.Server{
		Addr:    ":" + cfg.DiagnosticsPort,
		Handler: newDiagnosticsRouter(orchestrator, bus),
	}
	go func() {
		logger.Base().Info("Diagnostics server listening", zap.String("port", cfg.DiagnosticsPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Base().Error("Diagnostics server failed", zap.Error(err))
		}
	}()
	return srv
}
