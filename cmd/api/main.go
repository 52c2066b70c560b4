// Package main is the entry point for the session event service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/config"
	"github.com/capitalize-ai/sessionsync/internal/handler"
	"github.com/capitalize-ai/sessionsync/internal/llm"
	natsclient "github.com/capitalize-ai/sessionsync/internal/nats"
	"github.com/capitalize-ai/sessionsync/internal/responder"
	"github.com/capitalize-ai/sessionsync/internal/service"
	"github.com/capitalize-ai/sessionsync/internal/store"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
	"github.com/capitalize-ai/sessionsync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting session event service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "sessionsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Connect to Redis
	st, err := store.New(ctx, store.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	})
	if err != nil {
		log.Fatal("failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	defer st.Close()

	// Connect to NATS
	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     "sessionsync-api",
	}, log)
	cancelConnect()
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	// Ensure the agent request stream exists
	queue := natsclient.NewRequestQueue(natsClient, cfg.AgentTimeout+30*time.Second, log)
	if err := queue.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure stream", zap.Error(err))
	}

	// Initialize services
	sessionSvc := service.NewSessionService(st, log)
	eventSvc := service.NewEventService(sessionSvc, st, queue, log)

	// Start the agent worker when a provider is configured
	var workers sync.WaitGroup
	if llmClient := newLLMClient(cfg, log); llmClient != nil {
		agent := responder.New(st, llmClient, newModerator(cfg, log), responder.Config{
			Model:       cfg.AgentModel,
			MaxTokens:   cfg.AgentMaxTokens,
			Temperature: cfg.AgentTemperature,
			Timeout:     cfg.AgentTimeout,
		}, log)

		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := queue.Consume(ctx, agent.Handle); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("agent worker stopped", zap.Error(err))
			}
		}()
	} else {
		log.Warn("no LLM provider configured, agent replies disabled")
	}

	router := handler.NewRouter(handler.RouterConfig{
		Health:            handler.NewHealthHandler(st, natsClient),
		Sessions:          handler.NewSessionHandler(sessionSvc, log),
		Events:            handler.NewEventHandler(eventSvc, log),
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		SessionWriteLimit: cfg.SessionWriteLimit,
		Logger:            log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	workers.Wait()

	log.Info("server stopped")
}

// newLLMClient picks the configured provider, falling back to whichever key
// is present. It returns nil when no provider can be built.
func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	provider := llm.Provider(cfg.DefaultLLM)
	switch {
	case provider == llm.ProviderOpenAI && cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey != "":
		provider = llm.ProviderAnthropic
	case provider == llm.ProviderAnthropic && cfg.AnthropicAPIKey == "" && cfg.OpenAIAPIKey != "":
		provider = llm.ProviderOpenAI
	}

	var (
		client llm.Client
		err    error
	)
	switch provider {
	case llm.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil
		}
		client, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	case llm.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil
		}
		client, err = newOpenAI(cfg)
	default:
		log.Warn("unknown LLM provider", zap.String("provider", cfg.DefaultLLM))
		return nil
	}
	if err != nil {
		log.Warn("failed to create LLM client", zap.String("provider", string(provider)), zap.Error(err))
		return nil
	}
	log.Info("agent provider configured", zap.String("provider", client.Name()))
	return client
}

func newOpenAI(cfg *config.Config) (*llm.OpenAIClient, error) {
	if cfg.OpenAIBaseURL != "" {
		return llm.NewOpenAIClientWithBaseURL(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	return llm.NewOpenAIClient(cfg.OpenAIAPIKey)
}

// newModerator uses OpenAI moderation when a key is available.
func newModerator(cfg *config.Config, log *logger.Logger) llm.Moderator {
	if cfg.OpenAIAPIKey == "" {
		return llm.AllowAll{}
	}
	client, err := newOpenAI(cfg)
	if err != nil {
		log.Warn("failed to create moderation client, moderation disabled", zap.Error(err))
		return llm.AllowAll{}
	}
	return client
}
