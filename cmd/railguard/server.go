package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/railguard/railguard/api/handlers"
	"github.com/railguard/railguard/config"
	"github.com/railguard/railguard/guard"
	"github.com/railguard/railguard/internal/metrics"
	"github.com/railguard/railguard/internal/server"
	"github.com/railguard/railguard/internal/telemetry"
	"github.com/railguard/railguard/llm"
)

// Server wires configuration, the guard engine, HTTP handlers, and the
// lifecycle manager into one runnable unit.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	engine       *guard.Engine
	verdictCache *guard.VerdictCache
	collector    *metrics.Collector
	otel         *telemetry.Providers

	httpManager *server.Manager

	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler
	wsHandler     *handlers.WSHandler

	rateLimiterCancel context.CancelFunc
}

// NewServer builds the full service graph from configuration. The guard
// engine is constructed here; its queue workers start in Start.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, otel: otel}

	if cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	provider := newProvider(cfg.LLM, logger)

	engineOpts := []guard.Option{}
	if s.collector != nil {
		engineOpts = append(engineOpts, guard.WithMetrics(s.collector))
	}
	if cfg.Cache.Enabled {
		cache, err := guard.NewVerdictCache(cfg.Cache.Redis, logger)
		if err != nil {
			logger.Warn("verdict cache unavailable, rails run uncached", zap.Error(err))
		} else {
			s.verdictCache = cache
			engineOpts = append(engineOpts, guard.WithCache(cache))
		}
	}

	s.engine = guard.New(provider, cfg.Guard, logger, engineOpts...)

	s.healthHandler = handlers.NewHealthHandler(s.engine, Version, logger)
	s.chatHandler = handlers.NewChatHandler(s.engine, logger)
	s.wsHandler = handlers.NewWSHandler(s.engine, logger)

	if s.verdictCache != nil {
		s.healthHandler.RegisterCheck(redisCheck{s.verdictCache})
	}

	return s, nil
}

// newProvider selects the LLM backend. Everything currently speaks the
// OpenAI wire format, so unknown provider names fall through to the
// compatible adapter with the name kept for logs.
func newProvider(cfg config.LLMConfig, logger *zap.Logger) llm.Provider {
	return llm.NewOpenAIProvider(llm.OpenAIConfig{
		Name:         cfg.Provider,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.Model,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
	}, logger)
}

// redisCheck adapts the verdict cache to the readiness check interface.
type redisCheck struct {
	cache *guard.VerdictCache
}

func (c redisCheck) Name() string                    { return "redis" }
func (c redisCheck) Check(ctx context.Context) error { return c.cache.Ping(ctx) }

// Start launches queue workers and the HTTP listener. It does not block.
func (s *Server) Start() error {
	s.engine.Start()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/chat/stream", s.wsHandler.HandleStream)

	skipAuthPaths := []string{"/healthz", "/readyz", "/version", "/metrics"}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	}
	if s.collector != nil {
		middlewares = append(middlewares, MetricsMiddleware(s.collector))
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimit.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		middlewares = append(middlewares,
			RateLimiter(ctx, s.cfg.Server.RateLimit.RPS, s.cfg.Server.RateLimit.Burst, s.logger))
	}
	if s.cfg.Server.Auth.Enabled {
		middlewares = append(middlewares,
			JWTAuth(s.cfg.Server.Auth.JWTSecret, skipAuthPaths, s.logger))
	}

	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	handlers.WriteSuccess(w, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// WaitForShutdown blocks until a termination signal or server error, then
// tears down in dependency order: listener first, then queue drain, then
// cache and telemetry.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if err := s.engine.Close(); err != nil {
		s.logger.Warn("engine shutdown failed", zap.Error(err))
	}
	if s.verdictCache != nil {
		if err := s.verdictCache.Close(); err != nil {
			s.logger.Warn("verdict cache close failed", zap.Error(err))
		}
	}
	if s.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
