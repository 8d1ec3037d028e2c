package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomstack/loom/agent"
	"github.com/loomstack/loom/config"
	"github.com/loomstack/loom/internal/cache"
	"github.com/loomstack/loom/internal/database"
	"github.com/loomstack/loom/internal/metrics"
	"github.com/loomstack/loom/internal/pool"
	"github.com/loomstack/loom/internal/server"
	"github.com/loomstack/loom/internal/telemetry"
	"github.com/loomstack/loom/internal/tlsutil"
	"github.com/loomstack/loom/llm"
	"github.com/loomstack/loom/retrieval"
	"github.com/loomstack/loom/store"
	"github.com/loomstack/loom/tool"
	"github.com/loomstack/loom/workflow"
)

// Server owns every long-lived component and their shutdown order.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *store.Store
	dbPool     *database.PoolManager
	cacheMgr   *cache.Manager
	collector  *metrics.Collector
	otel       *telemetry.Providers
	provider   llm.Provider
	tools      *tool.Registry
	agentTools []tool.Tool
	engine     *workflow.Engine
	tasks      *pool.WorkerPool

	httpManager *server.Manager
}

// NewServer wires all components from the loaded configuration. The HTTP
// listener is not opened until Start.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
	}
	s.otel = otelProviders

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = st

	s.dbPool, err = database.NewPoolManager(st.DB(), database.PoolConfig{
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
		HealthCheckInterval: 0,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configure database pool: %w", err)
	}

	s.collector = metrics.NewCollector("loom", logger)

	if cfg.Redis.Addr != "" {
		cm, err := cache.NewManager(cache.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DefaultTTL:   cfg.Redis.DefaultTTL,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, caching and task stop disabled", zap.Error(err))
		} else {
			s.cacheMgr = cm
			s.store.Workflows = s.store.Workflows.WithCache(cm, s.collector)
		}
	}

	if cfg.LLM.APIKey != "" {
		base := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Timeout: cfg.LLM.Timeout,
		}, logger)
		s.provider = llm.NewRateLimitedProvider(base, cfg.LLM.RateLimitRPS, cfg.LLM.RateLimitBurst, logger)
		logger.Info("llm provider initialized", zap.String("provider", base.Name()))
	} else {
		logger.Info("llm api key not configured, model-backed nodes and agent chat disabled")
	}

	s.tools = tool.NewRegistry()
	for _, tc := range cfg.Agent.Tools {
		api := tool.NewAPITool(tool.APIToolConfig{
			Name:        tc.Name,
			Description: tc.Description,
			Method:      tc.Method,
			Endpoint:    tc.Endpoint,
			Headers:     tc.Headers,
			Timeout:     tc.Timeout,
		}, logger)
		if err := s.tools.RegisterAPITool("custom", api); err != nil {
			return nil, fmt.Errorf("register agent tool %q: %w", tc.Name, err)
		}
		s.agentTools = append(s.agentTools, api)
	}
	s.tools.Seal()

	s.engine = workflow.NewEngine(workflow.Options{
		Models:      s.resolveModel,
		Tools:       s.tools,
		Retrievers:  s.buildRetriever,
		Loader:      s.store.Workflows,
		CodeTimeout: cfg.Engine.CodeTimeout,
		HTTPClient:  tlsutil.SecureHTTPClient(cfg.Engine.HTTPTimeout),
		Metrics:     s.collector,
		Logger:      logger,
	})

	s.tasks = pool.NewWorkerPool(pool.WorkerPoolConfig{
		MaxWorkers: cfg.Server.MaxConcurrentTasks,
		QueueSize:  cfg.Server.MaxConcurrentTasks * 2,
		IdleTimeout: pool.DefaultWorkerPoolConfig().IdleTimeout,
		PanicHandler: func(v any) {
			logger.Error("task panic recovered", zap.Any("panic", v))
		},
	})

	return s, nil
}

// reviewConfig maps the configured moderation rules into run form. No
// keywords means no moderation.
func (s *Server) reviewConfig() *agent.ReviewConfig {
	rc := s.cfg.Agent.Review
	if len(rc.Keywords) == 0 {
		return nil
	}
	return &agent.ReviewConfig{
		Keywords: rc.Keywords,
		Inputs:   agent.ReviewInputs{Enabled: rc.InputsEnabled, PresetResponse: rc.PresetResponse},
		Outputs:  agent.ReviewOutputs{Enabled: rc.OutputsEnabled},
	}
}

// resolveModel binds a node's model config to the configured provider.
func (s *Server) resolveModel(mc workflow.ModelConfig) (llm.Provider, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("no llm provider configured")
	}
	return s.provider, nil
}

// buildRetriever is the knowledge-base integration point. Retrieval nodes
// are accepted at validation time and fail at compile time until a dataset
// backend is registered.
func (s *Server) buildRetriever(rc retrieval.Config) (retrieval.Retriever, error) {
	return nil, fmt.Errorf("no retriever backend configured for datasets %v", rc.DatasetIDs)
}

// Start opens the HTTP listener.
func (s *Server) Start() error {
	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if s.cfg.Server.TLSCertFile != "" {
		return s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	}
	return s.httpManager.Start()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/v1/workflows", s.handleSaveDraft)
	mux.HandleFunc("GET /api/v1/workflows/{id}/draft", s.handleGetDraft)
	mux.HandleFunc("POST /api/v1/workflows/{id}/publish", s.handlePublish)
	mux.HandleFunc("POST /api/v1/workflows/{id}/run", s.handleRunWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/run/stream", s.handleRunWorkflowStream)

	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat/{task_id}/stop", s.handleStopChat)

	return mux
}

// WaitForShutdown blocks until a signal or server error, then tears the
// components down in reverse dependency order.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

func (s *Server) Shutdown() {
	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
	}
	if s.tasks != nil {
		s.tasks.Close()
	}
	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
