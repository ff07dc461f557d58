// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package solver assembles the CalOmr solving service.
//
// This package builds every component of the pipeline from one Config:
// cache store, embedder, LLM backend, invoker, query logger, tracing and
// metrics, and the HTTP router.
//
// # Usage
//
//	svc, err := solver.New(ctx, solver.Config{StoreBackend: "badger", BadgerPath: "./data"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(context.Background())
//	out, err := svc.Pipeline().SolveOne(ctx, question, false)
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shaniya-v/CalOmr/services/llm"
	"github.com/shaniya-v/CalOmr/services/solver/embedding"
	"github.com/shaniya-v/CalOmr/services/solver/invoker"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
	"github.com/shaniya-v/CalOmr/services/solver/pipeline"
	"github.com/shaniya-v/CalOmr/services/solver/querylog"
	"github.com/shaniya-v/CalOmr/services/solver/routes"
	"github.com/shaniya-v/CalOmr/services/solver/store"
)

// ServiceName labels traces and logs.
const ServiceName = "calomr-solver"

// =============================================================================
// Configuration
// =============================================================================

// LLMConfig selects the generation backend.
type LLMConfig struct {
	// Backend is "groq", "openai" or "ollama". Default: "groq".
	Backend string

	APIKey string

	// APIKeySecretPath is read when APIKey is empty.
	APIKeySecretPath string

	// BaseURL overrides the provider root. Required for ollama.
	BaseURL string

	Timeout time.Duration
}

// EmbeddingConfig selects the embedder.
type EmbeddingConfig struct {
	// Backend is "http", "openai", "ollama" or "none". Default: "http".
	Backend string

	URL       string
	Model     string
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

// Config holds service configuration.
//
// # Description
//
// Zero values take defaults in applyConfigDefaults. An empty OTelEndpoint
// disables trace export; an empty Influx.URL disables the InfluxDB sink.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// GinMode is "debug", "release" or "test". Default: "release".
	GinMode string

	OTelEndpoint string

	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string

	// StoreBackend is "badger" or "weaviate". Default: "badger".
	StoreBackend string

	// BadgerPath is the data directory. Empty selects an in-memory store.
	BadgerPath string

	WeaviateURL string

	LLM       LLMConfig
	Embedding EmbeddingConfig
	Solver    invoker.Config
	Pipeline  pipeline.Config
	QueryLog  querylog.Config
	Influx    querylog.InfluxConfig

	// EnableMetrics registers pipeline metrics on the default registry.
	EnableMetrics bool

	Logger *slog.Logger
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "badger"
	}
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = "groq"
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = invoker.DefaultSolverTimeout
	}
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "http"
	}
	if cfg.Embedding.Dimension <= 0 {
		cfg.Embedding.Dimension = embedding.DefaultDimension
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Service owns every long-lived handle of a running solver.
//
// # Thread Safety
//
// Safe for concurrent use after New returns. Close must be called once.
type Service struct {
	config        Config
	store         store.CacheStore
	embedder      embedding.Embedder
	recorder      *querylog.Recorder
	influx        *querylog.InfluxSink
	pipeline      *pipeline.Pipeline
	metrics       *observability.Metrics
	router        *gin.Engine
	tracerCleanup func(context.Context)
	logger        *slog.Logger
}

// New builds a Service.
//
// # Description
//
// Steps, in order: tracing, metrics, cache store, embedder, LLM backend,
// invoker, query logger, pipeline, router. A failure releases whatever was
// already opened.
//
// An embedder that cannot be built is logged and the service runs with
// exact-match caching only. Every other failure is returned.
func New(ctx context.Context, cfg Config) (*Service, error) {
	cfg = applyConfigDefaults(cfg)
	s := &Service{config: cfg, logger: cfg.Logger}

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if cfg.EnableMetrics {
		s.metrics = observability.InitMetrics()
	}

	if err := s.initStore(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("failed to initialize cache store: %w", err)
	}

	if err := s.initEmbedder(); err != nil {
		s.logger.Warn("Embedder unavailable, similarity caching disabled", "backend", cfg.Embedding.Backend, "error", err)
	}

	backend, err := s.newLLMClient()
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	solverCfg := cfg.Solver
	if solverCfg.Provider == "" {
		solverCfg.Provider = cfg.LLM.Backend
	}
	inv, err := invoker.New(backend, solverCfg, s.metrics, s.logger)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	sinks := []querylog.Sink{querylog.NewStoreSink(s.store)}
	if cfg.Influx.URL != "" {
		s.influx, err = querylog.NewInfluxSink(cfg.Influx)
		if err != nil {
			s.logger.Warn("InfluxDB sink disabled", "error", err)
		} else {
			sinks = append(sinks, s.influx)
			s.logger.Info("Query log mirrored to InfluxDB", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
		}
	}
	s.recorder = querylog.NewRecorder(cfg.QueryLog, s.metrics, s.logger, sinks...)

	s.pipeline, err = pipeline.New(pipeline.Deps{
		Store:    s.store,
		Embedder: s.embedder,
		Solver:   inv,
		Recorder: s.recorder,
		Metrics:  s.metrics,
		Logger:   s.logger,
	}, cfg.Pipeline)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	if err := s.initRouter(); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Pipeline returns the solving pipeline.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Router returns the configured Gin engine.
func (s *Service) Router() *gin.Engine { return s.router }

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting solver server", "port", s.config.Port, "store", s.config.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down solver server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close drains the query log and releases every handle.
func (s *Service) Close(ctx context.Context) {
	if s.recorder != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.recorder.Close(drainCtx); err != nil {
			s.logger.Warn("Query log not fully drained", "error", err)
		}
		cancel()
	}
	if s.influx != nil {
		s.influx.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Cache store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up OTLP export to the configured collector over an
// insecure gRPC connection.
func (s *Service) initTracer(ctx context.Context) (func(context.Context), error) {
	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

func (s *Service) initStore(ctx context.Context) error {
	dimension := s.config.Embedding.Dimension
	switch strings.ToLower(s.config.StoreBackend) {
	case "badger":
		cfg := store.InMemoryBadgerConfig()
		if s.config.BadgerPath != "" {
			cfg = store.DefaultBadgerConfig(s.config.BadgerPath)
		}
		cfg.Dimension = dimension
		cfg.Logger = s.logger
		st, err := store.OpenBadgerStore(cfg)
		if err != nil {
			return err
		}
		s.store = st
		s.logger.Info("Using Badger cache store", "path", s.config.BadgerPath, "in_memory", cfg.InMemory)
	case "weaviate":
		url := strings.Trim(s.config.WeaviateURL, "\"' ")
		st, err := store.NewWeaviateStore(ctx, store.WeaviateConfig{URL: url, Dimension: dimension, Logger: s.logger})
		if err != nil {
			return err
		}
		s.store = st
	default:
		return fmt.Errorf("unknown store backend %q", s.config.StoreBackend)
	}
	return nil
}

func (s *Service) initEmbedder() error {
	ec := s.config.Embedding
	var err error
	switch strings.ToLower(ec.Backend) {
	case "none":
		return errors.New("embeddings disabled by configuration")
	case "http":
		s.embedder, err = embedding.NewHTTPEmbedder(ec.URL, ec.Dimension, ec.Timeout)
	case "openai":
		s.embedder, err = embedding.NewOpenAIEmbedder(embedding.OpenAIEmbedderConfig{
			APIKey:    ec.APIKey,
			BaseURL:   ec.URL,
			Model:     ec.Model,
			Dimension: ec.Dimension,
		})
	case "ollama":
		s.embedder, err = embedding.NewOllamaEmbedder(ec.URL, ec.Model, ec.Dimension)
	default:
		err = fmt.Errorf("unknown embedding backend %q", ec.Backend)
	}
	if err != nil {
		s.embedder = nil
		return err
	}
	s.logger.Info("Embedder ready", "backend", ec.Backend, "dimension", s.embedder.Dimension())
	return nil
}

func (s *Service) newLLMClient() (llm.LLMClient, error) {
	lc := s.config.LLM
	switch strings.ToLower(lc.Backend) {
	case "groq":
		baseURL := lc.BaseURL
		if baseURL == "" {
			baseURL = llm.GroqBaseURL
		}
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			Provider:         "groq",
			APIKey:           lc.APIKey,
			APIKeySecretPath: lc.APIKeySecretPath,
			BaseURL:          baseURL,
			Model:            s.modelOrDefault(),
			Timeout:          lc.Timeout,
		})
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			Provider:         "openai",
			APIKey:           lc.APIKey,
			APIKeySecretPath: lc.APIKeySecretPath,
			BaseURL:          lc.BaseURL,
			Model:            s.modelOrDefault(),
			Timeout:          lc.Timeout,
		})
	case "ollama":
		return llm.NewOllamaClient(lc.BaseURL, s.modelOrDefault(), lc.Timeout)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", lc.Backend)
	}
}

func (s *Service) modelOrDefault() string {
	if m := s.config.Solver.Models.Primary; m != "" {
		return m
	}
	return invoker.DefaultPrimaryModel
}

func (s *Service) initRouter() error {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))

	if len(s.config.AllowedOrigins) > 0 {
		corsCfg := cors.Config{
			AllowOrigins: s.config.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}
		if err := corsCfg.Validate(); err != nil {
			return fmt.Errorf("invalid allowed origins: %w", err)
		}
		s.router.Use(cors.New(corsCfg))
	}

	routes.SetupRoutes(s.router, s.pipeline, s.store, s.metrics, nil)
	return nil
}
