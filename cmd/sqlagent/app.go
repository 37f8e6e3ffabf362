package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kalambet/sqlagent/internal/agent"
	"github.com/kalambet/sqlagent/internal/config"
	"github.com/kalambet/sqlagent/internal/engine"
	"github.com/kalambet/sqlagent/internal/retrieval"
	"github.com/kalambet/sqlagent/internal/storage"
	"github.com/kalambet/sqlagent/internal/tools"
)

// app holds everything a command needs to run the agent locally.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	engine   engine.Engine
	catalog  *tools.Catalog
	embedder *retrieval.Embedder
	index    *retrieval.Index
	registry *prometheus.Registry
	metrics  *agent.Metrics

	shutdownTracing func(context.Context) error
}

type appOptions struct {
	// connectTools dials the MCP tool server. A missing server
	// configuration is logged, not fatal.
	connectTools bool
}

func newLogger(level string, w io.Writer) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// setupTracing installs a tracer provider that prints spans to w.
func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if cfg.Telemetry.TraceStdout {
		// stdout may carry MCP stdio traffic, so spans go to stderr.
		if a.shutdownTracing, err = setupTracing(os.Stderr); err != nil {
			return nil, err
		}
	}

	a.engine, err = engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, a.engine, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = storage.Open(cfg.DBPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.index = retrieval.NewIndex(a.store.DB())
	if cfg.Ollama.EmbedModel != "" {
		a.embedder = retrieval.NewEmbedder(a.engine, cfg.Ollama.EmbedModel)
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = agent.NewMetrics(a.registry)

	if opts.connectTools {
		a.catalog, err = tools.Connect(ctx, tools.Config{
			Command:       cfg.MCP.Command,
			Args:          cfg.MCP.Args,
			URL:           cfg.MCP.URL,
			ClientName:    "sqlagent",
			ClientVersion: version,
		}, logger)
		switch {
		case errors.Is(err, tools.ErrNotConfigured):
			logger.Warn("no MCP tool server configured; set mcp.command or mcp.url")
		case err != nil:
			a.Close()
			return nil, fmt.Errorf("connecting to tool server: %w", err)
		default:
			srv := a.catalog.Server()
			logger.Info("connected to tool server", "name", srv.Name, "version", srv.Version)
		}
	}
	return a, nil
}

// Run executes one goal with a fresh chat session.
func (a *app) Run(ctx context.Context, g agent.Goal) (agent.Result, error) {
	deps := agent.Deps{
		Chat:    engine.NewChatSession(a.engine, a.cfg.Ollama.ChatModel),
		Store:   a.store,
		Index:   a.index,
		Logger:  a.logger,
		Metrics: a.metrics,
	}
	if a.catalog != nil {
		deps.Tools = a.catalog
	}
	if a.embedder != nil {
		deps.Embedder = a.embedder
	}
	r := agent.New(deps, agent.Config{
		MaxIterations:   a.cfg.Agent.MaxIterations,
		HistoryCapacity: a.cfg.Agent.HistoryCapacity,
		ExtractionSlice: a.cfg.Agent.ExtractionSlice,
		MaxContextSize:  a.cfg.Agent.MaxContextSize,
		ErrorMarkers:    a.cfg.Agent.ErrorMarkers,
	})
	return r.Run(ctx, g)
}

// retriever returns nil when no embedding model is configured.
func (a *app) retriever() *retrieval.Retriever {
	if a.embedder == nil {
		return nil
	}
	return retrieval.NewRetriever(a.embedder, a.index)
}

func (a *app) Close() {
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.logger.Warn("closing tool server session", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("flushing traces", "error", err)
		}
	}
}
