package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"parley/internal/adapter/gateway"
	"parley/internal/adapter/pubsub"
	"parley/internal/adapter/store"
	"parley/internal/adapter/tool"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/logger"
	"parley/internal/infra/metrics"
	"parley/internal/infra/middleware"
	"parley/internal/security"
	"parley/internal/usecase/actor"
	"parley/internal/usecase/eventbus"
	"parley/internal/usecase/iteration"
	"parley/internal/usecase/topic"
)

// RuntimeComponents holds everything started by initRuntime.
type RuntimeComponents struct {
	Store     store.Store
	Transport domain.Transport
	Bus       *topic.Bus
	Catalog   *tool.Catalog
	Engine    *iteration.Engine
	Registry  *actor.Registry
	Janitor   *actor.Janitor
	Gateway   *gateway.Server // nil when the ops server is disabled
}

// initRuntime wires store, transport, topic bus, tools, engine and the actor
// registry. The returned cleanup stops them in reverse order.
func initRuntime(ctx context.Context, cfg *config.Config, llmComp *LLMComponents, log *slog.Logger) (*RuntimeComponents, func(context.Context) error, error) {
	var closers []func(context.Context) error
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*RuntimeComponents, func(context.Context) error, error) {
		_ = cleanup(context.Background())
		return nil, nil, err
	}

	rt := &RuntimeComponents{}

	// 1. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// 2. Store
	if cfg.Store.Driver == "sqlite" || cfg.Store.Driver == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return fail(fmt.Errorf("store dir: %w", err))
		}
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fail(fmt.Errorf("store: %w", err))
	}
	rt.Store = st
	closers = append(closers, func(context.Context) error { return st.Close() })

	// 3. Transport and topic bus
	transport, err := openTransport(ctx, cfg.Bus, log)
	if err != nil {
		return fail(fmt.Errorf("transport: %w", err))
	}
	rt.Transport = transport
	closers = append(closers, func(context.Context) error { return transport.Close() })
	rt.Bus = topic.NewBus(transport, st, m, logger.Component(log, "topic"))

	// 4. Tools
	rt.Catalog = tool.NewCatalog(logger.Component(log, "tools"))
	if err := rt.Catalog.Register(tool.NewMessageTool(rt.Bus, log)); err != nil {
		return fail(fmt.Errorf("message tool: %w", err))
	}
	if len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools, logger.Component(log, "mcp"))
		if err != nil {
			return fail(fmt.Errorf("mcp: %w", err))
		}
		closers = append(closers, func(context.Context) error { bridge.Close(); return nil })
		if err := rt.Catalog.RegisterAll(bridge.Tools()...); err != nil {
			return fail(fmt.Errorf("mcp tools: %w", err))
		}
	}
	var invoker domain.ToolInvoker = tool.NewRateLimitedInvoker(rt.Catalog, cfg.Tools.RateLimitPerMinute, cfg.Tools.RateLimitBurst)
	if cfg.Tools.AuditLog != "" {
		audit, err := openAudit(ctx, cfg.Tools, log)
		if err != nil {
			return fail(fmt.Errorf("audit log: %w", err))
		}
		closers = append(closers, func(context.Context) error { return audit.Close() })
		invoker = tool.NewAuditedInvoker(invoker, audit, logger.Component(log, "audit"))
	}

	// 5. Engine
	rt.Engine = iteration.NewEngine(iteration.Deps{
		Repo:          st,
		Decider:       llmComp.Decider,
		Tools:         rt.Catalog,
		Invoker:       invoker,
		Extractor:     llmComp.Extractor,
		Counter:       iteration.NewTiktokenCounter(iteration.DefaultEncoding, log),
		Metrics:       m,
		Logger:        logger.Component(log, "iteration"),
		MaxIterations: cfg.Actor.DefaultMaxIterations,
		HistoryLimit:  cfg.Actor.HistoryLimit,
		TokenBudget:   cfg.Actor.ContextTokenBudget,
	})

	// 6. Actor registry and janitor
	rt.Registry = actor.NewRegistry(actor.Deps{
		Transport: transport,
		Repo:      st,
		Runner:    rt.Engine,
		Bus:       rt.Bus,
		Options: actor.Options{
			PollInterval:    cfg.Actor.PollInterval,
			MailboxCapacity: cfg.Actor.MailboxCapacity,
			Overflow:        actor.OverflowPolicy(cfg.Actor.OverflowPolicy),
		},
		Metrics: m,
		Logger:  logger.Component(log, "actor"),
	})
	closers = append(closers, rt.Registry.Close)

	rt.Janitor = actor.NewJanitor(rt.Registry, cfg.Actor.IdleTTL, cfg.Actor.JanitorInterval, log)
	if err := rt.Janitor.Start(); err != nil {
		return fail(err)
	}
	closers = append(closers, func(context.Context) error { rt.Janitor.Stop(); return nil })

	// 7. Ops server
	if cfg.Metrics.Enabled {
		rt.Gateway = gateway.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, rt.Registry, reg, logger.Component(log, "gateway"))
		rt.Gateway.Use(middleware.SecurityHeaders)
		if cfg.Metrics.RateLimitPerMinute > 0 {
			rt.Gateway.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
				RequestsPerMin: cfg.Metrics.RateLimitPerMinute,
				Burst:          cfg.Metrics.RateLimitBurst,
				TrustedProxies: cfg.Metrics.TrustedProxies,
			}))
		}
		closers = append(closers, rt.Gateway.Stop)
	}

	return rt, cleanup, nil
}

// openTransport returns the configured pub/sub substrate.
func openTransport(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (domain.Transport, error) {
	switch cfg.Transport {
	case "memory", "":
		return eventbus.New(logger.Component(log, "eventbus")), nil
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := pubsub.Dial(dialCtx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return pubsub.NewTransport(client, logger.Component(log, "pubsub")), nil
	default:
		return nil, fmt.Errorf("unsupported bus transport: %s", cfg.Transport)
	}
}

// openAudit opens the tool audit trail and trims it to the retention policy.
func openAudit(ctx context.Context, cfg config.ToolsConfig, log *slog.Logger) (*security.FileAuditLogger, error) {
	maxSize, err := security.ParseSize(cfg.AuditMaxSize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AuditLog), 0o700); err != nil {
		return nil, err
	}
	audit, err := security.NewFileAuditLogger(cfg.AuditLog, security.RetentionPolicy{
		MaxAge:  cfg.AuditMaxAge,
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	removed, err := audit.EnforceRetention(ctx)
	if err != nil {
		log.Warn("audit retention failed", "path", cfg.AuditLog, "error", err)
	} else if removed > 0 {
		log.Info("audit log trimmed", "path", cfg.AuditLog, "removed", removed)
	}
	return audit, nil
}

// seed upserts the configured agents and topics, applies tool allowlists
// and activates every agent participant on its topics.
func seed(ctx context.Context, cfg *config.Config, rt *RuntimeComponents, log *slog.Logger) error {
	for _, a := range cfg.Agents {
		if err := rt.Store.UpsertAgent(ctx, a); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
		rt.Catalog.Allow(a.ID, a.Tools)
	}

	now := time.Now()
	for _, ts := range cfg.Topics {
		t := domain.Topic{
			ID:          ts.ID,
			Title:       ts.Title,
			SessionType: ts.SessionType,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := rt.Store.UpsertTopic(ctx, t); err != nil {
			return fmt.Errorf("topic %s: %w", ts.ID, err)
		}
		for _, p := range ts.Participants {
			if err := rt.Store.AddParticipant(ctx, domain.Participant{
				TopicID:  ts.ID,
				ID:       p.ID,
				Type:     p.Type,
				JoinedAt: now,
			}); err != nil {
				return fmt.Errorf("topic %s participant %s: %w", ts.ID, p.ID, err)
			}
			if p.Type != domain.SenderAgent {
				continue
			}
			if _, err := rt.Registry.ActivateAgent(ctx, p.ID, ts.ID); err != nil {
				return fmt.Errorf("activate %s on %s: %w", p.ID, ts.ID, err)
			}
		}
	}
	log.Info("seeded", "agents", len(cfg.Agents), "topics", len(cfg.Topics), "actors", len(rt.Registry.Status()))
	return nil
}
