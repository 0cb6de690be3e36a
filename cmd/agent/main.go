package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cadence-ai/internal/adapter/llm"
	"cadence-ai/internal/adapter/store"
	"cadence-ai/internal/adapter/tool"
	"cadence-ai/internal/infra/config"
	"cadence-ai/internal/infra/logger"
	"cadence-ai/internal/infra/tracer"
	"cadence-ai/internal/security"
	"cadence-ai/internal/usecase"
	"cadence-ai/internal/usecase/eventbus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	sessionID := flag.String("session", "", "resume an existing session by ID")
	flag.Parse()

	if err := run(*configPath, *sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLogger()
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	orch, manager, bus, cleanup, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()
	defer bus.Close()

	sess, err := openSession(ctx, manager, sessionID, cfg.Agent.PromptMode)
	if err != nil {
		return err
	}

	log.Info("session ready", "session_id", sess.ID, "mode", sess.PromptMode)
	return repl(ctx, orch, manager, sess, log)
}

// buildEngine wires the provider chain, tools, and orchestrator from config.
func buildEngine(cfg *config.Config, log *slog.Logger) (*usecase.Orchestrator, *usecase.SessionManager, *eventbus.Bus, func(), error) {
	provider := llm.NewRateLimitedProvider(
		llm.NewCircuitBreakerProvider(
			llm.NewProvider(cfg.LLM, log),
			llm.CircuitBreakerConfig{
				MaxFailures: cfg.LLM.CBMaxFailures,
				Timeout:     cfg.LLM.CBTimeout,
				Interval:    cfg.LLM.CBInterval,
			},
			log,
		),
		cfg.LLM.RatePerSecond, cfg.LLM.RateBurst,
	)

	sandbox, err := security.NewSandbox(cfg.Tools.SandboxRoot)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init sandbox: %w", err)
	}
	registry := tool.NewRegistry(log)
	if err := registry.Register(tool.NewReadFileTool(sandbox, cfg.Tools.MaxFileBytes, log)); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := registry.Register(tool.NewListDirTool(sandbox, log)); err != nil {
		return nil, nil, nil, nil, err
	}

	counter := buildCounter(cfg.Tokens, log)

	compressor := usecase.NewCompressor(provider, counter, usecase.CompressorConfig{
		Enabled:       cfg.Compression.Enabled,
		TriggerTokens: cfg.Compression.TriggerTokens,
		TailFraction:  cfg.Compression.TailFraction,
		MinHeadTurns:  cfg.Compression.MinHeadTurns,
	}, log)

	policy := usecase.NewInjectionPolicy(usecase.PolicyConfig{
		Enabled:               cfg.Injection.Enabled,
		MinTurnsBetween:       cfg.Injection.MinTurnsBetween,
		MaxTurnsWithout:       cfg.Injection.MaxTurnsWithout,
		ConsecutiveModelTurns: cfg.Injection.ConsecutiveModelTurns,
		ComplexityThreshold:   cfg.Injection.ComplexityThreshold,
		ErrorThreshold:        cfg.Injection.ErrorThreshold,
		ToolUsageThreshold:    cfg.Injection.ToolUsageThreshold,
	})

	bus := eventbus.New(log)

	orch := usecase.NewOrchestrator(
		provider,
		registry,
		compressor,
		policy,
		usecase.NewNextSpeakerChecker(provider, log),
		counter,
		bus,
		usecase.OrchestratorConfig{
			SystemPrompt:       cfg.Agent.SystemPrompt,
			MaxTurnsPerRequest: cfg.Agent.MaxTurnsPerRequest,
			MaxSessionTurns:    cfg.Agent.MaxSessionTurns,
			SessionTokenLimit:  cfg.Agent.SessionTokenLimit,
			Temperature:        cfg.LLM.Temperature,
			MaxTokens:          cfg.LLM.MaxTokens,
		},
		usecase.TrackerConfig{
			WindowTurns:           cfg.Metrics.WindowTurns,
			ComplexityBaseDivisor: cfg.Metrics.ComplexityBaseDivisor,
		},
		log,
	)

	sessions, err := store.NewSQLiteSessionStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init session store: %w", err)
	}
	manager := usecase.NewSessionManager(sessions)

	cleanup := func() { sessions.Close() }
	return orch, manager, bus, cleanup, nil
}

func buildCounter(cfg config.TokensConfig, log *slog.Logger) usecase.TokenCounter {
	if cfg.Counter == "tiktoken" {
		counter, err := usecase.NewTiktokenCounter(cfg.Encoding)
		if err != nil {
			log.Warn("tiktoken unavailable, using heuristic counter", "error", err)
			return usecase.HeuristicCounter{}
		}
		return counter
	}
	return usecase.HeuristicCounter{}
}

func openSession(ctx context.Context, manager *usecase.SessionManager, id, promptMode string) (*usecase.Session, error) {
	if id == "" {
		return manager.Create(ctx, promptMode)
	}
	sess, err := manager.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", id, err)
	}
	return sess, nil
}
