package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/internal/agent/providers"
	"github.com/first-fluke/cratos/internal/audit"
	"github.com/first-fluke/cratos/internal/config"
	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/internal/persona"
	"github.com/first-fluke/cratos/internal/sessions"
	"github.com/first-fluke/cratos/internal/telemetry"
	"github.com/first-fluke/cratos/internal/tools/exec"
)

// loadConfig reads path if it exists, otherwise falls back to built-in
// defaults so a first run never requires `cratos config` to have run yet.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return config.Load(path)
}

// runtime bundles everything buildRuntime wires up, so callers (run,
// gateway serve) can reuse the stores and audit logger instead of building
// the orchestrator's dependencies twice.
type runtime struct {
	orchestrator *agent.Orchestrator
	sessions     sessions.Store
	events       eventstore.Store
	approvals    *agent.ApprovalManager
	bus          *agent.EventBus
	audit        *audit.Logger
	tracerClose  func()
	configWatch  *config.Watcher
}

func (r *runtime) Close() {
	if r.configWatch != nil {
		_ = r.configWatch.Close()
	}
	if r.tracerClose != nil {
		r.tracerClose()
	}
	if r.audit != nil {
		_ = r.audit.Close()
	}
}

// buildRuntime constructs a fully wired orchestrator from cfg: LLM
// providers and tiered routing, the exec tool family, session/event
// storage sized to cfg.Database, and the audit/tracing side channels.
// configPath is the file cfg was loaded from; it anchors where persona
// presets live (<configPath's dir>/personas) and what the config watcher
// watches for hot-reload.
func buildRuntime(cfg *config.Config, configPath string, logger *slog.Logger) (*runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sessionStore, eventStore, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	routing, err := buildModelRouting(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewToolRegistry()
	registerExecTools(registry, cfg)

	router := agent.NewLlmRouter(routing)
	planner := agent.NewPlanner(router)
	bus := agent.NewEventBus(logger)
	approvals := agent.NewApprovalManager(bus)
	personas := persona.NewRouter()
	personasDir := personaPresetsDir(configPath)
	if presets, err := persona.LoadPresetsFromDir(personasDir); err != nil {
		logger.Warn("failed to load persona presets", "dir", personasDir, "error", err)
	} else if len(presets) > 0 {
		personas.LoadPresets(presets)
	}

	configWatch, err := config.NewWatcher([]string{configPath, personasDir}, 0, func() {
		presets, err := persona.LoadPresetsFromDir(personasDir)
		if err != nil {
			logger.Warn("persona preset reload failed", "dir", personasDir, "error", err)
			return
		}
		personas.LoadPresets(presets)
		logger.Info("reloaded persona presets", "dir", personasDir, "count", len(presets))
	}, logger)
	if err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	} else {
		configWatch.Start(context.Background())
	}

	tracer, tracerShutdown := telemetry.New(telemetry.Config{ServiceName: "cratos"})

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:               cfg.Audit.Enabled,
		Level:                 audit.Level(cfg.Audit.Level),
		Format:                audit.OutputFormat(cfg.Audit.Format),
		Output:                cfg.Audit.Output,
		IncludeToolInput:      cfg.Audit.IncludeToolInput,
		IncludeToolOutput:     cfg.Audit.IncludeToolOutput,
		IncludeMessageContent: cfg.Audit.IncludeMessageContent,
		MaxFieldSize:          cfg.Audit.MaxFieldSize,
		SampleRate:            cfg.Audit.SampleRate,
		BufferSize:            cfg.Audit.BufferSize,
	})
	if err != nil {
		_ = tracerShutdown(context.Background())
		return nil, fmt.Errorf("build audit logger: %w", err)
	}

	opts := agent.OrchestratorOptions{
		MaxIterations:    cfg.Tools.Execution.MaxIterations,
		ToolTimeout:      cfg.Tools.Execution.Timeout,
		ToolMaxAttempts:  cfg.Tools.Execution.MaxAttempts,
		ToolRetryBackoff: cfg.Tools.Execution.RetryBackoff,
		ToolConcurrency:  cfg.Tools.Execution.Parallelism,
		Logger:           logger,
	}

	orch := agent.NewOrchestrator(sessionStore, eventStore, registry, planner, approvals, personas, bus, tracer, opts)

	return &runtime{
		orchestrator: orch,
		sessions:     sessionStore,
		events:       eventStore,
		approvals:    approvals,
		bus:          bus,
		audit:        auditLogger,
		tracerClose:  func() { _ = tracerShutdown(context.Background()) },
		configWatch:  configWatch,
	}, nil
}

// personaPresetsDir anchors persona preset customization off the config
// file's own directory rather than a separate data-dir setting, since no
// such setting exists in cfg today.
func personaPresetsDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "personas")
}

// openStores picks session/event backends from cfg.Database.URL: a
// postgres/cockroach DSN for sessions (event history then lives in an
// in-memory store, since there is no cockroach-backed event store here), a
// bare file path for embedded SQLite, or in-memory storage when URL is empty.
func openStores(cfg *config.Config) (sessions.Store, eventstore.Store, error) {
	url := strings.TrimSpace(cfg.Database.URL)
	if url == "" {
		return sessions.NewMemoryStore(), eventstore.NewMemoryStore(), nil
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		store, err := sessions.NewCockroachStoreFromDSN(url, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("open session database: %w", err)
		}
		return store, eventstore.NewMemoryStore(), nil
	}

	sessionStore, err := sessions.OpenSQLiteStore(url)
	if err != nil {
		return nil, nil, fmt.Errorf("open session database: %w", err)
	}
	eventStore, err := eventstore.OpenSQLiteStore(url)
	if err != nil {
		return nil, nil, fmt.Errorf("open event database: %w", err)
	}
	return sessionStore, eventStore, nil
}

// buildModelRouting constructs an OpenAI-compatible provider for
// cfg.LLM.DefaultProvider and binds it to every completion tier. The first
// entry of cfg.LLM.FallbackChain that names a configured provider, if any,
// becomes the router's fallback target; other cfg.LLM.Providers entries are
// not used.
func buildModelRouting(cfg *config.Config) (agent.ModelRouting, error) {
	if len(cfg.LLM.Providers) == 0 {
		return agent.ModelRouting{}, fmt.Errorf("no LLM providers configured under llm.providers")
	}

	target, err := buildModelTarget(cfg, cfg.LLM.DefaultProvider)
	if err != nil {
		return agent.ModelRouting{}, err
	}

	routing := agent.ModelRouting{Simple: target, General: target, Complex: target}

	for _, name := range cfg.LLM.FallbackChain {
		fallback, err := buildModelTarget(cfg, name)
		if err != nil {
			continue
		}
		routing.Fallback = &fallback
		break
	}

	return routing, nil
}

func buildModelTarget(cfg *config.Config, name string) (agent.ModelTarget, error) {
	providerCfg, ok := cfg.LLM.Providers[name]
	if !ok {
		return agent.ModelTarget{}, fmt.Errorf("llm provider %q is not configured", name)
	}
	provider := providers.NewOpenAIProvider(providers.OpenAIConfig{
		Name:    name,
		APIKey:  providerCfg.APIKey,
		BaseURL: providerCfg.BaseURL,
	})
	return agent.ModelTarget{Provider: provider, Model: providerCfg.DefaultModel}, nil
}

// registerExecTools wires the shell and background-process tools against
// cfg.Workspace.Path, so the LLM can run commands scoped to that directory.
func registerExecTools(registry *agent.ToolRegistry, cfg *config.Config) {
	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	manager := exec.NewManager(workspace)
	analyzer := exec.NewAnalyzer(exec.DefaultPolicy())
	registry.Register(exec.NewExecTool("exec", manager, analyzer))
	registry.Register(exec.NewProcessTool(manager, analyzer))
}
