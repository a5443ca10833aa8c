package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aristath/taskforge/internal/agent"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/delegation"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/llm"
	"github.com/aristath/taskforge/internal/modelcache"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/recovery"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/tools"
)

// engine holds every long-lived component of one process.
type engine struct {
	cfg      *config.OrchestratorConfig
	bus      *events.Bus
	cache    *modelcache.Manager
	store    *persistence.SQLiteStore
	recovery *recovery.Store
	procs    *tools.ProcessManager
	mcp      []*tools.MCPSource
	deleg    *delegation.Manager
	orch     *orchestrator.Orchestrator
}

// engineOptions are the run command's overrides.
type engineOptions struct {
	Workspace   string
	Concurrency int
}

// newEngine wires the components described by cfg. The caller must Close it.
func newEngine(ctx context.Context, cfg *config.OrchestratorConfig, opts engineOptions) (*engine, error) {
	e := &engine{cfg: cfg, bus: events.NewBus(), procs: tools.NewProcessManager()}
	if err := e.wire(ctx, opts); err != nil {
		e.Close(context.Background())
		return nil, err
	}
	return e, nil
}

func (e *engine) wire(ctx context.Context, opts engineOptions) error {
	cfg := e.cfg
	registry := config.NewRegistry(cfg.Agents)

	policy, err := delegation.ParsePolicy(cfg.Run.FailurePolicy)
	if err != nil {
		return err
	}

	ollama, err := llm.NewOllamaClient(cfg.Ollama.Host)
	if err != nil {
		return err
	}
	retry := llm.DefaultRetryConfig()
	if cfg.Ollama.RetryMaxWait.Duration > 0 {
		retry.MaxElapsedTime = cfg.Ollama.RetryMaxWait.Duration
	}
	client := llm.NewResilientClient(ollama, retry, llm.NewCircuitBreakerRegistry(cfg.Ollama.BreakerTimeout.Duration))
	warnUntracked(ctx, ollama)

	e.cache = modelcache.New(cfg.ModelCache.TotalVRAMGB, cfg.ModelCache.ReservedFraction, ollama,
		modelcache.WithEvents(e.bus),
		modelcache.WithKeepWarm(cfg.ModelCache.KeepWarm...),
	)

	e.store, err = persistence.NewSQLiteStore(ctx, filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return err
	}
	e.recovery, err = recovery.NewStore(filepath.Join(cfg.DataDir, "checkpoints"))
	if err != nil {
		return err
	}

	toolRegistry := tools.NewRegistry()
	workspace := opts.Workspace
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}
	if err := tools.RegisterBuiltins(toolRegistry, tools.Workspace{Root: workspace, Processes: e.procs}); err != nil {
		return err
	}
	if err := e.connectMCP(ctx, toolRegistry); err != nil {
		return err
	}

	sched := scheduler.New(registry, e.cache, scheduler.WithEvents(e.bus))
	e.deleg = delegation.New(sched, registry,
		delegation.WithConversation(e.store),
		delegation.WithPrewarmer(e.cache),
		delegation.WithRecovery(e.recovery),
		delegation.WithEvents(e.bus),
		delegation.WithPolicy(policy),
	)
	loop := agent.NewLoop(agent.LoopConfig{
		Scheduler:              sched,
		Agents:                 registry,
		Client:                 client,
		Models:                 e.cache,
		Sessions:               e.store,
		Tools:                  toolRegistry,
		Delegator:              e.deleg,
		Recovery:               e.recovery,
		Events:                 e.bus,
		Stuck:                  cfg.Stuck,
		CompletionMarker:       cfg.Loop.CompletionMarker,
		CheckpointInterval:     cfg.Loop.CheckpointInterval,
		MaxConsecutiveFailures: cfg.Loop.MaxConsecutiveFailures,
	})

	e.orch = orchestrator.New(orchestrator.Config{
		Scheduler:        sched,
		Loop:             loop,
		Delegation:       e.deleg,
		Tasks:            e.store,
		Recovery:         e.recovery,
		Cache:            e.cache,
		KeepWarm:         e.cache,
		Events:           e.bus,
		RootAgent:        cfg.Run.RootAgent,
		ConcurrencyLimit: opts.Concurrency,
		PollInitial:      cfg.Run.PollInitial.Duration,
		PollMax:          cfg.Run.PollMax.Duration,
		MaxWait:          cfg.Run.MaxWait.Duration,
	})
	return nil
}

// connectMCP starts every configured MCP server and registers its tools.
func (e *engine) connectMCP(ctx context.Context, r *tools.Registry) error {
	names := make([]string, 0, len(e.cfg.MCPServers))
	for name := range e.cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		srv := e.cfg.MCPServers[name]
		src, err := tools.ConnectMCPCommand(ctx, name, srv.Command, srv.Args)
		if err != nil {
			return fmt.Errorf("mcp server %s: %w", name, err)
		}
		e.mcp = append(e.mcp, src)
		registered, err := src.RegisterTools(ctx, r)
		if err != nil {
			return fmt.Errorf("mcp server %s: %w", name, err)
		}
		log.Printf("mcp server %s: registered %d tools", name, len(registered))
	}
	return nil
}

// warnUntracked logs models the server already holds. The cache does not
// account for them.
func warnUntracked(ctx context.Context, c *llm.OllamaClient) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	running, err := c.Running(ctx)
	if err != nil {
		log.Printf("WARNING: could not query ollama: %v", err)
		return
	}
	for _, m := range running {
		log.Printf("WARNING: model %s is already loaded (%.1fGB) outside the cache budget", m.Name, float64(m.SizeVRAM)/(1<<30))
	}
}

// Close kills tool subprocesses, unloads models and releases storage.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.procs.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing subprocesses: %w", err))
	}
	if e.cache != nil {
		if err := e.cache.UnloadAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unloading models: %w", err))
		}
	}
	for _, src := range e.mcp {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.bus.Close()
	return errors.Join(errs...)
}
