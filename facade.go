// Package agentrt is a multi-agent runtime over a single shared LLM
// backend with a persistent, semantically indexed memory store.
// Application code registers named agents, each with its own prompt
// policy, decoding parameters, optional output grammar, and memory
// discipline, then exchanges turns against them while the runtime
// serializes model access, retrieves prior context, and persists new
// memory in the background.
package agentrt

import (
	"context"
	"time"

	"github.com/ods-labs/agentrt/internal/agent"
	"github.com/ods-labs/agentrt/internal/bus"
	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/errs"
	"github.com/ods-labs/agentrt/internal/jobs"
	"github.com/ods-labs/agentrt/internal/memory"
	"github.com/ods-labs/agentrt/internal/pipeline"
	"github.com/ods-labs/agentrt/internal/scheduler"
)

// Facade owns the registry, the scheduler, the store handle, and the
// error handler. It is the single construction and entry point for the
// runtime; everything else is reached through it.
type Facade struct {
	cfg      *config.Config
	registry *agent.Registry
	sched    *scheduler.ModelScheduler
	store    *memory.Store
	errh     *errs.Handler
	pool     *jobs.Pool
	pipe     *pipeline.Pipeline
	busConn  *bus.Client
}

// Build constructs the facade from cfg, the shared model handle, and the
// embedding capability, registering every agent named in cfg plus the
// internal extractor and summarizer agents.
func Build(cfg *config.Config, model scheduler.ModelHandle, embedder memory.EmbeddingProvider) (*Facade, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	store, err := memory.Open(cfg.Store.Path, cfg.Store.MaxConnections, cfg.Store.ConnectTimeout(), cfg.Store.EnableWAL, cfg.Store.AutoMigrate)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(model, scheduler.Config{
		QueueDepth:            cfg.Scheduler.QueueDepth,
		MaxConcurrentPerAgent: cfg.Scheduler.MaxConcurrentPerAgent,
		StateLRUCapacity:      cfg.Scheduler.StateLRUCapacity,
		DefaultDeadline:       cfg.Scheduler.DefaultDeadline(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	f := &Facade{
		cfg:      cfg,
		registry: agent.NewRegistry(),
		sched:    sched,
		store:    store,
		errh:     errs.NewHandler(errs.DefaultBreakerConfig()),
		pool:     jobs.NewPool(4, 256),
	}
	f.pipe = pipeline.New(f.registry, sched, store, embedder, f.errh, f.pool, nil, "local")

	for _, ac := range cfg.Agents {
		if err := f.RegisterAgent(ac); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.registerInternalAgents(); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

// registerInternalAgents adds the memory-extractor and summarizer agents
// the pipeline depends on, unless the configuration already named them.
func (f *Facade) registerInternalAgents() error {
	if _, err := f.registry.Get(pipeline.ExtractorAgentName); err != nil {
		_, err = f.registry.Register(config.AgentConfig{
			Name:    pipeline.ExtractorAgentName,
			Grammar: memory.ExtractionSchema,
			Decoding: config.DecodingConfig{
				MaxTokens:   512,
				Temperature: 0.1,
				TopP:        0.9,
			},
		})
		if err != nil {
			return err
		}
	}
	if _, err := f.registry.Get(pipeline.SummarizerAgentName); err != nil {
		_, err = f.registry.Register(config.AgentConfig{
			Name: pipeline.SummarizerAgentName,
			Decoding: config.DecodingConfig{
				MaxTokens:   256,
				Temperature: 0.3,
				TopP:        0.9,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SetBus attaches a bus client for observability broadcasts. Call before
// serving traffic; passing nil leaves the bus disabled.
func (f *Facade) SetBus(c *bus.Client) {
	f.busConn = c
	f.pipe.SetBus(c)
}

// SetPromptHook installs an observer over every assembled prompt, used
// by tests and debugging tooling.
func (f *Facade) SetPromptHook(hook func(agentName, prompt string)) {
	f.pipe.PromptHook = hook
}

// RegisterAgent adds a named agent. Registering a name twice fails with
// AgentAlreadyRegistered.
func (f *Facade) RegisterAgent(cfg config.AgentConfig) error {
	_, err := f.registry.Register(cfg)
	return err
}

// RegisterAgentWithBuilder is RegisterAgent with a custom prompt layout.
func (f *Facade) RegisterAgentWithBuilder(cfg config.AgentConfig, builder agent.PromptBuilder) error {
	a, err := f.registry.Register(cfg)
	if err != nil {
		return err
	}
	a.Builder = builder
	return nil
}

// Chat runs a full turn against agentName: memory retrieval, prompt
// assembly, decoding, short-term history update, and background
// persistence when the agent saves conversations.
func (f *Facade) Chat(ctx context.Context, agentName, input string) (string, error) {
	return f.pipe.Chat(ctx, agentName, input)
}

// ChatWithNick is Chat against the default "chat" agent with a per-turn
// nick override.
func (f *Facade) ChatWithNick(ctx context.Context, input, nick string) (string, error) {
	return f.pipe.ChatWithNick(ctx, input, nick)
}

// ChatNoMemory runs a turn without retrieval or persistence; short-term
// history still applies.
func (f *Facade) ChatNoMemory(ctx context.Context, agentName, input string) (string, error) {
	return f.pipe.ChatNoMemory(ctx, agentName, input)
}

// ChatNoMemoryWithOptions is ChatNoMemory with a per-call grammar and
// stop-set override.
func (f *Facade) ChatNoMemoryWithOptions(ctx context.Context, agentName, input, grammar string, stops []string) (string, error) {
	return f.pipe.ChatNoMemoryWithOptions(ctx, agentName, input, grammar, stops)
}

// ListAgents returns every registered agent name.
func (f *Facade) ListAgents() []string {
	return f.registry.List()
}

// DatabaseHandle exposes the store as an escape hatch for session and
// event inspection.
func (f *Facade) DatabaseHandle() *memory.Store {
	return f.store
}

// QueueLen reports the scheduler's current queue occupancy.
func (f *Facade) QueueLen() int { return f.sched.QueueLen() }

// PendingJobs reports queued-but-unstarted background jobs.
func (f *Facade) PendingJobs() int { return f.pool.Pending() }

// Close stops the background pool (draining queued persistence), stops
// the scheduler worker, and closes the store, in that order.
func (f *Facade) Close() error {
	f.pool.Stop(30 * time.Second)
	f.sched.Stop()
	return f.store.Close()
}
