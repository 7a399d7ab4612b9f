package agent

import (
	"sync"

	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/errs"
	"github.com/ods-labs/agentrt/internal/scheduler"
)

// Registry is a name-keyed holder of immutable agent configs,
// replacing any global mutable singleton.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds a new agent under cfg.Name. Re-registering an existing
// name fails with AgentAlreadyRegistered rather than silently
// overwriting its config (and, with it, its in-flight history).
func (r *Registry) Register(cfg config.AgentConfig) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Name == "" {
		return nil, errs.New(errs.KindInvalidInput, "agent name is required")
	}
	if _, exists := r.agents[cfg.Name]; exists {
		return nil, errs.New(errs.KindAgentAlreadyExists, "agent already registered: "+cfg.Name)
	}

	a := &Agent{Name: cfg.Name, Cfg: cfg}
	if cfg.Grammar != "" {
		a.Grammar = scheduler.NewGrammar(cfg.Grammar)
	}
	r.agents[cfg.Name] = a
	return a, nil
}

// Get resolves an agent by name, or UnknownAgent if it isn't registered.
func (r *Registry) Get(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, errs.New(errs.KindUnknownAgent, "unknown agent: "+name)
	}
	return a, nil
}

// List returns every registered agent's name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}
