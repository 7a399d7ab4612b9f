// Package agent holds the registry of named, immutable agent
// configurations plus the per-agent short-term dialogue history that
// bridges turns between retrievals.
package agent

import (
	"sync"

	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/scheduler"
)

// Turn is one (user, assistant) exchange kept in short-term history.
type Turn struct {
	User      string
	Assistant string
}

// Agent is a registered, immutable configuration plus its mutable
// short-term history. Config fields never change after registration;
// only the history ring buffer mutates, under its own mutex. Contention
// stays low because of the per-agent concurrency cap.
type Agent struct {
	Name    string
	Cfg     config.AgentConfig
	Grammar *scheduler.Grammar

	// Builder overrides the default prompt layout when set. It is
	// assigned at registration and never changes afterwards.
	Builder PromptBuilder

	historyMu sync.Mutex
	history   []Turn
}

const maxHistory = 5

// PushTurn appends a (user, assistant) pair, evicting the oldest when
// the buffer exceeds maxHistory.
func (a *Agent) PushTurn(user, assistant string) {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	a.history = append(a.history, Turn{User: user, Assistant: assistant})
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
}

// History returns a snapshot of the current short-term history, oldest
// first.
func (a *Agent) History() []Turn {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}

// DecodingParams translates the agent's configured decoding section into
// the scheduler's request shape.
func (a *Agent) DecodingParams() scheduler.DecodingParams {
	d := a.Cfg.Decoding
	return scheduler.DecodingParams{
		MaxTokens:        d.MaxTokens,
		Temperature:      d.Temperature,
		TopP:             d.TopP,
		PresencePenalty:  d.PresencePenalty,
		FrequencyPenalty: d.FrequencyPenalty,
	}
}
