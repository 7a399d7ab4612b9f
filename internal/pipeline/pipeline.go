// Package pipeline orchestrates one conversational turn end to end:
// resolve the agent, retrieve memory, assemble the prompt, decode,
// parse the reply, update short-term history, and hand persistence and
// summarization to the background worker pool.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ods-labs/agentrt/internal/agent"
	"github.com/ods-labs/agentrt/internal/bus"
	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/errs"
	"github.com/ods-labs/agentrt/internal/jobs"
	"github.com/ods-labs/agentrt/internal/memory"
	"github.com/ods-labs/agentrt/internal/scheduler"
)

// Names of the two internal agents every runtime carries: the structured
// extractor that feeds the memory writer, and the window summarizer.
const (
	ExtractorAgentName  = "memory-extractor"
	SummarizerAgentName = "summarizer"
)

// maxInputChars bounds a single user input; anything larger is rejected
// as InvalidInput before it reaches the model.
const maxInputChars = 32768

// backgroundJobTimeout bounds one writer or summarizer job. It is
// independent of the foreground caller's deadline so persistence
// survives caller timeouts.
const backgroundJobTimeout = 2 * time.Minute

// Pipeline wires the registry, scheduler, and memory subsystem together
// for the per-turn flow.
type Pipeline struct {
	registry  *agent.Registry
	sched     *scheduler.ModelScheduler
	store     *memory.Store
	embedder  memory.EmbeddingProvider
	retriever *memory.Retriever
	errh      *errs.Handler
	pool      *jobs.Pool
	bus       *bus.Client

	defaultUser string

	// Graph updates are serialized per session so endpoint and edge
	// upserts commit as one atomic unit.
	sessionMu    sync.Mutex
	sessionLocks map[string]*sync.Mutex

	// summarizing tracks sessions with a summarizer job in flight; at
	// most one runs per session at a time.
	summarizingMu sync.Mutex
	summarizing   map[string]bool

	// PromptHook, when set, observes every assembled prompt before it is
	// submitted. Used by tests to assert on prompt contents.
	PromptHook func(agentName, prompt string)
}

// New builds a Pipeline over already-constructed collaborators.
func New(registry *agent.Registry, sched *scheduler.ModelScheduler, store *memory.Store, embedder memory.EmbeddingProvider, errh *errs.Handler, pool *jobs.Pool, busClient *bus.Client, defaultUser string) *Pipeline {
	if defaultUser == "" {
		defaultUser = "local"
	}
	return &Pipeline{
		registry:     registry,
		sched:        sched,
		store:        store,
		embedder:     embedder,
		retriever:    memory.NewRetriever(store, embedder),
		errh:         errh,
		pool:         pool,
		bus:          busClient,
		defaultUser:  defaultUser,
		sessionLocks: make(map[string]*sync.Mutex),
		summarizing:  make(map[string]bool),
	}
}

// SetBus swaps the observability bus client. Call before serving
// traffic; nil disables publishing.
func (p *Pipeline) SetBus(c *bus.Client) { p.bus = c }

// turnOptions select which parts of the full turn flow run.
type turnOptions struct {
	retrieve bool
	persist  bool
	nick     string

	grammarOverride *scheduler.Grammar
	stopsOverride   []string
}

// Chat runs the full turn flow for agentName: retrieval, assembly,
// decode, history update, and background persistence.
func (p *Pipeline) Chat(ctx context.Context, agentName, input string) (string, error) {
	return p.chat(ctx, agentName, input, turnOptions{retrieve: true, persist: true})
}

// ChatWithNick runs the full flow against the default "chat" agent with
// a per-turn nick override woven into the system preface.
func (p *Pipeline) ChatWithNick(ctx context.Context, input, nick string) (string, error) {
	return p.chat(ctx, "chat", input, turnOptions{retrieve: true, persist: true, nick: nick})
}

// ChatNoMemory runs a turn without retrieval or persistence. Short-term
// history is still read and updated, so consecutive no-memory turns keep
// immediate dialogue continuity.
func (p *Pipeline) ChatNoMemory(ctx context.Context, agentName, input string) (string, error) {
	return p.chat(ctx, agentName, input, turnOptions{})
}

// ChatNoMemoryWithOptions is ChatNoMemory with a per-call grammar and
// stop-set override.
func (p *Pipeline) ChatNoMemoryWithOptions(ctx context.Context, agentName, input, grammar string, stops []string) (string, error) {
	opts := turnOptions{stopsOverride: stops}
	if grammar != "" {
		opts.grammarOverride = scheduler.NewGrammar(grammar)
	}
	return p.chat(ctx, agentName, input, opts)
}

func (p *Pipeline) chat(ctx context.Context, agentName, input string, opts turnOptions) (string, error) {
	a, err := p.registry.Get(agentName)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(input) == "" {
		return "", errs.New(errs.KindInvalidInput, "input must not be empty")
	}
	if len(input) > maxInputChars {
		return "", errs.New(errs.KindInvalidInput, fmt.Sprintf("input exceeds %d characters", maxInputChars))
	}

	sess, err := p.ensureActiveSession(ctx, opts.nick)
	if err != nil {
		return "", err
	}

	var retrieved []memory.ScoredMemory
	if opts.retrieve && a.Cfg.Memory.Enabled {
		retrieved, err = p.retriever.Retrieve(ctx, sess.ID, input, a.Cfg.Memory)
		if err != nil {
			// Retrieval trouble degrades the turn to short-term context
			// only; it never blocks the reply.
			p.errh.Warn("retriever", err)
			retrieved = nil
		}
	}

	builder := a.Builder
	if builder == nil {
		builder = agent.DefaultPromptBuilder
	}
	prompt := builder(a, retrieved, a.History(), input, opts.nick)

	if p.PromptHook != nil {
		p.PromptHook(agentName, prompt)
	}

	grammar := a.Grammar
	if opts.grammarOverride != nil {
		grammar = opts.grammarOverride
	}
	stops := a.Cfg.StopSequences
	if opts.stopsOverride != nil {
		stops = opts.stopsOverride
	}

	requestID := uuid.New().String()
	p.publishAgentStatus(agentName, "generating")

	var res scheduler.Result
	err = p.errh.Guard(func() error {
		var submitErr error
		res, submitErr = p.sched.Submit(ctx, &scheduler.Request{
			AgentName:     agentName,
			Prompt:        prompt,
			Decoding:      a.DecodingParams(),
			StopSequences: stops,
			Grammar:       grammar,
			StateID:       a.Cfg.StateID,
		})
		if errs.OfKind(submitErr, errs.KindGrammarTerminated) {
			// Grammar exhaustion still returned a (possibly empty)
			// prefix; it is a completed decode as far as the breaker is
			// concerned, and surfaces through res.Warning below.
			return nil
		}
		return submitErr
	})
	p.publishRequestState(requestID, agentName, res.State)
	p.publishAgentStatus(agentName, statusAfter(err))
	if err != nil {
		return "", err
	}

	if res.Warning != "" {
		p.errh.Warn("scheduler", errs.New(errs.KindGrammarTerminated, res.Warning))
	}

	reply := strings.TrimSpace(res.Text)
	stored := StripThink(res.Text)

	a.PushTurn(input, stored)

	// A grammar-terminated turn can leave nothing to store; events must
	// never carry empty text.
	if opts.persist && a.Cfg.SaveConversations && stored != "" {
		p.schedulePersist(sess.ID, input, stored, a.Cfg.Memory)
	}

	return reply, nil
}

func statusAfter(err error) string {
	if err != nil {
		return "error"
	}
	return "idle"
}

// ensureActiveSession returns the process's active session, creating one
// implicitly on the first turn.
func (p *Pipeline) ensureActiveSession(ctx context.Context, nick string) (*memory.Session, error) {
	sess, err := p.store.GetActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	user := nick
	if user == "" {
		user = p.defaultUser
	}
	return p.store.CreateSession(ctx, user, true)
}

func (p *Pipeline) sessionLock(sessionID string) *sync.Mutex {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	mu, ok := p.sessionLocks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		p.sessionLocks[sessionID] = mu
	}
	return mu
}

// schedulePersist hands the turn to the background pool: extract
// structure, write events and graph updates, then consider
// summarization. The reply has already been returned; failures here are
// warnings, never turn failures.
func (p *Pipeline) schedulePersist(sessionID, userText, assistantText string, policy config.MemoryPolicyConfig) {
	p.pool.Enqueue(jobs.Job{
		Name:      "memory-writer",
		SessionID: sessionID,
		Run: func(ctx context.Context) {
			jobCtx, cancel := context.WithTimeout(ctx, backgroundJobTimeout)
			defer cancel()

			err := p.persistTurn(jobCtx, sessionID, userText, assistantText, policy)
			p.publishJobResult(sessionID, "memory-writer", err)
			if err != nil {
				p.errh.Warn("memory-writer", err)
				return
			}

			p.maybeSummarize(jobCtx, sessionID, policy)
		},
	})
}

// persistTurn runs the extractor agent over the turn and commits the
// result through the memory writer under the session lock.
func (p *Pipeline) persistTurn(ctx context.Context, sessionID, userText, assistantText string, policy config.MemoryPolicyConfig) error {
	extraction := p.extract(ctx, userText, assistantText)

	graph := memory.NewGraph(p.store, policy)
	writer := memory.NewWriter(p.store, graph, p.embedder)

	mu := p.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return writer.WriteTurn(ctx, sessionID, userText, assistantText, extraction)
}

// extractionPrompt is the fixed template the extractor agent decodes
// against, constrained by memory.ExtractionSchema.
const extractionPrompt = `Analyze the conversation turn below and respond with a single JSON object with these fields:
- "importance": integer 1-10 rating how much this turn matters long-term
- "keywords": up to 8 short strings
- "entities": objects with "name" and "type" for every person, place, project, or thing mentioned
- "relations": objects with "source", "relation", "target", and an optional "weight" (how strong the relationship is) for explicit relationships between those entities
- "profile_updates": objects with "key", "value", "importance" for durable facts about the user

User: %s
Assistant: %s

JSON:`

// extract asks the memory-extractor agent for the turn's structured
// analysis. Any failure degrades to a default extraction so the events
// themselves are still persisted.
func (p *Pipeline) extract(ctx context.Context, userText, assistantText string) *memory.Extraction {
	fallback := &memory.Extraction{Importance: 5}

	extractor, err := p.registry.Get(ExtractorAgentName)
	if err != nil {
		p.errh.Warn("extractor", err)
		return fallback
	}

	res, err := p.sched.Submit(ctx, &scheduler.Request{
		AgentName: ExtractorAgentName,
		Prompt:    fmt.Sprintf(extractionPrompt, userText, assistantText),
		Decoding:  extractor.DecodingParams(),
		Grammar:   extractor.Grammar,
		StateID:   extractor.Cfg.StateID,
	})
	if err != nil {
		p.errh.Warn("extractor", err)
		return fallback
	}

	extraction, err := memory.ParseExtraction(StripThink(res.Text))
	if err != nil {
		p.errh.Warn("extractor", err)
		return fallback
	}
	return extraction
}

// maybeSummarize runs the summarizer for sessionID if the uncovered
// event count has crossed the policy threshold, guaranteeing at most one
// job in flight per session.
func (p *Pipeline) maybeSummarize(ctx context.Context, sessionID string, policy config.MemoryPolicyConfig) {
	p.summarizingMu.Lock()
	if p.summarizing[sessionID] {
		p.summarizingMu.Unlock()
		return
	}
	p.summarizing[sessionID] = true
	p.summarizingMu.Unlock()

	defer func() {
		p.summarizingMu.Lock()
		delete(p.summarizing, sessionID)
		p.summarizingMu.Unlock()
	}()

	summarizer := memory.NewSummarizer(p.store, p.embedder, p.summarizeText, p.errh)
	chunk, err := summarizer.MaybeSummarize(ctx, sessionID, policy)
	if err != nil {
		p.publishJobResult(sessionID, "summarizer", err)
		p.errh.Warn("summarizer", err)
		return
	}
	if chunk != nil {
		p.publishJobResult(sessionID, "summarizer", nil)
		log.Printf("[PIPELINE] summarized events [%s..%s] in session %s", chunk.FirstEventID, chunk.LastEventID, sessionID)
	}
}

const summarizePrompt = `Condense the following conversation window into a short factual summary. Keep names, preferences, and decisions; drop filler.

%s

Summary:`

// summarizeText condenses a serialized event window via the summarizer
// agent.
func (p *Pipeline) summarizeText(ctx context.Context, text string) (string, error) {
	summarizer, err := p.registry.Get(SummarizerAgentName)
	if err != nil {
		return "", err
	}

	res, err := p.sched.Submit(ctx, &scheduler.Request{
		AgentName: SummarizerAgentName,
		Prompt:    fmt.Sprintf(summarizePrompt, text),
		Decoding:  summarizer.DecodingParams(),
		StateID:   summarizer.Cfg.StateID,
	})
	if err != nil {
		return "", err
	}

	summary := StripThink(res.Text)
	if summary == "" {
		return "", errs.New(errs.KindModelFailed, "summarizer returned empty output")
	}
	return summary, nil
}

func (p *Pipeline) publishRequestState(requestID, agentName string, state scheduler.State) {
	p.bus.PublishJSON(bus.RequestStateSubject(requestID), bus.RequestStateMessage{
		RequestID: requestID,
		Agent:     agentName,
		State:     state.String(),
		Timestamp: time.Now(),
	})
}

func (p *Pipeline) publishAgentStatus(agentName, status string) {
	p.bus.PublishJSON(bus.AgentStatusSubject(agentName), bus.AgentStatusMessage{
		Agent:     agentName,
		Status:    status,
		Timestamp: time.Now(),
	})
}

func (p *Pipeline) publishJobResult(sessionID, job string, err error) {
	msg := bus.JobResultMessage{
		SessionID: sessionID,
		Job:       job,
		OK:        err == nil,
		Timestamp: time.Now(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	p.bus.PublishJSON(bus.JobResultSubject(sessionID), msg)
}
