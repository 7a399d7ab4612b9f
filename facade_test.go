package agentrt

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ods-labs/agentrt/internal/config"
	"github.com/ods-labs/agentrt/internal/errs"
	"github.com/ods-labs/agentrt/internal/scheduler"
)

// scriptedModel answers chat, extraction, and summarization prompts
// deterministically so full turns run without a real backend.
type scriptedModel struct {
	mu      sync.Mutex
	prompts []string
}

const aliceExtraction = `{
	"importance": 7,
	"keywords": ["alice", "rust"],
	"entities": [{"name": "Alice", "type": "person"}, {"name": "Rust", "type": "language"}],
	"relations": [{"source": "Alice", "relation": "likes", "target": "Rust"}],
	"profile_updates": [{"key": "name", "value": "Alice", "importance": 9}]
}`

func (m *scriptedModel) Generate(ctx context.Context, prompt string, params scheduler.DecodingParams, stateIn []byte) (string, []byte, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	switch {
	case strings.Contains(prompt, "Analyze the conversation turn below"):
		if strings.Contains(prompt, "Alice") {
			return aliceExtraction, stateIn, nil
		}
		return `{"importance": 4}`, stateIn, nil
	case strings.Contains(prompt, "Condense the following conversation window"):
		return "The user introduced themselves and chatted.", stateIn, nil
	case strings.Contains(prompt, `"answer"`):
		return `{"answer": "forty-two"}`, stateIn, nil
	case strings.Contains(prompt, "ponder"):
		return "<think>deep thoughts</think>pondered!", stateIn, nil
	case strings.Contains(prompt, "What did you pick?"):
		if strings.Contains(prompt, "I pick 7.") {
			return "I picked 7, as I said.", stateIn, nil
		}
		return "I don't remember picking anything.", stateIn, nil
	case strings.Contains(prompt, "Pick a number"):
		return "I pick 7.", stateIn, nil
	case strings.Contains(prompt, "What's my name?"):
		if strings.Contains(prompt, "Alice") {
			return "Your name is Alice.", stateIn, nil
		}
		return "I don't know your name.", stateIn, nil
	default:
		return "Hello! Nice to meet you.", stateIn, nil
	}
}

// hashEmbedder derives a deterministic unit vector from the text.
type hashEmbedder struct{ dim int }

func (h hashEmbedder) Embed(text string) ([]float32, error) {
	f := fnv.New32a()
	f.Write([]byte(text))
	seed := f.Sum32()
	v := make([]float32, h.dim)
	var sum float64
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%1000) / 1000
		sum += float64(v[i]) * float64(v[i])
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

func (h hashEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(t)
		out[i] = v
	}
	return out, nil
}

func (h hashEmbedder) Dim() int { return h.dim }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "agentrt.db")
	cfg.Store.MaxConnections = 1
	return cfg
}

func buildTestFacade(t *testing.T, cfg *config.Config) *Facade {
	t.Helper()
	f, err := Build(cfg, &scriptedModel{}, hashEmbedder{dim: 8})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func eventCount(t *testing.T, f *Facade) int {
	t.Helper()
	var n int
	if err := f.DatabaseHandle().DB().QueryRow(`SELECT COUNT(*) FROM memory_events`).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestFirstTurnFreshStore(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))
	ctx := context.Background()

	reply, err := f.Chat(ctx, "chat", "Hi, I'm Alice and I like Rust.")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply == "" {
		t.Fatalf("expected a non-empty reply")
	}

	waitFor(t, "background persistence", func() bool { return eventCount(t, f) == 2 })

	db := f.DatabaseHandle().DB()

	var sessions, active int
	db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessions)
	db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE active = 1`).Scan(&active)
	if sessions != 1 || active != 1 {
		t.Fatalf("expected exactly one active session, got %d sessions, %d active", sessions, active)
	}

	var aliceID, rustID string
	if err := db.QueryRow(`SELECT id FROM entities WHERE name = 'Alice'`).Scan(&aliceID); err != nil {
		t.Fatalf("expected an Alice entity: %v", err)
	}
	if err := db.QueryRow(`SELECT id FROM entities WHERE name = 'Rust'`).Scan(&rustID); err != nil {
		t.Fatalf("expected a Rust entity: %v", err)
	}

	lo, hi := aliceID, rustID
	if lo > hi {
		lo, hi = hi, lo
	}
	var weight float64
	err = db.QueryRow(
		`SELECT weight FROM edges WHERE source_id = ? AND relation = 'co_occurs_with' AND target_id = ?`,
		lo, hi).Scan(&weight)
	if err != nil {
		t.Fatalf("expected a co-occurrence edge between Alice and Rust: %v", err)
	}
	policy := config.DefaultChatAgent().Memory
	if weight < policy.MinEdgeWeight || weight > policy.MaxEdgeWeight {
		t.Fatalf("edge weight %v outside [%v, %v]", weight, policy.MinEdgeWeight, policy.MaxEdgeWeight)
	}
}

func TestMemoryRecall(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))
	ctx := context.Background()

	if _, err := f.Chat(ctx, "chat", "Hi, I'm Alice and I like Rust."); err != nil {
		t.Fatalf("seed turn: %v", err)
	}
	waitFor(t, "seed persistence", func() bool { return eventCount(t, f) == 2 })

	var captured string
	f.SetPromptHook(func(agentName, prompt string) {
		if agentName == "chat" {
			captured = prompt
		}
	})

	reply, err := f.Chat(ctx, "chat", "What's my name?")
	if err != nil {
		t.Fatalf("recall turn: %v", err)
	}
	if !strings.Contains(captured, "Relevant memory:") || !strings.Contains(captured, "Alice") {
		t.Fatalf("expected a retrieved memory bullet mentioning Alice in the prompt:\n%s", captured)
	}
	if !strings.Contains(reply, "Alice") {
		t.Fatalf("expected the reply to contain Alice, got %q", reply)
	}
}

func TestShortTermContinuityWithoutPersistence(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))
	ctx := context.Background()

	first, err := f.ChatNoMemory(ctx, "chat", "Pick a number from 1 to 10.")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if !strings.Contains(first, "7") {
		t.Fatalf("scripted model should pick 7, got %q", first)
	}

	second, err := f.ChatNoMemory(ctx, "chat", "What did you pick?")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if !strings.Contains(second, "7") {
		t.Fatalf("expected the second reply to reference the picked number, got %q", second)
	}

	// Give any (incorrect) background work a chance to land, then check
	// nothing was persisted.
	time.Sleep(50 * time.Millisecond)
	if n := eventCount(t, f); n != 0 {
		t.Fatalf("expected no persisted events after no-memory turns, got %d", n)
	}
}

func TestGrammarConstrainedReply(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))
	ctx := context.Background()

	err := f.RegisterAgent(config.AgentConfig{
		Name:    "json",
		Grammar: `{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"],"additionalProperties":false}`,
		Decoding: config.DecodingConfig{
			MaxTokens:   128,
			Temperature: 0.1,
		},
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	reply, err := f.Chat(ctx, "json", `Give me an "answer" object.`)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		t.Fatalf("reply is not JSON: %v\n%s", err, reply)
	}
	if len(parsed) != 1 {
		t.Fatalf("expected exactly one key, got %v", parsed)
	}
	if _, ok := parsed["answer"]; !ok {
		t.Fatalf("expected an answer key, got %v", parsed)
	}
}

func TestGrammarExhaustionYieldsEmptyReply(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))
	ctx := context.Background()

	// No output satisfies this grammar, so the decode terminates with
	// empty content; the turn itself still succeeds.
	err := f.RegisterAgent(config.AgentConfig{
		Name:    "strict",
		Grammar: `{"not": {}}`,
		Decoding: config.DecodingConfig{
			MaxTokens: 32,
		},
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	reply, err := f.Chat(ctx, "strict", "say anything")
	if err != nil {
		t.Fatalf("grammar exhaustion must not fail the turn: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected empty content, got %q", reply)
	}
}

func TestSummarizationTrigger(t *testing.T) {
	cfg := testConfig(t)
	for i := range cfg.Agents {
		if cfg.Agents[i].Name == "chat" {
			cfg.Agents[i].Memory.SemanticChunkThreshold = 6
		}
	}
	f := buildTestFacade(t, cfg)
	ctx := context.Background()

	inputs := []string{
		"Hi, I'm Alice and I like Rust.",
		"I also enjoy hiking on weekends.",
		"My favorite editor is Helix.",
	}
	for _, in := range inputs {
		before := eventCount(t, f)
		if _, err := f.Chat(ctx, "chat", in); err != nil {
			t.Fatalf("Chat(%q): %v", in, err)
		}
		// Let each turn's persistence land before the next so the six
		// events arrive in a stable order.
		waitFor(t, "turn persistence", func() bool { return eventCount(t, f) == before+2 })
	}

	db := f.DatabaseHandle().DB()
	waitFor(t, "summarization", func() bool {
		var n int
		db.QueryRow(`SELECT COUNT(*) FROM semantic_chunks`).Scan(&n)
		return n == 1
	})

	var first, last string
	if err := db.QueryRow(`SELECT first_event_id, last_event_id FROM semantic_chunks`).Scan(&first, &last); err != nil {
		t.Fatalf("read chunk: %v", err)
	}

	var firstWant, lastWant string
	db.QueryRow(`SELECT id FROM memory_events ORDER BY created_at ASC, id ASC LIMIT 1`).Scan(&firstWant)
	db.QueryRow(`SELECT id FROM memory_events ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&lastWant)
	if first != firstWant || last != lastWant {
		t.Fatalf("chunk covers [%s, %s], want [%s, %s]", first, last, firstWant, lastWant)
	}
}

func TestChatNoMemoryWithOptionsOverrides(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))
	ctx := context.Background()

	// The stop override truncates the scripted reply mid-sentence.
	reply, err := f.ChatNoMemoryWithOptions(ctx, "chat", "Pick a number from 1 to 10.", "", []string{" pick"})
	if err != nil {
		t.Fatalf("ChatNoMemoryWithOptions: %v", err)
	}
	if reply != "I" {
		t.Fatalf("expected truncation at the stop override, got %q", reply)
	}

	// A per-call grammar validates the reply shape.
	reply, err = f.ChatNoMemoryWithOptions(ctx, "chat", `Give me an "answer" object.`,
		`{"type":"object","required":["answer"]}`, nil)
	if err != nil {
		t.Fatalf("ChatNoMemoryWithOptions with grammar: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		t.Fatalf("expected a JSON reply, got %q", reply)
	}
}

func TestThinkSpansStrippedFromHistory(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))
	ctx := context.Background()

	// "ponder" makes the scripted model emit a think span.
	first, err := f.ChatNoMemory(ctx, "chat", "ponder something")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if !strings.Contains(first, "<think>") {
		t.Fatalf("the raw reply should keep its think span, got %q", first)
	}

	var captured string
	f.SetPromptHook(func(agentName, prompt string) { captured = prompt })
	if _, err := f.ChatNoMemory(ctx, "chat", "and now?"); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if strings.Contains(captured, "<think>") {
		t.Fatalf("short-term history must not carry think spans:\n%s", captured)
	}
	if !strings.Contains(captured, "Assistant: pondered!") {
		t.Fatalf("expected the stripped assistant turn in history:\n%s", captured)
	}
}

func TestChatUnknownAgent(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))

	_, err := f.Chat(context.Background(), "nope", "hello")
	if err == nil {
		t.Fatalf("expected UnknownAgent")
	}
	if !errs.OfKind(err, errs.KindUnknownAgent) {
		t.Fatalf("expected UnknownAgent kind, got %v", err)
	}
}

func TestChatEmptyInput(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))

	_, err := f.Chat(context.Background(), "chat", "   ")
	if err == nil {
		t.Fatalf("expected InvalidInput for blank input")
	}
	if !errs.OfKind(err, errs.KindInvalidInput) {
		t.Fatalf("expected InvalidInput kind, got %v", err)
	}
}

func TestRegisterAgentTwice(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))

	err := f.RegisterAgent(config.AgentConfig{Name: "dup"})
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err = f.RegisterAgent(config.AgentConfig{Name: "dup"})
	if !errs.OfKind(err, errs.KindAgentAlreadyExists) {
		t.Fatalf("expected AgentAlreadyRegistered, got %v", err)
	}
}

func TestListAgents(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))

	names := f.ListAgents()
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	for _, want := range []string{"chat", "memory-extractor", "summarizer"} {
		if !found[want] {
			t.Fatalf("expected %s among agents, got %v", want, names)
		}
	}
}

func TestChatWithNickBindsToChatAgent(t *testing.T) {
	f := buildTestFacade(t, testConfig(t))

	var sawAgent string
	f.SetPromptHook(func(agentName, prompt string) { sawAgent = agentName })

	if _, err := f.ChatWithNick(context.Background(), "hello there", "alice"); err != nil {
		t.Fatalf("ChatWithNick: %v", err)
	}
	if sawAgent != "chat" {
		t.Fatalf("expected ChatWithNick to bind to the chat agent, got %q", sawAgent)
	}
}
