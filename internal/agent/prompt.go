package agent

import (
	"fmt"
	"strings"

	"github.com/ods-labs/agentrt/internal/memory"
)

// PromptBuilder is a pure function from (agent, retrieved memory,
// short-term history, user input, nick) to a prompt string. It is
// selected at registration rather than hardcoded, so a caller may
// supply a custom builder per agent.
type PromptBuilder func(a *Agent, retrieved []memory.ScoredMemory, history []Turn, userInput, nick string) string

// DefaultPromptBuilder lays out, in order: a system preface, a "relevant
// memory" block (descending score, role-tagged, truncated per item),
// up to 5 short-term turns oldest-first, and the final trailer. It
// enforces the agent's total character budget by dropping the
// lowest-scored memory items first, then trimming the oldest short-term
// turns; the user input and final trailer are never trimmed.
func DefaultPromptBuilder(a *Agent, retrieved []memory.ScoredMemory, history []Turn, userInput, nick string) string {
	budget := a.Cfg.MaxPromptChars
	if budget <= 0 {
		budget = 6000
	}

	preface := systemPreface(a, nick)
	trailer := fmt.Sprintf("User: %s\nAssistant:", userInput)
	reserved := len(preface) + len(trailer) + 2

	memoryLines := renderMemoryLines(retrieved)
	historyLines := renderHistoryLines(history)

	for reserved+linesLen(memoryLines)+linesLen(historyLines) > budget && len(memoryLines) > 0 {
		memoryLines = memoryLines[:len(memoryLines)-1]
	}
	for reserved+linesLen(memoryLines)+linesLen(historyLines) > budget && len(historyLines) > 0 {
		// History renders as (user, assistant) line pairs; trim whole
		// pairs so no orphaned assistant line survives.
		drop := 2
		if len(historyLines) < 2 {
			drop = len(historyLines)
		}
		historyLines = historyLines[drop:]
	}

	var b strings.Builder
	b.WriteString(preface)
	b.WriteString("\n")
	if len(memoryLines) > 0 {
		b.WriteString("Relevant memory:\n")
		for _, line := range memoryLines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	for _, line := range historyLines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(trailer)

	return b.String()
}

func systemPreface(a *Agent, nick string) string {
	if a.Cfg.PromptTemplate != "" {
		return strings.ReplaceAll(a.Cfg.PromptTemplate, "{{nick}}", nick)
	}
	if nick != "" {
		return fmt.Sprintf("You are %s, a helpful assistant talking with %s.", a.Name, nick)
	}
	return fmt.Sprintf("You are %s, a helpful assistant.", a.Name)
}

const perItemCharBudget = 280

func renderMemoryLines(retrieved []memory.ScoredMemory) []string {
	lines := make([]string, 0, len(retrieved))
	for _, m := range retrieved {
		text := m.Text
		if len(text) > perItemCharBudget {
			text = text[:perItemCharBudget]
		}
		tag := "memory"
		if !m.IsChunk() {
			tag = string(m.Role)
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", tag, text))
	}
	return lines
}

func renderHistoryLines(history []Turn) []string {
	lines := make([]string, 0, len(history)*2)
	for _, t := range history {
		lines = append(lines, "User: "+t.User)
		lines = append(lines, "Assistant: "+t.Assistant)
	}
	return lines
}

func linesLen(lines []string) int {
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	return total
}
