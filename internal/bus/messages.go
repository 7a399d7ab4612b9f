package bus

import (
	"fmt"
	"time"
)

// Subject pattern constants for bus messaging
const (
	// SubjectRequestState is the pattern for scheduler request lifecycle
	// transitions, keyed by request id
	SubjectRequestState = "scheduler.request.%s.state"

	// SubjectAgentStatus is the pattern for per-agent turn status updates
	SubjectAgentStatus = "agent.%s.status"

	// SubjectJobResult is the pattern for background memory job outcomes,
	// keyed by session id
	SubjectJobResult = "memory.job.%s.result"

	// SubjectAllRequestStates subscribes to every request transition
	SubjectAllRequestStates = "scheduler.request.*.state"

	// SubjectAllAgentStatus subscribes to all agent status updates
	SubjectAllAgentStatus = "agent.*.status"

	// SubjectAllJobResults subscribes to all background job outcomes
	SubjectAllJobResults = "memory.job.*.result"
)

// RequestStateMessage announces one scheduler request reaching a
// lifecycle state.
type RequestStateMessage struct {
	RequestID string    `json:"request_id"`
	Agent     string    `json:"agent"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentStatusMessage announces an agent starting or finishing a turn.
type AgentStatusMessage struct {
	Agent     string    `json:"agent"`
	Status    string    `json:"status"` // idle, generating, error
	Timestamp time.Time `json:"timestamp"`
}

// JobResultMessage announces a background writer/summarizer job outcome.
type JobResultMessage struct {
	SessionID string    `json:"session_id"`
	Job       string    `json:"job"` // memory-writer, summarizer
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RequestStateSubject formats the transition subject for one request.
func RequestStateSubject(requestID string) string {
	return fmt.Sprintf(SubjectRequestState, requestID)
}

// AgentStatusSubject formats the status subject for one agent.
func AgentStatusSubject(agent string) string {
	return fmt.Sprintf(SubjectAgentStatus, agent)
}

// JobResultSubject formats the job result subject for one session.
func JobResultSubject(sessionID string) string {
	return fmt.Sprintf(SubjectJobResult, sessionID)
}
