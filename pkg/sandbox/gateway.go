// Package sandbox defines the orchestrator's seam to the sandbox provider:
// spawning isolated execution environments for tasks, terminating them, and
// pulling session transcripts back out.
package sandbox

import "context"

// Progress event types reported by running sandboxes. agent.heartbeat,
// agent.started and agent.thinking signal liveness only; an agent can loop on
// thinking indefinitely without producing anything.
const (
	EventHeartbeat         = "agent.heartbeat"
	EventStarted           = "agent.started"
	EventThinking          = "agent.thinking"
	EventAssistantMessage  = "agent.assistant_message"
	EventToolUse           = "agent.tool_use"
	EventToolResult        = "agent.tool_result"
	EventFileEdited        = "agent.file_edited"
	EventToolCompleted     = "agent.tool_completed"
	EventSubagentCompleted = "agent.subagent_completed"
	EventSkillCompleted    = "agent.skill_completed"
	EventError             = "agent.error"
	EventCompleted         = "agent.completed"
)

// workEvents are the event types that count as work progress for idle
// detection. A sandbox emitting only heartbeats is alive but idle.
var workEvents = map[string]bool{
	EventAssistantMessage:  true,
	EventToolUse:           true,
	EventToolResult:        true,
	EventFileEdited:        true,
	EventToolCompleted:     true,
	EventSubagentCompleted: true,
	EventSkillCompleted:    true,
	EventCompleted:         true,
}

// IsWorkEvent reports whether an event type counts as work progress.
func IsWorkEvent(eventType string) bool {
	return workEvents[eventType]
}

// SpawnRequest describes the sandbox to create for a task.
type SpawnRequest struct {
	TaskID      string
	TicketID    string
	Template    string
	Prompt      string
	Env         map[string]string
	RepoURL     string
	Branch      string
	TimeoutSecs int
}

// SpawnResult is the provider's handle for a spawned sandbox.
type SpawnResult struct {
	SandboxID string
	SessionID string
}

// Transcript is an extracted sandbox session transcript.
type Transcript struct {
	SandboxID string
	SessionID string
	Content   string
	Turns     []map[string]any
}

// PreviewLink is a resolved live preview. Token is empty when the provider
// exposes the port without auth.
type PreviewLink struct {
	URL   string
	Token string
}

// Gateway is the sandbox provider interface. Implementations must be safe
// for concurrent use.
type Gateway interface {
	// SpawnForTask creates a sandbox executing the given task.
	SpawnForTask(ctx context.Context, req SpawnRequest) (*SpawnResult, error)

	// TerminateSandbox stops a sandbox. Terminating an already-stopped
	// sandbox is not an error.
	TerminateSandbox(ctx context.Context, sandboxID, reason string) error

	// ExtractSessionTranscript pulls the session transcript out of a sandbox,
	// typically right before termination.
	ExtractSessionTranscript(ctx context.Context, sandboxID string) (*Transcript, error)

	// GetPreviewLink returns the live preview link for a port the sandbox
	// exposes.
	GetPreviewLink(ctx context.Context, sandboxID string, port int) (*PreviewLink, error)

	// SendMessage delivers a steering message into a running sandbox session.
	// messageType qualifies how the runtime injects it.
	SendMessage(ctx context.Context, sandboxID, content, messageType string) error
}

// TemplateForPhase maps a task phase to the provider template name. Unknown
// phases use the general-purpose template.
func TemplateForPhase(phase string) string {
	switch phase {
	case "backend", "frontend", "infra":
		return "dev-" + phase
	case "validation":
		return "dev-validator"
	}
	return "dev-general"
}
