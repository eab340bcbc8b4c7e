package models

import (
	"strings"
	"time"
)

// Agent is a logical worker: a long-lived process or an ephemeral
// sandbox-backed identity. Agents are owned by the registry.
type Agent struct {
	ID            string
	Name          string // human name: {type}-{phase}-{NNN}
	AgentType     string
	Phase         string
	Capabilities  []string // stored normalized: trimmed, lowercase, no empties
	Capacity      int
	Status        AgentStatus
	Tags          []string
	Health        AgentHealth
	LastHeartbeat *time.Time
	PublicKeyPEM  string
	Version       string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NormalizeCapabilities trims, lowercases and drops empty capability strings.
// The registry stores capabilities in this form only.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// AgentLog is one entry of an agent's event log, consumed by the trajectory
// builder. Direction distinguishes input-type events (goals, instructions)
// from output-type events (agent responses, tool activity).
type AgentLog struct {
	ID        string
	AgentID   string
	SandboxID string
	Direction string // "input" or "output"
	Phase     string
	Summary   string
	Detail    map[string]any
	CreatedAt time.Time
}

// Log directions.
const (
	LogDirectionInput  = "input"
	LogDirectionOutput = "output"
)

// SandboxEvent is a progress event reported by a sandbox (heartbeats, tool
// use, file edits, completion). Persisted for the idle monitor and for the
// sandbox events API.
type SandboxEvent struct {
	ID        string
	SandboxID string
	TaskID    string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}
