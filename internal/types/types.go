// Package types holds the shared domain types used across the turn engine:
// chat messages, completion requests/responses, tool calls, pipeline steps,
// and activated lorebook entries. Higher packages depend on types; types
// depends on nothing internal.
package types

import (
	"time"
)

// MessageRole identifies who authored a chat message on the wire.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one role-tagged entry in a completion request.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"arguments"`
}

// FinishReason reports why generation stopped.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishToolUse FinishReason = "tool_use"
	FinishLength  FinishReason = "length"
	FinishError   FinishReason = "error"
)

// CompletionRequest is an immutable request for one generation.
// Cancellation travels on the context.Context passed alongside it.
type CompletionRequest struct {
	Messages    []Message        `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

// CompletionResponse is the final result of one generation.
type CompletionResponse struct {
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
}

// StepRole identifies a pipeline step. Steps run in the order declared here.
type StepRole string

const (
	StepNarrator  StepRole = "narrator"
	StepCharacter StepRole = "character"
	StepExtractor StepRole = "extractor"
)

// PipelineStep binds a role to a backend. Only enabled steps with a
// resolvable backend participate in a turn.
type PipelineStep struct {
	Role      StepRole `yaml:"role" json:"role"`
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	BackendID string   `yaml:"backend" json:"backend"`
}

// EntryCategory classifies a lorebook entry.
type EntryCategory string

const (
	CategoryCharacters EntryCategory = "characters"
	CategoryItems      EntryCategory = "items"
	CategoryGoals      EntryCategory = "goals"
	CategoryLocations  EntryCategory = "locations"
	CategoryOther      EntryCategory = "other"
)

// ActiveEntry is a world-knowledge fact currently relevant to the scene.
// Produced by the activation subsystem, consumed by the world-context
// builder and the prompt builders.
type ActiveEntry struct {
	Category     EntryCategory `json:"category"`
	Name         string        `json:"name"`
	Content      string        `json:"content"`
	States       []string      `json:"states,omitempty"`       // characters
	Location     string        `json:"location,omitempty"`     // items, locations (path)
	Requirements []string      `json:"requirements,omitempty"` // goals
	Completed    bool          `json:"completed,omitempty"`    // goals
}

// ChatMessage is one persisted conversation entry. Source records which
// pipeline role produced it ("narrator", "character", "system") or "player"
// for user input.
type ChatMessage struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Source    string      `json:"source"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}
