// Package pipeline runs one adventure turn: activation lookup, world
// context, then the narrator, character, and extractor steps against their
// admission-controlled backends, with per-step failure isolation.
package pipeline

import (
	"tavern/internal/types"
)

// EventType tags a pipeline event.
type EventType string

const (
	EventStepStart           EventType = "step_start"
	EventStepToken           EventType = "step_token"
	EventStepComplete        EventType = "step_complete"
	EventPipelineError       EventType = "pipeline_error"
	EventExtractorBackground EventType = "extractor_background"
	EventPipelineComplete    EventType = "pipeline_complete"
)

// Event is the sole observable progress feed for a turn. Fields are set
// per type: Token on step_token, Message on step_complete, Err on
// pipeline_error, Status on extractor_background, Result on
// pipeline_complete.
type Event struct {
	Type    EventType
	Role    types.StepRole
	Token   string
	Message *types.ChatMessage
	Err     error
	Status  string
	Result  *TurnResult
}

// Sink receives events synchronously at the point of occurrence.
// Implementations must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards events.
var NopSink Sink = SinkFunc(func(Event) {})

// TurnResult is what a completed turn hands back: every message the turn
// produced, in order, plus any location change the extractor recorded.
type TurnResult struct {
	Messages    []types.ChatMessage
	NewLocation string
}
