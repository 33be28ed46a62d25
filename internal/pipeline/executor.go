package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tavern/internal/config"
	"tavern/internal/llm"
	"tavern/internal/logging"
	"tavern/internal/lorebook"
	"tavern/internal/prompt"
	"tavern/internal/store"
	"tavern/internal/types"
	"tavern/internal/world"
)

// relevanceWindow is how many trailing history messages feed the
// activation lookup.
const relevanceWindow = 20

// ConversationStore is the slice of the conversation store the executor
// needs.
type ConversationStore interface {
	Load(ctx context.Context, id string) (*store.Conversation, error)
	Append(ctx context.Context, conversationID string, msg types.ChatMessage) error
}

// Activator looks up the world facts relevant to a turn.
type Activator interface {
	FindActiveEntries(ctx context.Context, lorebookID string, q lorebook.Query) ([]types.ActiveEntry, error)
}

// SettingsSource supplies generation settings, read once per step.
type SettingsSource interface {
	GenerationSettings() config.Settings
}

// WorldTools applies the extractor's tool calls to the world state. A new
// location, when one was set, comes back so the turn result can carry it.
type WorldTools interface {
	Apply(ctx context.Context, conversationID string, calls []types.ToolCall) (newLocation string, err error)
}

// Executor runs turns. One executor serves any number of conversations.
type Executor struct {
	registry   *llm.Registry
	steps      []types.PipelineStep
	store      ConversationStore
	activator  Activator
	settings   SettingsSource
	tools      WorldTools
	sink       Sink
	lorebookID string

	background sync.WaitGroup
}

// Options configures an Executor.
type Options struct {
	Registry   *llm.Registry
	Steps      []types.PipelineStep
	Store      ConversationStore
	Activator  Activator
	Settings   SettingsSource
	Tools      WorldTools
	Sink       Sink
	LorebookID string
}

// NewExecutor builds an executor. A nil Sink discards events.
func NewExecutor(opts Options) *Executor {
	sink := opts.Sink
	if sink == nil {
		sink = NopSink
	}
	return &Executor{
		registry:   opts.Registry,
		steps:      opts.Steps,
		store:      opts.Store,
		activator:  opts.Activator,
		settings:   opts.Settings,
		tools:      opts.Tools,
		sink:       sink,
		lorebookID: opts.LorebookID,
	}
}

// WaitBackground blocks until detached extractor runs have finished. Call
// on shutdown.
func (e *Executor) WaitBackground() {
	e.background.Wait()
}

// RunTurn executes one turn for the conversation. A missing conversation
// is fatal; step failures are isolated and the turn still completes.
func (e *Executor) RunTurn(ctx context.Context, conversationID, userText string) (*TurnResult, error) {
	conv, err := e.store.Load(ctx, conversationID)
	if err != nil {
		err = fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
		e.sink.Emit(Event{Type: EventPipelineError, Err: err})
		return nil, err
	}

	logging.Pipeline("turn start: conversation=%s", conversationID)

	active, worldContext := e.buildWorld(ctx, conv, userText)

	userMsg := types.ChatMessage{
		ID:        uuid.NewString(),
		Role:      types.RoleUser,
		Source:    "player",
		Content:   userText,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Append(ctx, conversationID, userMsg); err != nil {
		err = fmt.Errorf("failed to persist user message: %w", err)
		e.sink.Emit(Event{Type: EventPipelineError, Err: err})
		return nil, err
	}

	result := &TurnResult{Messages: []types.ChatMessage{userMsg}}

	var narratorOut, characterOut string
	for _, step := range e.enabledSteps() {
		switch step.Role {
		case types.StepNarrator:
			msgs := prompt.Narrator(worldContext, conv.Messages, userText)
			if out, ok := e.runGeneration(ctx, conversationID, step, msgs, result); ok {
				narratorOut = out
			}
		case types.StepCharacter:
			roster := world.Characters(active)
			if len(roster) == 0 {
				// No one to speak. Keep step accounting consistent
				// downstream without touching a backend or the store.
				e.sink.Emit(Event{Type: EventStepComplete, Role: step.Role, Message: &types.ChatMessage{
					Role:   types.RoleAssistant,
					Source: string(step.Role),
				}})
				logging.Pipeline("character step skipped: no characters active")
				continue
			}
			msgs := prompt.Character(worldContext, roster, conv.Messages, userText, narratorOut)
			if out, ok := e.runGeneration(ctx, conversationID, step, msgs, result); ok {
				characterOut = out
			}
		}
	}

	e.scheduleExtractor(ctx, conversationID, worldContext, userText, narratorOut, characterOut, result)

	e.sink.Emit(Event{Type: EventPipelineComplete, Result: result})
	logging.Pipeline("turn complete: conversation=%s messages=%d", conversationID, len(result.Messages))
	return result, nil
}

// buildWorld runs the activation lookup and renders the world context.
// Activation failures degrade to an empty world rather than failing the
// turn.
func (e *Executor) buildWorld(ctx context.Context, conv *store.Conversation, userText string) ([]types.ActiveEntry, string) {
	if e.activator == nil || e.lorebookID == "" {
		return nil, ""
	}

	history := conv.Messages
	if len(history) > relevanceWindow {
		history = history[len(history)-relevanceWindow:]
	}
	var text strings.Builder
	for _, m := range history {
		text.WriteString(m.Content)
		text.WriteString("\n")
	}
	text.WriteString(userText)

	active, err := e.activator.FindActiveEntries(ctx, e.lorebookID, lorebook.Query{
		Text:            text.String(),
		CurrentLocation: conv.Metadata.CurrentLocation,
		Traits:          conv.Metadata.Traits,
	})
	if err != nil {
		logging.Pipeline("activation lookup failed: %v", err)
		return nil, ""
	}
	return active, world.BuildContext(active, world.State{
		CurrentLocation: conv.Metadata.CurrentLocation,
		Traits:          conv.Metadata.Traits,
	})
}

// enabledSteps returns the enabled narrator and character steps in role
// order. The extractor is scheduled separately.
func (e *Executor) enabledSteps() []types.PipelineStep {
	var steps []types.PipelineStep
	for _, role := range []types.StepRole{types.StepNarrator, types.StepCharacter} {
		for _, s := range e.steps {
			if s.Role == role && s.Enabled {
				steps = append(steps, s)
			}
		}
	}
	return steps
}

func (e *Executor) extractorStep() (types.PipelineStep, bool) {
	for _, s := range e.steps {
		if s.Role == types.StepExtractor && s.Enabled {
			return s, true
		}
	}
	return types.PipelineStep{}, false
}

// runGeneration runs one narrator or character generation under the
// backend's admission slot. On success the message is persisted and added
// to the result; on failure a system message embedding the error is
// persisted instead and the turn continues. The bool reports success.
func (e *Executor) runGeneration(ctx context.Context, conversationID string, step types.PipelineStep, msgs []types.Message, result *TurnResult) (string, bool) {
	content, _, err := e.invoke(ctx, step, msgs, nil, true)
	if err != nil {
		e.failStep(ctx, conversationID, step.Role, err, result)
		return "", false
	}
	if content == "" {
		logging.Pipeline("%s step produced empty content", step.Role)
		return "", false
	}

	msg := types.ChatMessage{
		ID:        uuid.NewString(),
		Role:      types.RoleAssistant,
		Source:    string(step.Role),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Append(ctx, conversationID, msg); err != nil {
		e.failStep(ctx, conversationID, step.Role, fmt.Errorf("failed to persist %s message: %w", step.Role, err), result)
		return "", false
	}
	result.Messages = append(result.Messages, msg)
	e.sink.Emit(Event{Type: EventStepComplete, Role: step.Role, Message: &msg})
	return content, true
}

// invoke resolves the step's backend, acquires its admission slot, and
// runs the generation, streaming when the backend declares support. The
// slot is released on every exit path.
func (e *Executor) invoke(ctx context.Context, step types.PipelineStep, msgs []types.Message, tools []types.ToolDefinition, emitTokens bool) (string, []types.ToolCall, error) {
	backend, ok := e.registry.Get(step.BackendID)
	if !ok {
		return "", nil, fmt.Errorf("no backend %q for %s step", step.BackendID, step.Role)
	}
	sem, ok := e.registry.Controller(step.BackendID)
	if !ok {
		return "", nil, fmt.Errorf("no admission controller for backend %q", step.BackendID)
	}

	e.sink.Emit(Event{Type: EventStepStart, Role: step.Role})

	if err := sem.Acquire(ctx); err != nil {
		return "", nil, err
	}
	defer sem.Release()

	settings := e.settings.GenerationSettings()
	req := &types.CompletionRequest{
		Messages:    msgs,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		Tools:       tools,
	}

	if backend.Config().Streaming {
		return e.consumeStream(ctx, backend, req, step.Role, emitTokens)
	}
	resp, err := backend.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return resp.Content, resp.ToolCalls, nil
}

// consumeStream drains the backend's chunk channel, emitting step_token
// per fragment. On an error chunk the partial content is discarded.
func (e *Executor) consumeStream(ctx context.Context, backend llm.Backend, req *types.CompletionRequest, role types.StepRole, emitTokens bool) (string, []types.ToolCall, error) {
	var content strings.Builder
	var calls []types.ToolCall
	for chunk := range backend.Stream(ctx, req) {
		switch {
		case chunk.Err != nil:
			return "", nil, chunk.Err
		case chunk.Final != nil:
			calls = append(calls, chunk.Final.ToolCalls...)
			if content.Len() == 0 {
				return chunk.Final.Content, dedupeCalls(calls), nil
			}
			return content.String(), dedupeCalls(calls), nil
		case chunk.Call != nil:
			calls = append(calls, *chunk.Call)
		default:
			content.WriteString(chunk.Token)
			if emitTokens {
				e.sink.Emit(Event{Type: EventStepToken, Role: role, Token: chunk.Token})
			}
		}
	}
	return "", nil, fmt.Errorf("stream for %s step closed without a final chunk", role)
}

// dedupeCalls drops tool calls already seen by id. Backends may surface a
// call both as an incremental chunk and inside the final response.
func dedupeCalls(calls []types.ToolCall) []types.ToolCall {
	seen := make(map[string]bool, len(calls))
	var out []types.ToolCall
	for _, c := range calls {
		if c.ID != "" && seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// failStep records a step failure: event, synthesized system message,
// result entry. The turn continues.
func (e *Executor) failStep(ctx context.Context, conversationID string, role types.StepRole, stepErr error, result *TurnResult) {
	logging.Pipeline("%s step failed (%s): %v", role, llm.Kind(stepErr), stepErr)
	e.sink.Emit(Event{Type: EventPipelineError, Role: role, Err: stepErr})

	msg := types.ChatMessage{
		ID:        uuid.NewString(),
		Role:      types.RoleSystem,
		Source:    "system",
		Content:   fmt.Sprintf("[%s error: %v]", role, stepErr),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Append(ctx, conversationID, msg); err != nil {
		logging.Pipeline("failed to persist %s error message: %v", role, err)
	}
	result.Messages = append(result.Messages, msg)
}

// scheduleExtractor runs the extractor step, detached when it has a
// backend of its own and synchronously otherwise. Extractor failures only
// surface as extractor_background events.
func (e *Executor) scheduleExtractor(ctx context.Context, conversationID, worldContext, userText, narratorOut, characterOut string, result *TurnResult) {
	step, ok := e.extractorStep()
	if !ok || e.lorebookID == "" || e.tools == nil {
		return
	}

	if e.runsDetached(step) {
		e.sink.Emit(Event{Type: EventExtractorBackground, Role: step.Role, Status: "scheduled"})
		e.background.Add(1)
		// Detached runs outlive the turn's cancellation.
		bg := context.WithoutCancel(ctx)
		go func() {
			defer e.background.Done()
			e.runExtractor(bg, step, conversationID, worldContext, userText, narratorOut, characterOut, nil)
		}()
		return
	}
	e.runExtractor(ctx, step, conversationID, worldContext, userText, narratorOut, characterOut, result)
}

// runsDetached reports whether the extractor's backend is disjoint from
// every other enabled step's backend. With nothing else enabled there is
// no latency to save, so it runs synchronously.
func (e *Executor) runsDetached(extractor types.PipelineStep) bool {
	others := make(map[string]bool)
	for _, s := range e.enabledSteps() {
		others[s.BackendID] = true
	}
	return len(others) > 0 && !others[extractor.BackendID]
}

func (e *Executor) runExtractor(ctx context.Context, step types.PipelineStep, conversationID, worldContext, userText, narratorOut, characterOut string, result *TurnResult) {
	msgs := prompt.Extractor(worldContext, userText, narratorOut, characterOut)

	_, calls, err := e.invoke(ctx, step, msgs, prompt.ExtractorTools(), false)
	if err != nil {
		logging.Pipeline("extractor failed: %v", err)
		e.sink.Emit(Event{Type: EventExtractorBackground, Role: step.Role, Status: "failed", Err: err})
		return
	}

	if len(calls) == 0 {
		e.sink.Emit(Event{Type: EventExtractorBackground, Role: step.Role, Status: "completed"})
		return
	}

	newLocation, err := e.tools.Apply(ctx, conversationID, calls)
	if err != nil {
		logging.Pipeline("extractor tool application failed: %v", err)
		e.sink.Emit(Event{Type: EventExtractorBackground, Role: step.Role, Status: "failed", Err: err})
		return
	}
	if result != nil {
		result.NewLocation = newLocation
	}
	e.sink.Emit(Event{Type: EventExtractorBackground, Role: step.Role, Status: "completed"})
	logging.Pipeline("extractor applied %d tool calls", len(calls))
}
