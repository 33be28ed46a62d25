package world

import (
	"context"
	"fmt"

	"tavern/internal/logging"
	"tavern/internal/lorebook"
	"tavern/internal/store"
	"tavern/internal/types"
)

// Tools applies extractor tool calls to the lorebook and conversation
// stores.
type Tools struct {
	lorebook      *lorebook.Store
	lorebookID    string
	conversations *store.ConversationStore
}

// NewTools wires the tool applier to its stores.
func NewTools(lb *lorebook.Store, lorebookID string, conversations *store.ConversationStore) *Tools {
	return &Tools{lorebook: lb, lorebookID: lorebookID, conversations: conversations}
}

// Apply runs the calls in order. A call with an unknown name or bad
// arguments is skipped with a log line rather than failing the batch. The
// returned location is the last set_location applied, empty when none.
func (t *Tools) Apply(ctx context.Context, conversationID string, calls []types.ToolCall) (string, error) {
	var newLocation string
	for _, call := range calls {
		if err := t.apply(ctx, conversationID, call, &newLocation); err != nil {
			logging.Activation("tool %s skipped: %v", call.Name, err)
		}
	}
	return newLocation, nil
}

func (t *Tools) apply(ctx context.Context, conversationID string, call types.ToolCall, newLocation *string) error {
	switch call.Name {
	case "add_lore_entry":
		entry := lorebook.Entry{
			LorebookID: t.lorebookID,
			Category:   types.EntryCategory(argString(call, "category")),
			Name:       argString(call, "name"),
			Content:    argString(call, "content"),
			Keywords:   argStrings(call, "keywords"),
		}
		if entry.Name == "" || entry.Content == "" {
			return fmt.Errorf("missing name or content")
		}
		if !validCategory(entry.Category) {
			entry.Category = types.CategoryOther
		}
		if len(entry.Keywords) == 0 {
			entry.Keywords = []string{entry.Name}
		}
		_, err := t.lorebook.Add(ctx, entry)
		return err

	case "update_character_state":
		name := argString(call, "name")
		if name == "" {
			return fmt.Errorf("missing name")
		}
		return t.lorebook.UpdateStates(ctx, t.lorebookID, name, argStrings(call, "states"))

	case "set_location":
		location := argString(call, "location")
		if location == "" {
			return fmt.Errorf("missing location")
		}
		if err := t.conversations.SetLocation(ctx, conversationID, location); err != nil {
			return err
		}
		*newLocation = location
		return nil

	case "complete_goal":
		name := argString(call, "name")
		if name == "" {
			return fmt.Errorf("missing name")
		}
		return t.lorebook.CompleteGoal(ctx, t.lorebookID, name)

	default:
		return fmt.Errorf("unknown tool")
	}
}

func validCategory(c types.EntryCategory) bool {
	switch c {
	case types.CategoryCharacters, types.CategoryItems, types.CategoryGoals,
		types.CategoryLocations, types.CategoryOther:
		return true
	}
	return false
}

func argString(call types.ToolCall, key string) string {
	s, _ := call.Args[key].(string)
	return s
}

func argStrings(call types.ToolCall, key string) []string {
	raw, ok := call.Args[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
