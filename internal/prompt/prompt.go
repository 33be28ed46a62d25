// Package prompt builds the role-specific message sequences sent to the
// backends. Builders are pure: world context, history, and the pending user
// action in, messages out.
package prompt

import (
	"fmt"
	"strings"

	"tavern/internal/types"
)

const (
	narratorHistoryWindow  = 20
	characterHistoryWindow = 10
)

const narratorSystem = `You are the narrator of an interactive adventure. Describe the world and the consequences of the player's actions in vivid second-person prose. Never speak for the player. Keep each response to a few paragraphs.`

const characterSystem = `You voice the non-player characters in an interactive adventure. Respond in dialogue as the characters present in the scene, staying true to their descriptions and states. Never narrate the world and never speak for the player.`

const extractorSystem = `You maintain the world state of an interactive adventure. Read the latest exchange and record what changed using the available tools. Only record concrete changes: new facts worth remembering, character state changes, location changes, and completed goals. If nothing changed, do nothing.`

// Narrator builds the narrator step's messages: system instruction, world
// context, recent history, and the pending user action.
func Narrator(worldContext string, history []types.ChatMessage, userText string) []types.Message {
	msgs := []types.Message{{Role: types.RoleSystem, Content: narratorSystem}}
	if worldContext != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: worldContext})
	}
	msgs = append(msgs, replay(history, narratorHistoryWindow)...)
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: userText})
	return msgs
}

// Character builds the character-dialog step's messages. The narrator's
// output for this turn, when present, rides along as bracketed context on
// the user message so the dialogue can react to it.
func Character(worldContext string, roster []string, history []types.ChatMessage, userText, narratorOutput string) []types.Message {
	system := characterSystem
	if len(roster) > 0 {
		system += "\n\nCharacters present: " + strings.Join(roster, ", ")
	}

	msgs := []types.Message{{Role: types.RoleSystem, Content: system}}
	if worldContext != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: worldContext})
	}
	msgs = append(msgs, replay(history, characterHistoryWindow)...)

	user := userText
	if narratorOutput != "" {
		user = fmt.Sprintf("%s\n\n[Narration: %s]", userText, narratorOutput)
	}
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: user})
	return msgs
}

// Extractor builds the world-state extraction messages from this turn's
// exchange only.
func Extractor(worldContext, userText, narratorOutput, characterOutput string) []types.Message {
	msgs := []types.Message{{Role: types.RoleSystem, Content: extractorSystem}}
	if worldContext != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: worldContext})
	}

	var exchange strings.Builder
	fmt.Fprintf(&exchange, "Player: %s\n", userText)
	if narratorOutput != "" {
		fmt.Fprintf(&exchange, "Narrator: %s\n", narratorOutput)
	}
	if characterOutput != "" {
		fmt.Fprintf(&exchange, "Characters: %s\n", characterOutput)
	}
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: exchange.String()})
	return msgs
}

// ExtractorTools declares the world-mutation tools offered to the
// extractor backend.
func ExtractorTools() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        "add_lore_entry",
			Description: "Record a new world fact worth remembering.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"category": map[string]interface{}{
						"type": "string",
						"enum": []string{"characters", "items", "goals", "locations", "other"},
					},
					"name":     map[string]interface{}{"type": "string"},
					"content":  map[string]interface{}{"type": "string"},
					"keywords": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required": []string{"category", "name", "content"},
			},
		},
		{
			Name:        "update_character_state",
			Description: "Replace a character's state annotations.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":   map[string]interface{}{"type": "string"},
					"states": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required": []string{"name", "states"},
			},
		},
		{
			Name:        "set_location",
			Description: "Record that the player moved to a new location path.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"location": map[string]interface{}{"type": "string"},
				},
				"required": []string{"location"},
			},
		},
		{
			Name:        "complete_goal",
			Description: "Mark an open goal as completed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{"type": "string"},
				},
				"required": []string{"name"},
			},
		},
	}
}

// replay converts the newest window of stored history into backend
// messages. System messages (synthesized error records) are excluded.
func replay(history []types.ChatMessage, window int) []types.Message {
	var turns []types.Message
	for _, m := range history {
		if m.Role == types.RoleSystem {
			continue
		}
		turns = append(turns, types.Message{Role: m.Role, Content: m.Content})
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	return turns
}
