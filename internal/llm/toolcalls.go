package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"tavern/internal/types"
)

// Tool calls embedded in raw generated text are wrapped in delimiter tags:
//
//	[TOOL_CALL]{"name": "set_location", "arguments": {"path": "tavern/cellar"}}[/TOOL_CALL]
//
// The payload is a single JSON object or a JSON array of objects. Objects
// without a name field, and payloads that fail to parse, are dropped
// silently; the delimited span is stripped from the content either way.
const (
	toolCallOpen  = "[TOOL_CALL]"
	toolCallClose = "[/TOOL_CALL]"
)

type embeddedCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"arguments"`
}

// ExtractToolCalls scans text for delimited tool-call spans, returning the
// text with every span removed plus the parsed calls. A malformed span never
// aborts extraction of the surrounding text or of later spans.
func ExtractToolCalls(text string) (string, []types.ToolCall) {
	if !strings.Contains(text, toolCallOpen) {
		return text, nil
	}

	var calls []types.ToolCall
	var out strings.Builder
	rest := text

	for {
		start := strings.Index(rest, toolCallOpen)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], toolCallClose)
		if end < 0 {
			// Unterminated span: keep the text as-is.
			out.WriteString(rest)
			break
		}

		out.WriteString(rest[:start])
		payload := rest[start+len(toolCallOpen) : start+end]
		calls = append(calls, parseToolCallPayload(payload)...)
		rest = rest[start+end+len(toolCallClose):]
	}

	return strings.TrimSpace(out.String()), calls
}

func parseToolCallPayload(payload string) []types.ToolCall {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}

	var raw []embeddedCall
	if strings.HasPrefix(payload, "[") {
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return nil
		}
	} else {
		var one embeddedCall
		if err := json.Unmarshal([]byte(payload), &one); err != nil {
			return nil
		}
		raw = []embeddedCall{one}
	}

	var calls []types.ToolCall
	for _, c := range raw {
		if c.Name == "" {
			continue
		}
		calls = append(calls, types.ToolCall{
			ID:   uuid.NewString(),
			Name: c.Name,
			Args: c.Args,
		})
	}
	return calls
}
