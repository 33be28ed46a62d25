package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tavern/internal/logging"
	"tavern/internal/types"
)

// OpenAIBackend talks to any OpenAI-compatible chat-completions API. Tool
// calls arrive as structured fields, both in unary responses and as indexed
// deltas mid-stream.
type OpenAIBackend struct {
	cfg        BackendConfig
	httpClient *http.Client
}

// NewOpenAIBackend creates a backend for an OpenAI-compatible API.
func NewOpenAIBackend(cfg BackendConfig) *OpenAIBackend {
	return &OpenAIBackend{
		cfg:        cfg,
		httpClient: newHTTPClient(),
	}
}

func (b *OpenAIBackend) Config() BackendConfig { return b.cfg }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		Delta *struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (b *OpenAIBackend) buildRequest(req *types.CompletionRequest, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	var tools []openAITool
	for _, t := range req.Tools {
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return openAIRequest{
		Model:       b.cfg.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Tools:       tools,
		Stream:      stream,
	}
}

// Complete performs one unary chat-completion round trip.
func (b *OpenAIBackend) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	jsonData, err := json.Marshal(b.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.cfg.URL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.authorize(httpReq)

	logging.BackendDebug("openai %s: POST /v1/chat/completions (messages=%d)", b.cfg.ID, len(req.Messages))

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, data)
	}

	var or openAIResponse
	if err := json.Unmarshal(data, &or); err != nil {
		return nil, &BackendError{Kind: ErrKindMalformed, Message: fmt.Sprintf("invalid JSON from backend: %v", err), Err: err}
	}
	if or.Error != nil {
		return nil, &BackendError{Kind: ErrKindServer, Message: or.Error.Message}
	}
	if len(or.Choices) == 0 {
		return nil, &BackendError{Kind: ErrKindMalformed, Message: "no choices in response"}
	}

	choice := or.Choices[0]
	calls := mapToolCalls(choice.Message.ToolCalls)
	return &types.CompletionResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    calls,
		FinishReason: mapFinishReason(choice.FinishReason, len(calls)),
	}, nil
}

// Stream consumes the SSE chat-completion stream, yielding content deltas as
// tokens and accumulating indexed tool-call deltas until the stream ends.
func (b *OpenAIBackend) Stream(ctx context.Context, req *types.CompletionRequest) <-chan StreamChunk {
	if !b.cfg.Streaming {
		return bufferedStream(ctx, b, req)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		jsonData, err := json.Marshal(b.buildRequest(req, true))
		if err != nil {
			out <- StreamChunk{Err: fmt.Errorf("failed to marshal request: %w", err)}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			b.cfg.URL+"/v1/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			out <- StreamChunk{Err: fmt.Errorf("failed to create request: %w", err)}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		b.authorize(httpReq)

		resp, err := b.httpClient.Do(httpReq)
		if err != nil {
			out <- StreamChunk{Err: wrapTransport(err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			out <- StreamChunk{Err: classifyStatus(resp.StatusCode, respBody)}
			return
		}

		var accumulated strings.Builder
		pending := make(map[int]*openAIToolCall)
		finishReason := ""

		scanner := bufio.NewScanner(resp.Body)
		// SSE lines can carry large payloads; the default 64KB limit would
		// abort the stream mid-generation.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var chunk openAIResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue // skip malformed chunks
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta == nil {
				continue
			}

			for _, tc := range choice.Delta.ToolCalls {
				accumulateToolCallDelta(pending, tc)
			}

			if choice.Delta.Content != "" {
				accumulated.WriteString(choice.Delta.Content)
				select {
				case out <- StreamChunk{Token: choice.Delta.Content}:
				case <-ctx.Done():
					out <- StreamChunk{Err: wrapTransport(ctx.Err())}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: wrapTransport(err)}
			return
		}

		calls := flushPendingToolCalls(pending)
		final := &types.CompletionResponse{
			Content:      strings.TrimSpace(accumulated.String()),
			ToolCalls:    calls,
			FinishReason: mapFinishReason(finishReason, len(calls)),
		}
		for i := range final.ToolCalls {
			out <- StreamChunk{Call: &final.ToolCalls[i]}
		}
		out <- StreamChunk{Final: final}
	}()
	return out
}

func (b *OpenAIBackend) authorize(req *http.Request) {
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}

// accumulateToolCallDelta merges one streamed tool-call fragment into the
// per-index accumulator. Names and ids arrive on the first fragment;
// argument JSON arrives split across fragments.
func accumulateToolCallDelta(pending map[int]*openAIToolCall, tc openAIToolCall) {
	existing, ok := pending[tc.Index]
	if !ok {
		cp := tc
		pending[tc.Index] = &cp
		return
	}
	if tc.ID != "" {
		existing.ID = tc.ID
	}
	if tc.Function.Name != "" {
		existing.Function.Name = tc.Function.Name
	}
	existing.Function.Arguments += tc.Function.Arguments
}

func flushPendingToolCalls(pending map[int]*openAIToolCall) []types.ToolCall {
	if len(pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	raw := make([]openAIToolCall, 0, len(pending))
	for _, i := range indexes {
		raw = append(raw, *pending[i])
	}
	return mapToolCalls(raw)
}

// mapToolCalls converts wire tool calls to domain tool calls. Calls with
// unparseable argument JSON are dropped; garbled tool signaling must not
// sink the rest of the response.
func mapToolCalls(raw []openAIToolCall) []types.ToolCall {
	var calls []types.ToolCall
	for _, c := range raw {
		if c.Type != "" && c.Type != "function" {
			continue
		}
		if c.Function.Name == "" {
			continue
		}
		args := map[string]interface{}{}
		if c.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
				continue
			}
		}
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		calls = append(calls, types.ToolCall{ID: id, Name: c.Function.Name, Args: args})
	}
	return calls
}

func mapFinishReason(wire string, toolCalls int) types.FinishReason {
	switch wire {
	case "length":
		return types.FinishLength
	case "tool_calls":
		return types.FinishToolUse
	}
	if toolCalls > 0 {
		return types.FinishToolUse
	}
	return types.FinishStop
}
