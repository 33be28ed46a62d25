package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tavern/internal/logging"
	"tavern/internal/types"
)

// KoboldBackend talks to a local inference server exposing a KoboldCpp-style
// text-completion API. It has no native chat format: the message sequence is
// flattened into one prompt under fixed role headers. Tool calls come back
// embedded in the generated text as delimited spans.
type KoboldBackend struct {
	cfg        BackendConfig
	httpClient *http.Client
}

// NewKoboldBackend creates a backend for a local inference server.
func NewKoboldBackend(cfg BackendConfig) *KoboldBackend {
	return &KoboldBackend{
		cfg:        cfg,
		httpClient: newHTTPClient(),
	}
}

func (b *KoboldBackend) Config() BackendConfig { return b.cfg }

type koboldRequest struct {
	Prompt       string   `json:"prompt"`
	MaxLength    int      `json:"max_length,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	StopSequence []string `json:"stop_sequence,omitempty"`
}

type koboldResponse struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

type koboldStreamEvent struct {
	Token string `json:"token"`
}

// FlattenMessages concatenates role-tagged messages into a single prompt:
// each message under its role header, followed by an open assistant header
// to prime generation.
func FlattenMessages(messages []types.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			sb.WriteString("### System:\n")
		case types.RoleAssistant:
			sb.WriteString("### Assistant:\n")
		default:
			sb.WriteString("### User:\n")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("### Assistant:\n")
	return sb.String()
}

// Complete performs one unary generation round trip.
func (b *KoboldBackend) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	body := koboldRequest{
		Prompt:       FlattenMessages(req.Messages),
		MaxLength:    req.MaxTokens,
		Temperature:  req.Temperature,
		StopSequence: req.Stop,
	}

	data, err := b.post(ctx, "/api/v1/generate", body)
	if err != nil {
		return nil, err
	}

	var kr koboldResponse
	if err := json.Unmarshal(data, &kr); err != nil {
		return nil, &BackendError{Kind: ErrKindMalformed, Message: fmt.Sprintf("invalid JSON from backend: %v", err), Err: err}
	}
	if len(kr.Results) == 0 {
		return nil, &BackendError{Kind: ErrKindMalformed, Message: "empty results array"}
	}

	return finishKoboldResponse(kr.Results[0].Text), nil
}

// finishKoboldResponse strips embedded tool-call spans and builds the final
// response. Finish reason is tool-use when any call was extracted.
func finishKoboldResponse(raw string) *types.CompletionResponse {
	content, calls := ExtractToolCalls(raw)
	reason := types.FinishStop
	if len(calls) > 0 {
		reason = types.FinishToolUse
	}
	return &types.CompletionResponse{
		Content:      strings.TrimSpace(content),
		ToolCalls:    calls,
		FinishReason: reason,
	}
}

// Stream consumes the server-sent token stream. Each SSE line carries a JSON
// payload with one incremental token; malformed lines are skipped without
// terminating the stream.
func (b *KoboldBackend) Stream(ctx context.Context, req *types.CompletionRequest) <-chan StreamChunk {
	if !b.cfg.Streaming {
		return bufferedStream(ctx, b, req)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		body := koboldRequest{
			Prompt:       FlattenMessages(req.Messages),
			MaxLength:    req.MaxTokens,
			Temperature:  req.Temperature,
			StopSequence: req.Stop,
		}
		jsonData, err := json.Marshal(body)
		if err != nil {
			out <- StreamChunk{Err: fmt.Errorf("failed to marshal request: %w", err)}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			b.cfg.URL+"/api/extras/generate/stream", bytes.NewReader(jsonData))
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
		scanner := bufio.NewScanner(resp.Body)
		// SSE lines can carry large payloads; the default 64KB limit would
		// abort the stream mid-generation.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				out <- StreamChunk{Err: wrapTransport(ctx.Err())}
				return
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var ev koboldStreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue // skip malformed chunks
			}
			if ev.Token == "" {
				continue
			}
			accumulated.WriteString(ev.Token)
			select {
			case out <- StreamChunk{Token: ev.Token}:
			case <-ctx.Done():
				out <- StreamChunk{Err: wrapTransport(ctx.Err())}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: wrapTransport(err)}
			return
		}

		final := finishKoboldResponse(accumulated.String())
		for i := range final.ToolCalls {
			out <- StreamChunk{Call: &final.ToolCalls[i]}
		}
		out <- StreamChunk{Final: final}
	}()
	return out
}

func (b *KoboldBackend) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	logging.BackendDebug("kobold %s: POST %s (prompt bytes=%d)", b.cfg.ID, path, len(jsonData))

	resp, err := b.httpClient.Do(req)
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
	return data, nil
}

func (b *KoboldBackend) authorize(req *http.Request) {
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}
