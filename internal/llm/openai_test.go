package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tavern/internal/types"
)

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}
		if req.Model != "gpt-local" {
			t.Errorf("Expected model gpt-local, got %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("Messages not forwarded in order: %+v", req.Messages)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"It is dark."},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend(BackendConfig{ID: "api", URL: srv.URL, APIKey: "sk-test", Model: "gpt-local"})
	resp, err := b.Complete(context.Background(), &types.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "narrate"},
			{Role: types.RoleUser, Content: "look"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "It is dark." {
		t.Errorf("Expected 'It is dark.', got %q", resp.Content)
	}
	if resp.FinishReason != types.FinishStop {
		t.Errorf("Expected stop, got %s", resp.FinishReason)
	}
}

func TestOpenAICompleteStructuredToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"call_1","type":"function","function":{"name":"set_location","arguments":"{\"path\":\"cellar\"}"}}]},
			"finish_reason":"tool_calls"}]}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend(BackendConfig{ID: "api", URL: srv.URL})
	resp, err := b.Complete(context.Background(), &types.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "set_location" || tc.Args["path"] != "cellar" {
		t.Errorf("Unexpected tool call: %+v", tc)
	}
	if resp.FinishReason != types.FinishToolUse {
		t.Errorf("Expected tool_use, got %s", resp.FinishReason)
	}
}

func TestOpenAIRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend(BackendConfig{ID: "api", URL: srv.URL})
	_, err := b.Complete(context.Background(), &types.CompletionRequest{})
	if err == nil {
		t.Fatal("Expected an error")
	}
	if Kind(err) != ErrKindRateLimit {
		t.Errorf("Expected rate-limit, got %s", Kind(err))
	}
}

func TestOpenAIStreamTokensAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"It is \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"dark.\"}}]}\n\n")
		// Tool call split across two deltas.
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_9\",\"type\":\"function\",\"function\":{\"name\":\"complete_goal\",\"arguments\":\"{\\\"goal\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"find_key\\\"}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b := NewOpenAIBackend(BackendConfig{ID: "api", URL: srv.URL, Streaming: true})

	var tokens []string
	var calls []types.ToolCall
	var final *types.CompletionResponse
	for chunk := range b.Stream(context.Background(), &types.CompletionRequest{}) {
		if chunk.Err != nil {
			t.Fatalf("Stream error: %v", chunk.Err)
		}
		if chunk.Token != "" {
			tokens = append(tokens, chunk.Token)
		}
		if chunk.Call != nil {
			calls = append(calls, *chunk.Call)
		}
		if chunk.Final != nil {
			final = chunk.Final
		}
	}

	if strings.Join(tokens, "") != "It is dark." {
		t.Errorf("Expected accumulated tokens 'It is dark.', got %q", strings.Join(tokens, ""))
	}
	if len(calls) != 1 || calls[0].Name != "complete_goal" {
		t.Fatalf("Expected one complete_goal call, got %v", calls)
	}
	if calls[0].Args["goal"] != "find_key" {
		t.Errorf("Arguments not reassembled across deltas: %v", calls[0].Args)
	}
	if final == nil || final.Content != "It is dark." {
		t.Fatalf("Bad terminal response: %+v", final)
	}
	if final.FinishReason != types.FinishToolUse {
		t.Errorf("Expected tool_use, got %s", final.FinishReason)
	}
}

func TestOpenAIStreamSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ping\n\n")
		fmt.Fprint(w, "data: {broken json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b := NewOpenAIBackend(BackendConfig{ID: "api", URL: srv.URL, Streaming: true})

	var final *types.CompletionResponse
	for chunk := range b.Stream(context.Background(), &types.CompletionRequest{}) {
		if chunk.Err != nil {
			t.Fatalf("Malformed lines must not terminate the stream: %v", chunk.Err)
		}
		if chunk.Final != nil {
			final = chunk.Final
		}
	}
	if final == nil || final.Content != "ok" {
		t.Fatalf("Expected content 'ok', got %+v", final)
	}
}

func TestOpenAIStreamHandlesOversizedDeltaLine(t *testing.T) {
	// One delta far past bufio.Scanner's default 64KB line limit.
	bigContent := strings.Repeat("lorem ipsum ", 8000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"delta": map[string]string{"content": bigContent}},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b := NewOpenAIBackend(BackendConfig{ID: "api", URL: srv.URL, Streaming: true})

	var final *types.CompletionResponse
	for chunk := range b.Stream(context.Background(), &types.CompletionRequest{}) {
		if chunk.Err != nil {
			t.Fatalf("Stream error on oversized line: %v", chunk.Err)
		}
		if chunk.Final != nil {
			final = chunk.Final
		}
	}
	if final == nil {
		t.Fatal("Stream ended without a terminal response")
	}
	if final.Content != bigContent {
		t.Errorf("Oversized delta not delivered intact (got %d bytes, want %d)",
			len(final.Content), len(bigContent))
	}
}
