// Package llm implements the generation backends: the capability contract
// every backend variant satisfies, the per-backend admission semaphore, and
// the process-wide registry mapping backend ids to adapter instances.
package llm

import (
	"context"
	"net/http"
	"time"

	"tavern/internal/types"
)

// Variant selects the wire protocol a backend speaks.
type Variant string

const (
	// VariantKobold is a local inference server with a text-completion API
	// (KoboldCpp-style /api/v1/generate).
	VariantKobold Variant = "kobold"
	// VariantOpenAI is any OpenAI-compatible chat-completions API.
	VariantOpenAI Variant = "openai"
)

// BackendConfig describes one configured backend. Immutable after registry
// construction.
type BackendConfig struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Variant       Variant `yaml:"variant"`
	URL           string  `yaml:"url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Streaming     bool    `yaml:"streaming"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// StreamChunk is one element of a streaming generation. Exactly one of
// Token, Call, or the terminal pair (Final, Err) is set. The terminal chunk
// is always last; after it the channel closes.
type StreamChunk struct {
	Token string
	Call  *types.ToolCall
	Final *types.CompletionResponse
	Err   error
}

// Terminal reports whether this chunk ends the stream.
func (c StreamChunk) Terminal() bool { return c.Final != nil || c.Err != nil }

// Backend is the capability contract shared by every variant. Stream is
// always available; variants without native streaming degrade to a single
// buffered yield of the unary completion.
type Backend interface {
	Config() BackendConfig
	Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
	Stream(ctx context.Context, req *types.CompletionRequest) <-chan StreamChunk
}

const defaultTimeout = 120 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// bufferedStream adapts a unary completion into the streaming contract:
// one token carrying the whole content, then the terminal chunk.
func bufferedStream(ctx context.Context, b Backend, req *types.CompletionRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 4)
	go func() {
		defer close(out)
		resp, err := b.Complete(ctx, req)
		if err != nil {
			out <- StreamChunk{Err: err}
			return
		}
		if resp.Content != "" {
			out <- StreamChunk{Token: resp.Content}
		}
		for i := range resp.ToolCalls {
			out <- StreamChunk{Call: &resp.ToolCalls[i]}
		}
		out <- StreamChunk{Final: resp}
	}()
	return out
}
