// Package chat is a minimal worked example of a domain wrapper over the
// novaai core, demonstrating that Request and StreamSSE are sufficient to
// build a real endpoint without any core changes.
package chat

import (
	"context"
	"net/http"

	"github.com/novacore/novaai-go"
)

// Message is the wire shape of one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the request body for a chat completion call.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

// Delta is one SSE chunk's incremental content, mirroring the shape a
// streaming chat completion yields.
type Delta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete performs a non-streaming chat completion.
func Complete(ctx context.Context, c *novaai.Client, req CompletionRequest) (map[string]any, error) {
	req.Stream = false
	out, err := c.Request(ctx, novaai.RequestSpec{
		Method: http.MethodPost,
		Path:   "chat/completions",
		Body:   req,
		Decode: novaai.DecodeJSON,
	})
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

// CompleteStream performs a streaming chat completion, returning the live
// SSE stream for the caller to iterate with NextInto.
func CompleteStream(ctx context.Context, c *novaai.Client, req CompletionRequest) (*novaai.SSEStream, error) {
	req.Stream = true
	return c.StreamSSE(ctx, novaai.RequestSpec{
		Method: http.MethodPost,
		Path:   "chat/completions",
		Body:   req,
		Decode: novaai.DecodeSSEStream,
	})
}
