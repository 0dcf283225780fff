package chat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/novacore/novaai-go"
	"github.com/novacore/novaai-go/chat"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chat.CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body.Stream {
			t.Fatalf("Complete must force stream=false")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "c1", "model": body.Model})
	}))
	defer srv.Close()

	c, err := novaai.New(novaai.WithAPIKey("k"), novaai.WithBaseURL(srv.URL), novaai.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("novaai.New() error = %v", err)
	}
	defer c.Close()

	out, err := chat.Complete(context.Background(), c, chat.CompletionRequest{
		Model:    "nova-large",
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out["id"] != "c1" {
		t.Fatalf("out = %#v, want id=c1", out)
	}
}

func TestCompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c, err := novaai.New(novaai.WithAPIKey("k"), novaai.WithBaseURL(srv.URL), novaai.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("novaai.New() error = %v", err)
	}
	defer c.Close()

	stream, err := chat.CompleteStream(context.Background(), c, chat.CompletionRequest{
		Model:    "nova-large",
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}
	defer stream.Close()

	var delta chat.Delta
	ok, err := stream.NextInto(&delta)
	if err != nil || !ok {
		t.Fatalf("NextInto() = (%v, %v), want a chunk", ok, err)
	}
	if len(delta.Choices) != 1 || delta.Choices[0].Delta.Content != "hi" {
		t.Fatalf("delta = %+v, want content=hi", delta)
	}
}
