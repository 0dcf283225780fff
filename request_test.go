package novaai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server, retry RetryPolicy) *Client {
	t.Helper()
	c, err := New(
		WithAPIKey("test-key"),
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithRetryPolicy(retry),
		WithDefaultTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRequest_RetriesOnServiceUnavailableThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(503)
			_, _ = w.Write([]byte(`{"error":{"message":"unavailable"}}`))
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	policy := DefaultRetryPolicy()
	policy.BackoffFactor = 0
	c := newTestClient(t, srv, policy)

	out, err := c.Post(context.Background(), "ping", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	m, ok := out.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("out = %#v, want {ok:true}", out)
	}
}

func TestRequest_ReturnsErrorAfterExhaustingRetriesOnServiceUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(503)
		_, _ = w.Write([]byte(`{"error":{"message":"down"}}`))
	}))
	defer srv.Close()

	policy := DefaultRetryPolicy()
	policy.BackoffFactor = 0
	c := newTestClient(t, srv, policy)

	_, err := c.Post(context.Background(), "ping", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err type = %T, want *Error", err)
	}
	if apiErr.Kind != KindInternalServer || apiErr.Status != 503 {
		t.Fatalf("err = %+v, want InternalServer/503", apiErr)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3 (N+1 with N=2)", calls)
	}
}

func TestRequest_DoesNotRetryOnBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"error":{"message":"bad"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, DefaultRetryPolicy())
	_, err := c.Post(context.Background(), "ping", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	apiErr := err.(*Error)
	if apiErr.Kind != KindInvalidRequest {
		t.Fatalf("kind = %v, want InvalidRequest", apiErr.Kind)
	}
	if want := "bad"; !contains(apiErr.Message, want) {
		t.Fatalf("message = %q, want to contain %q", apiErr.Message, want)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRequest_ParsesRetryAfterOnRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	policy := DefaultRetryPolicy()
	policy.MaxRetries = 0
	c := newTestClient(t, srv, policy)

	_, err := c.Post(context.Background(), "ping", nil)
	apiErr := err.(*Error)
	if apiErr.Kind != KindRateLimit {
		t.Fatalf("kind = %v, want RateLimit", apiErr.Kind)
	}
	if !apiErr.HasRetryAfter || apiErr.RetryAfterSecs != 7 {
		t.Fatalf("retry-after = %d (has=%v), want 7 (true)", apiErr.RetryAfterSecs, apiErr.HasRetryAfter)
	}
}

func TestStreamSSE_YieldsOneChunkThenStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, DefaultRetryPolicy())
	stream, err := c.StreamSSE(context.Background(), RequestSpec{
		Method: http.MethodPost,
		Path:   "chat/completions",
		Body:   map[string]any{"stream": true},
	})
	if err != nil {
		t.Fatalf("StreamSSE() error = %v", err)
	}
	defer stream.Close()

	chunk, ok, err := stream.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = (%v, %v, %v), want a chunk", chunk, ok, err)
	}
	m := chunk.(map[string]any)
	choices := m["choices"].([]any)
	first := choices[0].(map[string]any)
	delta := first["delta"].(map[string]any)
	if delta["content"] != "Hi" {
		t.Fatalf("content = %v, want Hi", delta["content"])
	}

	_, ok, err = stream.Next()
	if ok || err != nil {
		t.Fatalf("second Next() = (ok=%v, err=%v), want normal termination", ok, err)
	}

	// Re-iterating a consumed stream raises StreamConsumed.
	_, _, err = stream.Next()
	if apiErr, ok := err.(*Error); !ok || apiErr.Kind != KindStreamConsumed {
		t.Fatalf("third Next() err = %v, want StreamConsumed", err)
	}
}

func TestRequestMultipart_UploadsFile(t *testing.T) {
	var gotContentType, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm error = %v", err)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile error = %v", err)
		} else {
			defer file.Close()
			if header.Filename != "a.png" {
				t.Errorf("filename = %q, want a.png", header.Filename)
			}
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"id":"u1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, DefaultRetryPolicy())
	content := bytesReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	out, err := c.RequestMultipart(context.Background(), RequestSpec{Method: http.MethodPost, Path: "images/upscale"},
		[]MultipartFile{{FieldName: "image", FileName: "a.png", ContentType: "image/png", Content: content}}, nil)
	if err != nil {
		t.Fatalf("RequestMultipart() error = %v", err)
	}
	if !contains(gotContentType, "multipart/form-data") {
		t.Fatalf("content-type = %q, want multipart/form-data", gotContentType)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("authorization = %q, want Bearer test-key", gotAuth)
	}
	m := out.(map[string]any)
	if m["id"] != "u1" {
		t.Fatalf("id = %v, want u1", m["id"])
	}
}

func TestClient_Close_Idempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()
	c := newTestClient(t, srv, DefaultRetryPolicy())
	for i := 0; i < 3; i++ {
		if err := c.Close(); err != nil {
			t.Fatalf("Close() #%d error = %v", i, err)
		}
	}
}

func TestClient_ExternalHTTPClient_NotOwned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()
	hc := srv.Client()
	c, err := New(WithAPIKey("k"), WithBaseURL(srv.URL), WithHTTPClient(hc))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.shouldClose {
		t.Fatalf("shouldClose = true, want false for an externally supplied client")
	}
}

func TestRequestAsync_DeliversResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()
	c := newTestClient(t, srv, DefaultRetryPolicy())

	ch := c.RequestAsync(context.Background(), RequestSpec{Method: http.MethodGet, Path: "ping"})
	res := <-ch
	if res.Err != nil {
		t.Fatalf("async error = %v", res.Err)
	}
	m := res.Value.(map[string]any)
	if m["ok"] != true {
		t.Fatalf("value = %#v, want ok:true", res.Value)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (s == sub || len(sub) == 0 || indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

type byteReader struct {
	b []byte
	i int
}

func bytesReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, ioEOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

var ioEOF = io.EOF

type errEOF struct{}

func (errEOF) Error() string { return "EOF" }
