package novaai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// StreamState is the lifecycle sum type shared by the SSE and raw streaming
// engines.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamConsumed
	StreamClosed
	StreamFailed
)

// doneSentinel is the SSE termination marker.
const doneSentinel = "data: [DONE]"

// idleWatchdog cancels a stream's request context after a period of read
// inactivity rather than after a fixed total duration, mirroring how
// httpx/requests treat a "read timeout" as inter-chunk silence instead of an
// absolute cap on the whole response body. reset is called after every
// line (SSE) or chunk (raw) read from the body, so a connection that keeps
// sending data stays alive indefinitely; one that goes quiet for longer
// than timeout gets its context canceled.
type idleWatchdog struct {
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer

	mu    sync.Mutex
	fired bool
}

func newIdleWatchdog(ctx context.Context, timeout time.Duration) (context.Context, *idleWatchdog) {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &idleWatchdog{timeout: timeout, cancel: cancel}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.fired = true
		w.mu.Unlock()
		cancel()
	})
	return watchCtx, w
}

func (w *idleWatchdog) reset() {
	if w == nil {
		return
	}
	w.timer.Reset(w.timeout)
}

// stop releases the timer and cancels the context; safe to call more than
// once and safe to call after the timer has already fired.
func (w *idleWatchdog) stop() {
	if w == nil {
		return
	}
	w.timer.Stop()
	w.cancel()
}

func (w *idleWatchdog) timedOut() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// SSEStream iterates a line-delimited server-sent-events response,
// decoding each `data: ...` line into a raw JSON chunk (or, when NextInto
// is used, into a fully typed value).
//
// Grounded on internal/runtime/executor/iflow_executor.go's ExecuteStream:
// bufio.Scanner over the response body and body close on every exit path.
// Unlike the teacher, there is no background goroutine or channel: each
// Next/NextInto call scans on the caller's goroutine. This type adds the
// terminal state machine the teacher does not need, since it never
// re-iterates a stream.
type SSEStream struct {
	resp     *http.Response
	scan     *bufio.Scanner
	method   string
	url      string
	watchdog *idleWatchdog

	mu    sync.Mutex
	state StreamState
	err   *Error
}

// StreamSSE opens a streaming connection and returns an SSEStream. Accept
// is forced to text/event-stream; a JSON Content-Type is preserved when
// spec.Body is present.
func (c *Client) StreamSSE(ctx context.Context, spec RequestSpec) (*SSEStream, error) {
	conn, err := c.openStream(ctx, spec, "text/event-stream")
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(conn.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 50*1024*1024) // 50MB, matches the teacher's cap
	return &SSEStream{resp: conn.resp, scan: scanner, method: spec.Method, url: conn.url, watchdog: conn.watchdog, state: StreamOpen}, nil
}

// StreamSSEAsync is the cooperative twin: it opens the stream on a
// goroutine and yields the result (or ctx cancellation) on a channel.
func (c *Client) StreamSSEAsync(ctx context.Context, spec RequestSpec) <-chan struct {
	Stream *SSEStream
	Err    error
} {
	type res = struct {
		Stream *SSEStream
		Err    error
	}
	out := make(chan res, 1)
	go func() {
		s, err := c.StreamSSE(ctx, spec)
		select {
		case out <- res{Stream: s, Err: err}:
		case <-ctx.Done():
		}
	}()
	return out
}

// Next advances the stream and returns the next decoded JSON chunk as a
// generic value, or ok=false with a nil error on normal completion. A
// malformed JSON line is logged and skipped rather than aborting the
// stream.
func (s *SSEStream) Next() (any, bool, error) {
	raw, ok, err := s.nextRaw()
	if !ok || err != nil {
		return nil, ok, err
	}
	var v any
	if jsonErr := json.Unmarshal(raw, &v); jsonErr != nil {
		log.WithField("line", string(raw)).Warn("novaai: skipping malformed SSE chunk")
		return s.Next()
	}
	return v, true, nil
}

// NextInto decodes the next chunk into target (a pointer). On a decode
// failure for this one chunk, the chunk is logged and skipped — the stream
// does not abort — and the next chunk is attempted.
func (s *SSEStream) NextInto(target any) (bool, error) {
	for {
		raw, ok, err := s.nextRaw()
		if !ok || err != nil {
			return ok, err
		}
		if jsonErr := json.Unmarshal(raw, target); jsonErr != nil {
			log.WithField("line", string(raw)).Warn("novaai: skipping malformed SSE chunk")
			continue
		}
		return true, nil
	}
}

func (s *SSEStream) nextRaw() (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StreamConsumed:
		return nil, false, ErrStreamConsumed
	case StreamClosed:
		return nil, false, ErrStreamClosed
	case StreamFailed:
		return nil, false, s.err
	}

	for s.scan.Scan() {
		s.watchdog.reset()
		line := strings.TrimRight(s.scan.Text(), "\r\n")
		if line == "" {
			continue
		}
		if line == doneSentinel {
			s.finish(StreamConsumed, nil)
			return nil, false, nil
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if !json.Valid([]byte(payload)) {
			log.WithField("line", line).Warn("novaai: skipping malformed SSE line")
			continue
		}
		return json.RawMessage(payload), true, nil
	}

	if scanErr := s.scan.Err(); scanErr != nil {
		var translated *Error
		if s.watchdog.timedOut() {
			translated = &Error{
				Kind:    KindAPITimeout,
				Message: fmt.Sprintf("Stream request timed out for %s %s: no data received for %s", s.method, s.url, s.watchdog.timeout),
				Request: &RequestDescriptor{Method: s.method, URL: s.url},
				Cause:   scanErr,
			}
		} else {
			translated = errorFromTransport(s.method, s.url, scanErr, true)
		}
		s.finish(StreamFailed, translated)
		return nil, false, translated
	}

	// Upstream EOF without a [DONE] sentinel: treat as normal completion.
	s.finish(StreamConsumed, nil)
	return nil, false, nil
}

func (s *SSEStream) finish(state StreamState, err *Error) {
	_ = s.resp.Body.Close()
	s.watchdog.stop()
	s.state = state
	s.err = err
}

// Close releases the stream's connection. Safe to call after normal
// completion or a failure; a second Close is a no-op.
func (s *SSEStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamClosed {
		return nil
	}
	alreadyTerminal := s.state == StreamConsumed || s.state == StreamFailed
	if !alreadyTerminal {
		_ = s.resp.Body.Close()
		s.watchdog.stop()
	}
	s.state = StreamClosed
	return nil
}

// openedStream is the live handle openStream hands back to StreamSSE/
// StreamRaw: the response, the URL it was fetched from (for error
// messages), and the watchdog bounding read inactivity.
type openedStream struct {
	resp     *http.Response
	url      string
	watchdog *idleWatchdog
}

// openStream is the shared plumbing for the SSE and raw stream engines:
// build the request with the given Accept header, run it through the retry
// loop for the send phase only (a stream cannot itself be retried once
// bytes start flowing), and hand back the live *http.Response.
//
// The resolved timeout bounds inactivity, not the stream's total lifetime:
// an idleWatchdog cancels the request context if no chunk arrives within
// that window, and every line or chunk read from the body resets it. A stream that
// stays busy the whole time — just for longer than one timeout window in
// total — is never killed for that reason alone.
func (c *Client) openStream(ctx context.Context, spec RequestSpec, accept string) (*openedStream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	reqURL, err := c.resolveURL(spec.Path, spec.Query)
	if err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if spec.Body != nil {
		bodyBytes, err = json.Marshal(spec.Body)
		if err != nil {
			return nil, &Error{Kind: KindAPIResponseProcessing, Message: "novaai: encode stream request body", Cause: err}
		}
	}

	requestID := uuid.New().String()
	timeout := c.resolveTimeout(spec.Timeout)
	attempt := 0
	for {
		headers, herr := c.composeHeaders(ctx, spec.Method, spec.Headers, bodyBytes != nil, false)
		if herr != nil {
			return nil, herr
		}
		headers.Set("Accept", accept)
		headers.Set("X-Request-Id", requestID)

		sendCtx, watchdog := newIdleWatchdog(ctx, timeout)
		resp, sendErr := c.send(sendCtx, spec.Method, reqURL, bodyBytes, headers)

		if sendErr != nil {
			watchdog.stop()
			if c.cfg.Retry.shouldRetryTransportErr(sendErr, attempt, resp != nil) {
				c.sleepBeforeRetry(ctx, attempt+1, nil, false)
				attempt++
				continue
			}
			e := errorFromTransport(spec.Method, reqURL, sendErr, true)
			e.RequestID = requestID
			return nil, e
		}

		if resp.StatusCode >= 400 {
			body, _ := readAndDecompress(resp)
			_ = resp.Body.Close()
			watchdog.stop()
			if c.cfg.Retry.shouldRetryResponse(spec.Method, resp.StatusCode, attempt) {
				delay, haveRA := retryAfterDelay(resp.Header)
				c.sleepBeforeRetry(ctx, attempt+1, &delay, haveRA)
				attempt++
				continue
			}
			e := errorFromResponse(spec.Method, reqURL, resp.StatusCode, resp.Header, body, requestID)
			e.Message = strings.Replace(e.Message, "API error", "Stream request failed: API error", 1)
			return nil, e
		}

		// Decode gzip/brotli bodies as readAndDecompress does; Close still reaches the raw body.
		switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
		case "gzip":
			gz, gzErr := gzip.NewReader(resp.Body)
			if gzErr != nil {
				_ = resp.Body.Close()
				watchdog.stop()
				return nil, errorFromTransport(spec.Method, reqURL, gzErr, true)
			}
			resp.Body = struct {
				io.Reader
				io.Closer
			}{gz, resp.Body}
		case "br":
			resp.Body = struct {
				io.Reader
				io.Closer
			}{brotli.NewReader(resp.Body), resp.Body}
		}

		// The response arrived within the window; the watchdog now guards
		// inter-chunk inactivity for the rest of the stream's life.
		watchdog.reset()
		return &openedStream{resp: resp, url: reqURL, watchdog: watchdog}, nil
	}
}
