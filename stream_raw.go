package novaai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// RawStream yields opaque binary chunks from a response body until EOF or
// error, interpreting nothing and skipping zero-length reads. Shares
// lifecycle and error-translation semantics with SSEStream but carries no
// JSON decoding.
type RawStream struct {
	inner *SSEStream // reused for its response/state machinery only
	buf   []byte

	mu sync.Mutex
}

// StreamRaw opens a streaming connection and returns a RawStream. Accept
// defaults to */* with Authorization preserved; no JSON interpretation of
// the payload occurs.
func (c *Client) StreamRaw(ctx context.Context, spec RequestSpec) (*RawStream, error) {
	conn, err := c.openStream(ctx, spec, "*/*")
	if err != nil {
		return nil, err
	}
	s := &SSEStream{resp: conn.resp, method: spec.Method, url: conn.url, watchdog: conn.watchdog, state: StreamOpen}
	return &RawStream{inner: s, buf: make([]byte, 32*1024)}, nil
}

// Next reads the next non-empty chunk of raw bytes, or ok=false when the
// stream has ended normally.
func (r *RawStream) Next() ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inner.mu.Lock()
	switch r.inner.state {
	case StreamConsumed:
		r.inner.mu.Unlock()
		return nil, false, ErrStreamConsumed
	case StreamClosed:
		r.inner.mu.Unlock()
		return nil, false, ErrStreamClosed
	case StreamFailed:
		err := r.inner.err
		r.inner.mu.Unlock()
		return nil, false, err
	}
	r.inner.mu.Unlock()

	for {
		n, err := r.inner.resp.Body.Read(r.buf)
		if n > 0 {
			r.inner.watchdog.reset()
			chunk := make([]byte, n)
			copy(chunk, r.buf[:n])
			return chunk, true, nil
		}
		if err != nil {
			r.inner.mu.Lock()
			defer r.inner.mu.Unlock()
			if errors.Is(err, io.EOF) {
				r.inner.finish(StreamConsumed, nil)
				return nil, false, nil
			}
			var translated *Error
			if r.inner.watchdog.timedOut() {
				translated = &Error{
					Kind:    KindAPITimeout,
					Message: fmt.Sprintf("Stream request timed out for %s %s: no data received for %s", r.inner.method, r.inner.url, r.inner.watchdog.timeout),
					Request: &RequestDescriptor{Method: r.inner.method, URL: r.inner.url},
					Cause:   err,
				}
			} else {
				translated = errorFromTransport(r.inner.method, r.inner.url, err, true)
			}
			r.inner.finish(StreamFailed, translated)
			return nil, false, translated
		}
		// n == 0, err == nil: skip the zero-length read and try again
		// rather than surfacing a spurious empty chunk.
	}
}

// Close releases the stream's connection; idempotent.
func (r *RawStream) Close() error {
	return r.inner.Close()
}
