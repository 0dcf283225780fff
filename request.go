package novaai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// DecodeMode selects how Request materializes a response body.
type DecodeMode int

const (
	DecodeJSON DecodeMode = iota
	DecodeRawBytes
	DecodeSSEStream
	DecodeRawStream
)

// RequestSpec is the generic envelope every domain wrapper builds and every
// core entry point consumes.
type RequestSpec struct {
	Method  string
	Path    string
	Body    any // marshaled to JSON when non-nil
	Query   url.Values
	Headers http.Header
	Timeout time.Duration // zero means "use client default"
	Decode  DecodeMode
	// Target, if non-nil, must be a pointer; a successful JSON response is
	// json.Unmarshal'd into it in addition to being returned as a map/any.
	Target any
}

// Result is the value delivered on an async entry point's channel.
type Result struct {
	Value any
	Err   error
}

// Request performs a single non-streaming call: header composition, body
// encoding, timeout application, retry loop, response decoding, and error
// translation.
func (c *Client) Request(ctx context.Context, spec RequestSpec) (any, error) {
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
			return nil, &Error{Kind: KindAPIResponseProcessing, Message: fmt.Sprintf("novaai: encode request body: %v", err), Cause: err}
		}
	}

	requestID := uuid.New().String()
	timeout := c.resolveTimeout(spec.Timeout)

	var lastResp *http.Response
	var lastCancel context.CancelFunc
	attempt := 0
	for {
		headers, herr := c.composeHeaders(ctx, spec.Method, spec.Headers, bodyBytes != nil, false)
		if herr != nil {
			return nil, herr
		}
		headers.Set("X-Request-Id", requestID)

		// cancel is deferred until the body has been fully read: the
		// context for an HTTP request, per net/http's docs, governs
		// obtaining a connection, sending the request, AND reading the
		// response headers and body, so canceling right after Do returns
		// (before the body read below) races the transport's cancellation
		// watcher against that read.
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, sendErr := c.send(attemptCtx, spec.Method, reqURL, bodyBytes, headers)

		if sendErr != nil {
			cancel()
			bytesReceived := resp != nil
			if c.cfg.Retry.shouldRetryTransportErr(sendErr, attempt, bytesReceived) {
				c.sleepBeforeRetry(ctx, attempt+1, nil, false)
				attempt++
				continue
			}
			translated := errorFromTransport(spec.Method, reqURL, sendErr, false)
			translated.RequestID = requestID
			return nil, translated
		}

		if resp.StatusCode >= 400 {
			body, _ := readAndDecompress(resp)
			_ = resp.Body.Close()
			cancel()
			if c.cfg.Retry.shouldRetryResponse(spec.Method, resp.StatusCode, attempt) {
				delay, haveRA := retryAfterDelay(resp.Header)
				c.sleepBeforeRetry(ctx, attempt+1, &delay, haveRA)
				attempt++
				continue
			}
			translated := errorFromResponse(spec.Method, reqURL, resp.StatusCode, resp.Header, body, requestID)
			return nil, translated
		}

		lastResp = resp
		lastCancel = cancel
		break
	}

	defer lastCancel()
	defer lastResp.Body.Close()
	body, err := readAndDecompress(lastResp)
	if err != nil {
		return nil, &Error{Kind: KindAPIResponseProcessing, Message: fmt.Sprintf("novaai: read response body: %v", err), RequestID: requestID, Cause: err}
	}

	if spec.Decode == DecodeRawBytes {
		return body, nil
	}

	if lastResp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}

	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, &Error{Kind: KindAPIResponseProcessing, Message: fmt.Sprintf("novaai: decode JSON response: %v", err), RequestID: requestID, Body: json.RawMessage(truncate(body, maxBodyTruncate)), Cause: err}
	}
	if spec.Target != nil {
		if err := json.Unmarshal(body, spec.Target); err != nil {
			return nil, &Error{Kind: KindAPIResponseProcessing, Message: fmt.Sprintf("novaai: coerce response into target type: %v", err), RequestID: requestID, Cause: err}
		}
		return spec.Target, nil
	}
	return generic, nil
}

// RequestAsync is the cooperative twin of Request: it runs the identical
// blocking call on a goroutine and delivers the Result over a
// buffered channel, honoring ctx cancellation at the channel-select point.
func (c *Client) RequestAsync(ctx context.Context, spec RequestSpec) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		v, err := c.Request(ctx, spec)
		select {
		case out <- Result{Value: v, Err: err}:
		case <-ctx.Done():
		}
	}()
	return out
}

// Get, Post, Delete are convenience shorthands over Request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (any, error) {
	return c.Request(ctx, RequestSpec{Method: http.MethodGet, Path: path, Query: query, Decode: DecodeJSON})
}

func (c *Client) Post(ctx context.Context, path string, body any) (any, error) {
	return c.Request(ctx, RequestSpec{Method: http.MethodPost, Path: path, Body: body, Decode: DecodeJSON})
}

func (c *Client) Delete(ctx context.Context, path string) (any, error) {
	return c.Request(ctx, RequestSpec{Method: http.MethodDelete, Path: path, Decode: DecodeJSON})
}

func (c *Client) checkOpen() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return newError(KindAPIConnection, "novaai: client is closed")
	}
	return nil
}

func (c *Client) resolveURL(path string, query url.Values) (string, error) {
	base := c.baseURL
	p := strings.TrimPrefix(path, "/")
	full := base + "/" + p
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	if _, err := url.Parse(full); err != nil {
		return "", &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("novaai: invalid request path %q: %v", path, err), Cause: err}
	}
	return full, nil
}

func (c *Client) resolveTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if c.cfg.DefaultTimeout > 0 {
		return c.cfg.DefaultTimeout
	}
	return 60 * time.Second // built-in read fallback; connect fallback is enforced by the transport dialer
}

// composeHeaders starts from transport defaults, strips Content-Type/Accept
// hygiene for bare GETs, forces JSON Content-Type when a body is present,
// then merges caller headers last so they win.
func (c *Client) composeHeaders(ctx context.Context, method string, extra http.Header, hasBody, isMultipart bool) (http.Header, error) {
	h := http.Header{}
	auth, err := c.authHeaderValue(ctx)
	if err != nil {
		return nil, err
	}
	h.Set("Authorization", auth)

	if isMultipart {
		h.Set("Accept", "*/*")
	} else {
		h.Set("Accept", "application/json")
		if hasBody {
			h.Set("Content-Type", "application/json")
		}
		if method == http.MethodGet {
			if extra == nil || extra.Get("Content-Type") == "" {
				h.Del("Content-Type")
			}
			if extra == nil || extra.Get("Accept") == "" {
				h.Del("Accept")
			}
		}
	}

	for k, vs := range extra {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h, nil
}

// send acquires a pool slot (bounded by PoolWaitTimeout so "waiting for a
// free connection" has something concrete to time out on, since
// *http.Transport exposes no such signal itself), issues the request, and
// releases the slot once Do returns. A client that adopted an external
// *http.Client has no semaphore of its own and skips this gate entirely.
func (c *Client) send(ctx context.Context, method, reqURL string, body []byte, headers http.Header) (*http.Response, error) {
	if c.poolSem != nil {
		waitCtx, cancel := context.WithTimeout(ctx, c.poolWaitTimeout)
		acquireErr := c.poolSem.Acquire(waitCtx, 1)
		cancel()
		if acquireErr != nil {
			return nil, fmt.Errorf("novaai: timed out waiting for a free connection slot: %w", acquireErr)
		}
		defer c.poolSem.Release(1)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	req.Header.Set("Accept-Encoding", "gzip, br")
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	return c.httpClient.Do(req)
}

func (c *Client) sleepBeforeRetry(ctx context.Context, attemptNumber int, retryAfter *time.Duration, haveRA bool) {
	var ra time.Duration
	if retryAfter != nil {
		ra = *retryAfter
	}
	delay := c.cfg.Retry.nextDelay(attemptNumber, ra, haveRA)
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func retryAfterDelay(header http.Header) (time.Duration, bool) {
	secs, ok := parseRetryAfter(header, time.Now)
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// readAndDecompress reads the full response body, transparently decoding a
// gzip or brotli Content-Encoding.
func readAndDecompress(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(r)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
