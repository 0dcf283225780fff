package novaai

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind identifies a class of failure in the novaai error taxonomy. Every
// error the SDK returns from the core is a *Error with one of these kinds.
type Kind string

const (
	KindAuthentication        Kind = "authentication"
	KindPermissionDenied      Kind = "permission_denied"
	KindInvalidRequest        Kind = "invalid_request"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindUnprocessable         Kind = "unprocessable"
	KindRateLimit             Kind = "rate_limit"
	KindInternalServer        Kind = "internal_server"
	KindAPITimeout            Kind = "api_timeout"
	KindAPIConnection         Kind = "api_connection"
	KindAPIResponseProcessing Kind = "api_response_processing"
	KindStreamConsumed        Kind = "stream_consumed"
	KindStreamClosed          Kind = "stream_closed"
	KindMissingStreamClass    Kind = "missing_stream_class"
	KindAPIError              Kind = "api_error"
)

// maxBodyTruncate caps how much of a non-JSON response body is echoed into
// an error message. Matches the spec's 500-char truncation.
const maxBodyTruncate = 500

// RequestDescriptor is the request metadata an Error carries for debugging.
// It is synthesized defensively: some transport libraries panic or return a
// zero value when an underlying exception's request field is inspected on a
// never-sent request, so callers in this package always build one from the
// method/URL they already have rather than trusting a transport error's own
// fields.
type RequestDescriptor struct {
	Method string
	URL    string
}

// Error is the single error type returned by every novaai entry point.
type Error struct {
	Kind            Kind
	Message         string
	Status          int
	Request         *RequestDescriptor
	Body            json.RawMessage
	RetryAfterSecs  int
	HasRetryAfter   bool
	RequestID       string
	Cause           error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap exposes the underlying transport error, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Is lets callers write errors.Is(err, &novaai.Error{Kind: novaai.KindNotFound})
// style checks: any *Error target matches when its Kind is equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// errParsedBody is the shape of a NovaAI JSON error payload.
type errParsedBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

// errorFromResponse translates a non-2xx HTTP response into a structured
// *Error, extracting a message/code/detail from the JSON body when present.
func errorFromResponse(method, url string, status int, header http.Header, body []byte, requestID string) *Error {
	var parsed errParsedBody
	jsonOK := len(body) > 0 && json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != ""

	var rawBody json.RawMessage
	var detail, code string
	if jsonOK {
		detail = parsed.Error.Message
		if parsed.Error.Detail != "" && detail == "" {
			detail = parsed.Error.Detail
		}
		code = parsed.Error.Code
		rawBody = json.RawMessage(body)
	} else if msg, c, ok := gjsonExtractDetail(body); ok {
		// Shapes encoding/json's typed struct rejects (bare-string "error",
		// or a sibling "detail"/"code" with no nested object) still count
		// as a JSON error body.
		detail, code = msg, c
		rawBody = json.RawMessage(body)
	} else if len(body) > 0 {
		text := strings.TrimSpace(string(body))
		truncated := text
		if len(truncated) > maxBodyTruncate {
			truncated = truncated[:maxBodyTruncate]
		}
		wrapped := fmt.Sprintf("Non-JSON response from API (status %d): %s", status, truncated)
		synth, _ := sjson.Set("{}", "error", wrapped)
		rawBody = json.RawMessage(synth)
		detail = wrapped
	}

	msg := fmt.Sprintf("API error %d for %s %s", status, method, url)
	if detail != "" {
		msg += ": " + detail
	}
	if code != "" {
		msg += fmt.Sprintf(" (Code: %s)", code)
	}

	e := &Error{
		Kind:      kindForStatus(status),
		Message:   msg,
		Status:    status,
		Request:   &RequestDescriptor{Method: method, URL: url},
		Body:      rawBody,
		RequestID: requestID,
	}

	if e.Kind == KindRateLimit {
		if secs, ok := parseRetryAfter(header, time.Now); ok {
			e.RetryAfterSecs = secs
			e.HasRetryAfter = true
		}
	}
	return e
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return KindInvalidRequest
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnprocessableEntity:
		return KindUnprocessable
	case http.StatusTooManyRequests:
		return KindRateLimit
	}
	switch {
	case status >= 500 && status <= 599:
		return KindInternalServer
	case status >= 400 && status <= 499:
		return KindAPIError
	default:
		return KindAPIError
	}
}

// parseRetryAfter parses a Retry-After header per RFC 7231: either an
// integer number of seconds, or an HTTP-date, relative to the response's own
// Date header when present (falling back to now).
func parseRetryAfter(header http.Header, now func() time.Time) (int, bool) {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return secs, true
	}
	when, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	base := now()
	if dateHdr := strings.TrimSpace(header.Get("Date")); dateHdr != "" {
		if d, errDate := http.ParseTime(dateHdr); errDate == nil {
			base = d
		}
	}
	delta := when.Sub(base)
	if delta < 0 {
		delta = 0
	}
	return int(delta.Seconds()), true
}

// errorFromTransport translates a transport-level (non-HTTP-response)
// failure into a structured *Error. isStream rewrites the message prefix for
// mid-stream failures.
func errorFromTransport(method, url string, err error, isStream bool) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}

	prefix := "Request"
	if isStream {
		prefix = "Stream request"
	}

	kind := KindAPIConnection
	msg := fmt.Sprintf("%s failed for %s %s: %v", prefix, method, url, err)

	if isTimeoutErr(err) {
		kind = KindAPITimeout
		msg = fmt.Sprintf("%s timed out for %s %s: %v", prefix, method, url, err)
	} else if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		kind = KindAPIConnection
	}

	return &Error{
		Kind:    kind,
		Message: msg,
		Request: &RequestDescriptor{Method: method, URL: url},
		Cause:   err,
	}
}

type timeouter interface{ Timeout() bool }

func isTimeoutErr(err error) bool {
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

var (
	// ErrStreamConsumed is returned when a stream that already reached a
	// terminal Open->Consumed state is iterated again.
	ErrStreamConsumed = newError(KindStreamConsumed, "stream already consumed")
	// ErrStreamClosed is returned when a stream is iterated after an
	// explicit Close or an earlier connection drop.
	ErrStreamClosed = newError(KindStreamClosed, "stream is closed")
	// ErrMissingStreamClass signals a caller requested a streaming decode
	// mode without supplying the wrapper type the engine needs.
	ErrMissingStreamClass = newError(KindMissingStreamClass, "streaming requested without a target chunk type")
)

// gjsonExtractDetail is a defensive secondary path for bodies whose top
// level "error" field is itself a bare string rather than an object; kept
// separate from errorFromResponse's json.Unmarshal happy path because gjson
// tolerates shapes encoding/json's typed struct would reject outright.
func gjsonExtractDetail(body []byte) (message, code string, ok bool) {
	if !gjson.ValidBytes(body) {
		return "", "", false
	}
	root := gjson.ParseBytes(body)
	errField := root.Get("error")
	if !errField.Exists() {
		return "", "", false
	}
	if errField.Type == gjson.String {
		return errField.String(), "", true
	}
	msg := errField.Get("message").String()
	if msg == "" {
		msg = errField.Get("detail").String()
	}
	code = errField.Get("code").String()
	if msg == "" && code == "" {
		return "", "", false
	}
	return msg, code, true
}
