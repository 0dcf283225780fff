package novaai

import (
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"
)

// RetryPolicy controls retry decisioning and backoff delay for failed
// requests.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts; total attempts
	// made are MaxRetries+1.
	MaxRetries int
	// BackoffFactor is b: delay for attempt k>=1 is b * 2^(k-1) seconds.
	BackoffFactor float64
	// MaxDelay caps the computed exponential backoff, if positive.
	MaxDelay time.Duration
	// RetryStatuses is the set of HTTP statuses considered retriable.
	RetryStatuses map[int]bool
	// RetryMethods is the set of HTTP methods considered safe to retry.
	RetryMethods map[string]bool
	// RespectRetryAfter honors a response's Retry-After header.
	RespectRetryAfter bool
}

// DefaultRetryPolicy returns the SDK's out-of-the-box retry behavior.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    2,
		BackoffFactor: 2.0,
		RetryStatuses: map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
		RetryMethods: map[string]bool{
			http.MethodGet:    true,
			http.MethodHead:   true,
			http.MethodPut:    true,
			http.MethodDelete: true,
			http.MethodOptions: true,
			// POST is included: NovaAI's inference endpoints accept retried
			// POSTs.
			http.MethodPost: true,
		},
		RespectRetryAfter: true,
	}
}

// shouldRetryResponse decides whether a failed response is retriable: the
// method must be in RetryMethods, the status in RetryStatuses, and the
// attempt count still under the policy's limit.
func (p RetryPolicy) shouldRetryResponse(method string, status, attemptIndex int) bool {
	if attemptIndex >= p.MaxRetries {
		return false
	}
	if !p.RetryMethods[method] {
		return false
	}
	return p.RetryStatuses[status]
}

// shouldRetryTransportErr decides whether a transport-level failure is
// retriable: connect failures, read-during-idle-keepalive drops, and
// connect-timeouts are retriable; a read timeout after bytes were already
// received, and programmer errors (bad URL etc.), are not.
func (p RetryPolicy) shouldRetryTransportErr(err error, attemptIndex int, bytesReceived bool) bool {
	if attemptIndex >= p.MaxRetries || err == nil {
		return false
	}
	if bytesReceived {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// A malformed-URL programmer error is never retriable, regardless
		// of what it wraps.
		if urlErr.Op == "parse" {
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// nextDelay computes the backoff delay: base = b * 2^(k-1) for the k-th
// retry (k>=1), honoring max(base, retryAfter) when both are present.
func (p RetryPolicy) nextDelay(attemptNumber int, retryAfter time.Duration, haveRetryAfter bool) time.Duration {
	base := time.Duration(p.BackoffFactor*math.Pow(2, float64(attemptNumber-1))) * time.Second
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	if p.RespectRetryAfter && haveRetryAfter && retryAfter > base {
		return retryAfter
	}
	return base
}
