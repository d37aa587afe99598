package grist

import (
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds the worst-case blocking of one logical request,
// retries and backoff included. The enclosing http.Client carries it.
const DefaultTimeout = 10 * time.Second

// RetryPolicy configures the retrying transport.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// Statuses are the response codes that trigger a retry.
	Statuses map[int]bool
}

// DefaultRetryPolicy retries transient and server errors: 5 attempts,
// exponential backoff from 500ms, statuses 429/500/502/503/504.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Statuses: map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// RetryTransport is an http.RoundTripper that retries idempotent requests on
// transient failures with exponential backoff, honoring Retry-After hints.
// An optional rate limiter is waited on before every attempt.
type RetryTransport struct {
	Base    http.RoundTripper
	Policy  RetryPolicy
	Limiter *rate.Limiter
}

// NewRetryTransport wraps base with the default retry policy.
func NewRetryTransport(base http.RoundTripper) *RetryTransport {
	return &RetryTransport{Base: base, Policy: DefaultRetryPolicy()}
}

// RoundTrip implements http.RoundTripper. Only GET and HEAD are retried;
// other methods pass through in a single attempt.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	policy := t.Policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return base.RoundTrip(req)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if t.Limiter != nil {
			if err := t.Limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
		}

		resp, err := base.RoundTrip(req)
		if err == nil && !policy.Statuses[resp.StatusCode] {
			return resp, nil
		}
		if attempt >= policy.MaxAttempts {
			// Exhausted: surface the final response or transport error.
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		delay := policy.backoff(attempt)
		if err != nil {
			lastErr = err
		} else {
			if hint, ok := retryAfter(resp); ok {
				delay = hint
			}
			// The connection is reused only after the body is drained.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
			_ = resp.Body.Close()
		}

		select {
		case <-req.Context().Done():
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if jitter := delay / 4; jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}

// retryAfter reads a Retry-After hint, either delta-seconds or an HTTP date.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

var _ http.RoundTripper = (*RetryTransport)(nil)
