package main

import (
	"bytes"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const (
	retryBaseDelay   = 1 * time.Second
	retryMaxDelay    = 60 * time.Second
	retryMaxAttempts = 5
)

// RetryingRoundTripper retries 429 and 5xx responses (and transport errors)
// with exponential backoff. It sits under the swagger transports so both
// generated clients and the hand-written Tado client share one policy.
type RetryingRoundTripper struct {
	// UnderlyingTransport is used for the actual requests.
	// If nil, http.DefaultTransport is used.
	UnderlyingTransport http.RoundTripper

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	sleep func(time.Duration) // overridable in tests
}

func NewRetryingRoundTripper(underlying http.RoundTripper) *RetryingRoundTripper {
	return &RetryingRoundTripper{
		UnderlyingTransport: underlying,
		MaxAttempts:         retryMaxAttempts,
		BaseDelay:           retryBaseDelay,
		MaxDelay:            retryMaxDelay,
		sleep:               time.Sleep,
	}
}

func (r *RetryingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := r.UnderlyingTransport
	if transport == nil {
		transport = http.DefaultTransport
	}

	// Buffer the body so it can be replayed on each attempt.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err = transport.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == r.MaxAttempts-1 {
			break
		}

		backoff := r.backoff(attempt)
		if err == nil {
			backoff = r.backoffFromResponse(resp, attempt)
			log.Printf("Retrying %s %s after HTTP %d (attempt %d/%d, backoff %s)",
				req.Method, req.URL.Path, resp.StatusCode, attempt+1, r.MaxAttempts, backoff)
			resp.Body.Close()
		} else {
			log.Printf("Retrying %s %s after error: %v (attempt %d/%d, backoff %s)",
				req.Method, req.URL.Path, err, attempt+1, r.MaxAttempts, backoff)
		}
		r.sleep(backoff)
	}

	if err != nil {
		return nil, &UpstreamError{Service: req.URL.Host, Attempts: r.MaxAttempts, Err: err}
	}
	// Exhausted retries on a retryable status; hand the final response back so
	// the caller can surface the status code.
	return resp, nil
}

func retryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// backoff is exponential from BaseDelay with ~10% jitter, capped at MaxDelay.
func (r *RetryingRoundTripper) backoff(attempt int) time.Duration {
	d := float64(r.BaseDelay) * math.Pow(2, float64(attempt))
	d += rand.Float64() * 0.1 * d
	if d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	return time.Duration(d)
}

func (r *RetryingRoundTripper) backoffFromResponse(resp *http.Response, attempt int) time.Duration {
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			d := time.Duration(seconds) * time.Second
			if d > r.MaxDelay {
				d = r.MaxDelay
			}
			return d
		}
	}
	return r.backoff(attempt)
}
