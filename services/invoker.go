package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/promptpilot/api/services/gemini"
)

const (
	// DefaultMaxAttempts is how many times a generation request is tried
	// before the last upstream error is surfaced.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the unit of the linear backoff between attempts:
	// the wait after attempt n is DefaultBaseDelay * n.
	DefaultBaseDelay = 800 * time.Millisecond
)

// retriableStatuses are the upstream statuses worth retrying. Everything
// else fails the request on the first attempt.
var retriableStatuses = map[int]bool{
	429: true,
	500: true,
	503: true,
}

// RetryingInvoker wraps a Generator with bounded retries and linear backoff.
type RetryingInvoker struct {
	generator   gemini.Generator
	maxAttempts int
	baseDelay   time.Duration
}

// NewRetryingInvoker returns an invoker with the default retry policy.
func NewRetryingInvoker(generator gemini.Generator) *RetryingInvoker {
	return &RetryingInvoker{
		generator:   generator,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
}

// Invoke runs the generation request, retrying transient upstream failures.
// The error returned after exhaustion is the last upstream error unchanged,
// so callers see the original status and message.
func (r *RetryingInvoker) Invoke(ctx context.Context, req gemini.GenerateRequest) (*gemini.GenerateResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := r.generator.GenerateText(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetriable(err) || attempt == r.maxAttempts {
			return nil, lastErr
		}

		delay := r.baseDelay * time.Duration(attempt)
		log.Printf("Generation attempt %d/%d failed (%v), retrying in %v", attempt, r.maxAttempts, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// IsRetriable reports whether err is an upstream error with a status
// worth retrying.
func IsRetriable(err error) bool {
	var apiErr *gemini.APIError
	if errors.As(err, &apiErr) {
		return retriableStatuses[apiErr.StatusCode]
	}
	return false
}
