// Package genai holds narrow clients for the text- and image-generation
// providers the pipeline calls. Each client exposes one or two methods and
// reports rate-limit/5xx responses as retryable so the queue's backoff
// policy can apply.
package genai

import (
	"context"
	"errors"
	"fmt"
)

// TextGenerator produces prose from a system/user prompt pair.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}

// ImageGenerator produces an image and returns a URL to fetch it from.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, size string) (string, error)
}

// RetryableError marks a transient provider failure (429 or 5xx).
type RetryableError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func statusErr(provider string, code int, err error) error {
	if code == 429 || code >= 500 {
		return &RetryableError{Provider: provider, StatusCode: code, Err: err}
	}
	return fmt.Errorf("%s: status %d: %w", provider, code, err)
}
