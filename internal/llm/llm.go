// Package llm defines the generative-text collaborator used to synthesize
// test cases.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the service answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Request is a single completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Client produces one text completion per request.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Close() error
}
