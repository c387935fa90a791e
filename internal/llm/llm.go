// Package llm defines the completion and web-search collaborator contracts
// mission executors call into. Implementations live outside the core; the
// executor registry only binds AI and search node types when a collaborator
// is supplied.
package llm

import (
	"context"
	"fmt"
)

// CompletionRequest is one bounded text completion.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
	// Scope is the owning user context id; implementations must not leak
	// completions across scopes (caching, logging).
	Scope string
	// ModelOverride forces a specific model instead of the provider default.
	ModelOverride string
}

// Completion is the result of a completion call.
type Completion struct {
	Provider string
	Model    string
	Text     string
}

// Completer is the LLM collaborator interface.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Error wraps a provider failure with the provider name attached.
type Error struct {
	Provider string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Provider, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
