// Package llm abstracts the summary-generation provider. The pipeline talks
// to the Provider interface; the OpenAI implementation and the scripted test
// double both live here.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrContentPolicy marks a refusal. Retrying the same prompt cannot
	// succeed, so callers must not.
	ErrContentPolicy = errors.New("llm: content policy refusal")
	// ErrTransient marks rate limits and upstream 5xx. Callers may retry
	// with backoff.
	ErrTransient = errors.New("llm: transient provider error")
)

// Summary is one generated summary.
type Summary struct {
	Text string
	// Model is the provider's model identifier, recorded on the story.
	Model string
	// Cost is the approximate spend in USD for this call.
	Cost float64
}

// BatchRequest is one prompt in a submitted batch, keyed by story id.
type BatchRequest struct {
	StoryID string
	Prompt  string
}

// BatchStatus is a poll result for a submitted batch.
type BatchStatus struct {
	// Done reports whether the batch reached a terminal state.
	Done bool
	// Failed is set with Done when the batch terminated without output.
	Failed bool
	// Model is the model that served the batch, when known.
	Model string
	// Results maps story id to generated text for completed batches.
	Results map[string]string
}

// Provider generates summaries. Implementations must be safe for concurrent
// use.
type Provider interface {
	// Summarize runs one synchronous generation.
	Summarize(ctx context.Context, prompt string) (Summary, error)
	// SubmitBatch submits prompts for deferred generation and returns the
	// provider's batch id.
	SubmitBatch(ctx context.Context, reqs []BatchRequest) (string, error)
	// PollBatch reports the state of a previously submitted batch.
	PollBatch(ctx context.Context, batchID string) (BatchStatus, error)
}
