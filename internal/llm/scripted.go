package llm

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is the in-process Provider used by tests and by the validate
// subcommand. Responses are deterministic unless a hook overrides them.
type Scripted struct {
	// SummarizeFn, when set, replaces the canned response.
	SummarizeFn func(prompt string) (Summary, error)

	mu      sync.Mutex
	calls   []string
	batches map[string][]BatchRequest
	nextID  int
}

func NewScripted() *Scripted {
	return &Scripted{batches: make(map[string][]BatchRequest)}
}

func (s *Scripted) Summarize(_ context.Context, prompt string) (Summary, error) {
	s.mu.Lock()
	s.calls = append(s.calls, prompt)
	s.mu.Unlock()

	if s.SummarizeFn != nil {
		return s.SummarizeFn(prompt)
	}
	return Summary{
		Text:  "Scripted summary of: " + firstLine(prompt),
		Model: "scripted",
		Cost:  approxCostPerCall,
	}, nil
}

func (s *Scripted) SubmitBatch(_ context.Context, reqs []BatchRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("batch-%d", s.nextID)
	s.batches[id] = append([]BatchRequest(nil), reqs...)
	return id, nil
}

// PollBatch completes immediately: every scripted batch is done on first poll.
func (s *Scripted) PollBatch(_ context.Context, batchID string) (BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs, ok := s.batches[batchID]
	if !ok {
		return BatchStatus{Done: true, Failed: true}, nil
	}
	results := make(map[string]string, len(reqs))
	for _, req := range reqs {
		results[req.StoryID] = "Scripted summary of: " + firstLine(req.Prompt)
	}
	return BatchStatus{Done: true, Model: "scripted", Results: results}, nil
}

// Calls returns the prompts seen so far.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
