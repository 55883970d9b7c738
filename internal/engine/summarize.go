package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/lazypower/mnemo/internal/llm"
	"github.com/lazypower/mnemo/internal/model"
)

// Summarizer produces the generalized content of a promoted record.
type Summarizer interface {
	Summarize(ctx context.Context, r *model.MemoryRecord) (string, error)
	Name() string
}

// maxSummaryChars bounds any generalized summary.
const maxSummaryChars = 600

// LLMSummarizer asks a language model for the summary.
type LLMSummarizer struct {
	client llm.Client
}

// NewLLMSummarizer wraps client. A nil client yields the fallback summarizer.
func NewLLMSummarizer(client llm.Client) Summarizer {
	if client == nil {
		return FallbackSummarizer{}
	}
	return &LLMSummarizer{client: client}
}

func (s *LLMSummarizer) Name() string { return "llm" }

func (s *LLMSummarizer) Summarize(ctx context.Context, r *model.MemoryRecord) (string, error) {
	resp, err := s.client.Complete(ctx, llm.SummaryPrompt(r.Content, r.Tags))
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", r.ID, err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("summarize %s: empty response from %s", r.ID, resp.Provider)
	}
	return truncateClean(out, maxSummaryChars), nil
}

// FallbackSummarizer rolls tags up ahead of the record's leading sentence.
type FallbackSummarizer struct{}

func (FallbackSummarizer) Name() string { return "fallback" }

func (FallbackSummarizer) Summarize(_ context.Context, r *model.MemoryRecord) (string, error) {
	lead := leadingSentence(r.Content)
	if len(r.Tags) == 0 {
		return truncateClean(lead, maxSummaryChars), nil
	}
	roll := "[" + strings.Join(r.Tags, ", ") + "]"
	if lead == "" {
		return roll, nil
	}
	return truncateClean(roll+" "+lead, maxSummaryChars), nil
}

// leadingSentence returns text up to the first sentence terminator.
func leadingSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		return s[:i+1]
	}
	return s
}
