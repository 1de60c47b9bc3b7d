package llm

import (
	"context"
	"fmt"

	"github.com/lukewei/docgraph/internal/prompts"
)

// Summarizer generates document summaries through the chat capability.
type Summarizer struct {
	client *client
}

// Summarize produces a summary for the given document content.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: document content to summarize.
// Returns:
//   - string: summary text.
//   - error: ErrTimeout/ErrTransient classified failures or API errors.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	return s.client.complete(ctx, &chatRequest{
		Model: s.client.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.SummarySystemPrompt},
			{Role: "user", Content: fmt.Sprintf(prompts.SummaryUserPrompt, text)},
		},
		MaxTokens: 600,
	})
}
