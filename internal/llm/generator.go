package llm

import (
	"context"
	"fmt"

	"github.com/lukewei/docgraph/internal/prompts"
)

// Generator produces derived documents (analysis templates, requirement
// drafts) from an exported slice of the knowledge graph.
type Generator struct {
	client *client
}

// GenerateTemplate drafts a reusable analysis template from graph content.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - graphContext: serialized entities and relations.
// Returns:
//   - string: generated template in markdown.
//   - error: ErrTimeout/ErrTransient classified failures or API errors.
func (g *Generator) GenerateTemplate(ctx context.Context, graphContext string) (string, error) {
	return g.client.complete(ctx, &chatRequest{
		Model: g.client.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.GenerationSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(prompts.TemplateUserPrompt, graphContext)},
		},
		MaxTokens: 3000,
	})
}

// GenerateRequirements drafts a requirement document from graph content.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - graphContext: serialized entities and relations.
// Returns:
//   - string: generated requirement document in markdown.
//   - error: ErrTimeout/ErrTransient classified failures or API errors.
func (g *Generator) GenerateRequirements(ctx context.Context, graphContext string) (string, error) {
	return g.client.complete(ctx, &chatRequest{
		Model: g.client.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.GenerationSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(prompts.RequirementUserPrompt, graphContext)},
		},
		MaxTokens: 4000,
	})
}
