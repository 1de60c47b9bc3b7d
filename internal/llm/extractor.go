package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lukewei/docgraph/internal/prompts"
)

// Entity is one extracted knowledge-graph node.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Relation is one extracted edge between entities, referenced by name.
type Relation struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Extraction is the structured artifact produced from one text passage,
// together with the model's self-reported confidence (0-100) used as the
// quality score.
type Extraction struct {
	Entities   []Entity   `json:"entities"`
	Relations  []Relation `json:"relations"`
	Confidence float64    `json:"confidence"`
}

// Extractor turns a text passage into graph entities and relations. It is an
// interface so the coordinator can be tested without the external capability,
// and so the structured-output strategy is swappable by configuration.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// NewExtractor selects the extraction strategy by mode: "full" requests
// schema-constrained output from the model, anything else uses the lighter
// prompt-and-parse path.
// Parameters:
//   - mode: "full" or "light".
//   - base: shared chat client.
// Returns:
//   - Extractor: strategy implementation.
func NewExtractor(mode string, base *client) Extractor {
	if strings.EqualFold(mode, "full") {
		return &fullExtractor{client: base}
	}
	return &lightExtractor{client: base}
}

// lightExtractor asks for JSON in the prompt and parses the reply. It is the
// default: cheaper and faster than the schema-constrained path at equivalent
// quality for this extraction shape.
type lightExtractor struct {
	client *client
}

// Extract implements Extractor.
func (e *lightExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	content, err := e.client.complete(ctx, &chatRequest{
		Model: e.client.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ExtractionSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(prompts.ExtractionUserPrompt, text)},
		},
		MaxTokens: 2000,
	})
	if err != nil {
		return nil, err
	}
	return parseExtraction(content)
}

// fullExtractor constrains the model output with a JSON schema.
type fullExtractor struct {
	client *client
}

// Extract implements Extractor.
func (e *fullExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	content, err := e.client.complete(ctx, &chatRequest{
		Model: e.client.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ExtractionSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(prompts.ExtractionUserPrompt, text)},
		},
		MaxTokens: 2000,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   "extraction",
				Strict: true,
				Schema: extractionSchema,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return parseExtraction(content)
}

// parseExtraction decodes the model reply, tolerating code fences around the JSON.
func parseExtraction(content string) (*Extraction, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var extraction Extraction
	if err := json.Unmarshal([]byte(trimmed), &extraction); err != nil {
		return nil, fmt.Errorf("failed to parse extraction output: %w", err)
	}
	if extraction.Confidence < 0 {
		extraction.Confidence = 0
	}
	if extraction.Confidence > 100 {
		extraction.Confidence = 100
	}
	return &extraction, nil
}

var extractionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"entities": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":        map[string]interface{}{"type": "string"},
					"type":        map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
				},
				"required":             []string{"name", "type", "description"},
				"additionalProperties": false,
			},
		},
		"relations": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"source":      map[string]interface{}{"type": "string"},
					"target":      map[string]interface{}{"type": "string"},
					"type":        map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
				},
				"required":             []string{"source", "target", "type", "description"},
				"additionalProperties": false,
			},
		},
		"confidence": map[string]interface{}{"type": "number"},
	},
	"required":             []string{"entities", "relations", "confidence"},
	"additionalProperties": false,
}
