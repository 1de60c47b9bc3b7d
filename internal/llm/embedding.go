package llm

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/lukewei/docgraph/internal/config"
)

// Embedder generates text embeddings over an OpenAI-compatible endpoint.
type Embedder struct {
	client     *resty.Client
	model      string
	endpoint   string
	dimensions int
}

// NewEmbedder creates a new embedding client.
// Parameters:
//   - cfg: embedding configuration including model and dimensions.
// Returns:
//   - *Embedder: initialized client.
func NewEmbedder(cfg *config.EmbeddingConfig) *Embedder {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &Embedder{
		client:     client,
		model:      cfg.Model,
		endpoint:   baseURL + "/embeddings",
		dimensions: cfg.Dimensions,
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: input text.
// Returns:
//   - []float32: embedding vector.
//   - error: non-nil if the request fails.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - texts: input texts.
// Returns:
//   - [][]float32: embedding vectors in input order.
//   - error: non-nil if the request fails.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := embeddingRequest{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dimensions,
	}

	var resp embeddingResponse
	httpResp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(e.endpoint)

	if err != nil {
		return nil, fmt.Errorf("failed to call embedding API: %w", err)
	}

	if httpResp.StatusCode() != 200 {
		if resp.Error != nil {
			return nil, fmt.Errorf("embedding API error: %s", resp.Error.Message)
		}
		return nil, fmt.Errorf("embedding API error: status %d", httpResp.StatusCode())
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(resp.Data), len(texts))
	}

	// Order by index to match the input order
	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < len(embeddings) {
			embeddings[item.Index] = item.Embedding
		}
	}
	return embeddings, nil
}
