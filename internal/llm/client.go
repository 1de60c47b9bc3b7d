// Package llm holds the clients for the external language-model capability:
// structured extraction, summarization, and embeddings over an
// OpenAI-compatible HTTP API. A timeout, a transient server error, and a
// successful-but-low-quality result are three distinct outcomes here; the
// quality gate routing upstream depends on that distinction.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lukewei/docgraph/internal/config"
)

// Sentinel errors classifying external capability failures.
var (
	// ErrTimeout indicates the model did not respond within the deadline.
	ErrTimeout = errors.New("llm request timed out")

	// ErrTransient indicates a retryable server-side condition (429/5xx).
	ErrTransient = errors.New("llm transient error")
)

// client is the shared OpenAI-compatible HTTP client.
type client struct {
	http     *resty.Client
	model    string
	endpoint string
}

func newClient(baseURL, apiKey, model string, timeout time.Duration) *client {
	http := resty.New()
	http.SetHeader("Authorization", "Bearer "+apiKey)
	http.SetHeader("Content-Type", "application/json")
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	http.SetTimeout(timeout)

	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &client{
		http:     http,
		model:    model,
		endpoint: baseURL,
	}
}

// OpenAI-compatible Chat Completion request/response structures
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// complete sends one chat completion and classifies the failure mode.
func (c *client) complete(ctx context.Context, req *chatRequest) (string, error) {
	var resp chatResponse
	httpResp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(c.endpoint + "/chat/completions")

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	code := httpResp.StatusCode()
	switch {
	case code == 429 || code >= 500:
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrTransient, code, string(httpResp.Body()))
	case code < 200 || code >= 300:
		if resp.Error != nil {
			return "", fmt.Errorf("llm API error: HTTP %d: %s", code, resp.Error.Message)
		}
		return "", fmt.Errorf("llm API error: HTTP %d: %s", code, string(httpResp.Body()))
	}

	if resp.Error != nil {
		return "", fmt.Errorf("llm API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in llm response (status %d)", code)
	}
	return resp.Choices[0].Message.Content, nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}

// Clients bundles the external-capability clients built from one config.
type Clients struct {
	Extractor  Extractor
	Summarizer *Summarizer
	Generator  *Generator
	Embedder   *Embedder
}

// NewClients constructs the extraction, summarization, and embedding clients.
// The extraction strategy is selected by configuration, not by patching.
// Parameters:
//   - llmCfg: chat-model configuration.
//   - embCfg: embedding-model configuration.
// Returns:
//   - *Clients: initialized client bundle.
func NewClients(llmCfg *config.LLMConfig, embCfg *config.EmbeddingConfig) *Clients {
	base := newClient(llmCfg.BaseURL, llmCfg.APIKey, llmCfg.Model, llmCfg.Timeout)
	return &Clients{
		Extractor:  NewExtractor(llmCfg.ExtractionMode, base),
		Summarizer: &Summarizer{client: base},
		Generator:  &Generator{client: base},
		Embedder:   NewEmbedder(embCfg),
	}
}
