package embedding

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

// --- Ollama Provider ---

// OllamaEmbedder uses an Ollama instance for embeddings.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	dims   int
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
// Default model: nomic-embed-text (768 dims), all-minilm (384 dims).
func NewOllamaEmbedder(baseURL, model string, dims int) (*OllamaEmbedder, error) {
	u, err := ollamaBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dims <= 0 {
		dims = 768
		if model == "all-minilm" {
			dims = 384
		}
	}
	return &OllamaEmbedder{
		client: api.NewClient(u, httpClient()),
		model:  model,
		dims:   dims,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	vec := make(Vector, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (e *OllamaEmbedder) Dims() int { return e.dims }

// --- OpenAI-compatible Provider ---

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) (*OpenAIEmbedder, error) {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpClient()

	m := openai.EmbeddingModel(model)
	if model == "" {
		m = openai.SmallEmbedding3
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  m,
		dims:   dims,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	}
	if e.model != openai.AdaEmbeddingV2 {
		req.Dimensions = e.dims
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }
