// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/story-memory/internal/model"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// Providers.
const (
	ProviderHash   = "hash"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Options selects and configures a provider.
type Options struct {
	Provider string
	Model    string
	URL      string
	APIKey   string
	Dims     int
}

// New creates an embedder from options. An empty provider means the local
// hash embedder.
func New(opts Options) (Embedder, error) {
	switch strings.ToLower(opts.Provider) {
	case "", ProviderHash:
		return NewHashEmbedder(opts.Dims), nil
	case ProviderOllama:
		return NewOllamaEmbedder(opts.URL, opts.Model, opts.Dims)
	case ProviderOpenAI:
		return NewOpenAIEmbedder(opts.URL, opts.APIKey, opts.Model, opts.Dims)
	default:
		return nil, &model.ValidationError{Field: "embed_provider", Reason: fmt.Sprintf("unknown provider %q (valid: hash, ollama, openai)", opts.Provider)}
	}
}

// EmbedAll embeds texts concurrently, preserving order. Every vector is
// checked against the embedder's dimension.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, text := range texts {
		g.Go(func() error {
			v, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embed text %d: %w", i, err)
			}
			if len(v) != e.Dims() {
				return &model.ValidationError{Field: "embedding", Reason: fmt.Sprintf("provider returned %d dims, expected %d", len(v), e.Dims())}
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// ollamaBaseURL resolves the Ollama endpoint: explicit URL, then OLLAMA_HOST,
// then the local default.
func ollamaBaseURL(explicit string) (*url.URL, error) {
	base := explicit
	if base == "" {
		base = os.Getenv("OLLAMA_HOST")
	}
	if base == "" {
		base = "http://localhost:11434"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, &model.ValidationError{Field: "embed_url", Reason: err.Error()}
	}
	return u, nil
}
