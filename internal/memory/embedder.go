package memory

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rakunlabs/brain/internal/config"
)

// Embedder turns text into vectors for the Memory Service's store/search
// operations.
type Embedder struct {
	embedder embeddings.Embedder
}

// NewEmbedder builds a langchaingo embeddings client over an
// OpenAI-compatible embeddings endpoint (works against OpenAI itself, or any
// local server — e.g. Ollama, LM Studio — that speaks the same wire format).
func NewEmbedder(cfg config.ProviderConfig) (*Embedder, error) {
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.Model))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build embedding llm client: %w", err)
	}

	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	return &Embedder{embedder: e}, nil
}

// EmbedDocument embeds a single piece of memory content for storage.
func (e *Embedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed document: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed document: empty result")
	}
	return vectors[0], nil
}

// EmbedQuery embeds a search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vec, nil
}
