package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/sqlagent/internal/engine"
)

// dimensionProbe is embedded when the engine cannot report a model's
// embedding length.
const dimensionProbe = "dimension probe"

// Embedder wraps an Engine to generate text embeddings with one model.
type Embedder struct {
	engine engine.Engine
	model  string

	mu  sync.Mutex
	dim int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// Dimension returns the length of the model's output vectors. The model
// metadata is asked first; if it has no embedding length, a probe text is
// embedded and measured. The result is cached.
func (e *Embedder) Dimension(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim > 0 {
		return e.dim, nil
	}

	if info, err := e.engine.ModelInfo(ctx, e.model); err == nil && info.EmbeddingLength > 0 {
		e.dim = info.EmbeddingLength
		return e.dim, nil
	}

	vec, err := e.engine.Embed(ctx, e.model, dimensionProbe)
	if err != nil {
		return 0, fmt.Errorf("probing embedding dimension: %w", err)
	}
	e.dim = len(vec)
	return e.dim, nil
}
