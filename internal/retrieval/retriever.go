package retrieval

import (
	"context"
)

// Retriever combines embedding and vector search over indexed table columns.
type Retriever struct {
	embedder *Embedder
	index    *Index
}

// NewRetriever creates a Retriever backed by the given Embedder and Index.
func NewRetriever(embedder *Embedder, index *Index) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve embeds query and returns the topK rows of table whose column is
// most similar to it.
func (r *Retriever) Retrieve(ctx context.Context, table, column, query string, topK int) ([]Match, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(ctx, table, column, vec, topK)
}
