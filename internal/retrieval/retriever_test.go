package retrieval

import (
	"context"
	"errors"
	"testing"
)

func TestRetrieve(t *testing.T) {
	s, x := openIndex(t)
	seedDocs(t, s)
	ctx := context.Background()
	x.Init(ctx, "docs", "embedding", 2, Float32, Cosine)

	var queried string
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			queried = text
			return []float32{1, 0.05}, nil
		},
	}
	r := NewRetriever(NewEmbedder(mock, "nomic-embed-text"), x)

	matches, err := r.Retrieve(ctx, "docs", "embedding", "eastward", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if queried != "eastward" {
		t.Errorf("embedded %q", queried)
	}
	if len(matches) != 1 || matches[0].Values["title"] != "east" {
		t.Errorf("matches = %+v", matches)
	}
}

func TestRetrieve_EmbedFails(t *testing.T) {
	_, x := openIndex(t)
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("ollama down")
		},
	}
	r := NewRetriever(NewEmbedder(mock, "nomic-embed-text"), x)
	if _, err := r.Retrieve(context.Background(), "docs", "embedding", "q", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetrieve_NoIndex(t *testing.T) {
	_, x := openIndex(t)
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return []float32{1, 0}, nil
		},
	}
	r := NewRetriever(NewEmbedder(mock, "nomic-embed-text"), x)
	if _, err := r.Retrieve(context.Background(), "docs", "embedding", "q", 3); !errors.Is(err, ErrNoIndex) {
		t.Fatalf("err = %v, want ErrNoIndex", err)
	}
}
