package engine

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a single chat request. A zero NumCtx leaves the
// backend's default context window in place.
type ChatOptions struct {
	NumCtx int
}

// ModelInfo is the subset of model metadata the agent relies on. Zero
// values mean the backend did not report the field.
type ModelInfo struct {
	ContextLength   int
	EmbeddingLength int
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
