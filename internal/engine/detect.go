package engine

import (
	"context"
	"fmt"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the inference backend described by cfg. Ollama is the
// only backend; an empty base URL is a configuration error.
func Detect(cfg DetectConfig) (Engine, error) {
	if cfg.OllamaBaseURL == "" {
		return nil, fmt.Errorf("ollama base URL is not configured")
	}
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}

// Probe is Detect followed by a reachability check.
func Probe(ctx context.Context, cfg DetectConfig) (Engine, error) {
	e, err := Detect(cfg)
	if err != nil {
		return nil, err
	}
	if !e.IsRunning(ctx) {
		return nil, fmt.Errorf("ollama is not reachable at %s", cfg.OllamaBaseURL)
	}
	return e, nil
}
