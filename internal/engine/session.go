package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoContext is returned by Respond before CreateContext succeeded.
var ErrNoContext = errors.New("chat context not created")

// ChatSession is a stateful conversation with one chat model. Every
// Respond call sends the whole history of the current context, so the
// model sees prior turns until CreateContext starts a fresh one.
//
// A ChatSession is not safe for concurrent use.
type ChatSession struct {
	engine Engine
	model  string

	size    int
	history []Message

	once    sync.Once
	maxSize int
}

// NewChatSession returns a session for model. No context exists until
// CreateContext is called.
func NewChatSession(e Engine, model string) *ChatSession {
	return &ChatSession{engine: e, model: model}
}

// Model returns the chat model name.
func (s *ChatSession) Model() string {
	return s.model
}

// CreateContext discards the history and opens a context of size tokens.
func (s *ChatSession) CreateContext(ctx context.Context, size int) error {
	if size <= 0 {
		return fmt.Errorf("invalid context size %d", size)
	}
	if !s.engine.IsRunning(ctx) {
		return fmt.Errorf("chat model %s: inference engine is not reachable", s.model)
	}
	s.size = size
	s.history = s.history[:0]
	return nil
}

// Respond sends prompt as the next user turn and returns the reply. The
// exchange is kept in the history only when the model answered.
func (s *ChatSession) Respond(ctx context.Context, prompt string) (string, error) {
	if s.size == 0 {
		return "", ErrNoContext
	}
	msgs := append(s.history, Message{Role: "user", Content: prompt})
	reply, err := s.engine.Chat(ctx, s.model, msgs, ChatOptions{NumCtx: s.size})
	if err != nil {
		return "", fmt.Errorf("chat with %s: %w", s.model, err)
	}
	s.history = append(msgs, Message{Role: "assistant", Content: reply})
	return reply, nil
}

// ContextSize returns the size of the current context, or 0 if none.
func (s *ChatSession) ContextSize() int {
	return s.size
}

// MaxContextSize returns the model's trained context length, or 0 when the
// backend does not report one. The value is looked up once.
func (s *ChatSession) MaxContextSize(ctx context.Context) int {
	s.once.Do(func() {
		info, err := s.engine.ModelInfo(ctx, s.model)
		if err == nil {
			s.maxSize = info.ContextLength
		}
	})
	return s.maxSize
}

// Turns returns the number of messages held in the current context.
func (s *ChatSession) Turns() int {
	return len(s.history)
}
