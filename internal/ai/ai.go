// Package ai declares the model capabilities used by pipeline steps and the
// memory service: text embeddings and text generation.
package ai

import (
	"context"
	"errors"
)

var (
	ErrEmptyText      = errors.New("ai: text is empty")
	ErrEmptyEmbedding = errors.New("ai: model returned no embedding")
)

// Embedder turns text into vectors. Implementations must be safe for concurrent use.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// EmbedTexts returns one vector per input, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// TokenFunc receives generated text as it streams. Returning an error aborts generation.
type TokenFunc func(ctx context.Context, chunk string) error

// TextGenerator completes prompts. onToken may be nil.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string, onToken TokenFunc) (string, error)
}
