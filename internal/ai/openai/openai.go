// Package openai implements the ai capabilities against any OpenAI compatible
// endpoint through langchaingo.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// local servers often run without auth but the client insists on a token
const noToken = "none"

func clientOptions(cfg *config.AIConfig, opts ...lcopenai.Option) []lcopenai.Option {
	token := cfg.APIKey
	if token == "" {
		token = noToken
	}
	opts = append(opts, lcopenai.WithToken(token))
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	return opts
}

// Embedder implements ai.Embedder.
type Embedder struct {
	embedder embeddings.Embedder
	logger   logger.Logger
}

var _ ai.Embedder = (*Embedder)(nil)

func NewEmbedder(cfg *config.AIConfig, log logger.Logger) (*Embedder, error) {
	if log == nil {
		log = logger.NewNop()
	}
	client, err := lcopenai.New(clientOptions(cfg, lcopenai.WithEmbeddingModel(cfg.EmbeddingModel))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return &Embedder{
		embedder: emb,
		logger:   log.Named("embedder").With(logger.String("model", cfg.EmbeddingModel)),
	}, nil
}

func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ai.ErrEmptyText
	}
	vectors, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, ai.ErrEmptyEmbedding
	}
	return vectors[0], nil
}

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	e.logger.Debug("Generating embeddings", logger.Int("count", len(texts)))
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("Failed to generate embeddings", logger.Int("count", len(texts)), logger.Error(err))
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ai.ErrEmptyEmbedding, len(vectors), len(texts))
	}
	return vectors, nil
}

// TextGenerator implements ai.TextGenerator.
type TextGenerator struct {
	client    llms.Model
	maxTokens int
	logger    logger.Logger
}

var _ ai.TextGenerator = (*TextGenerator)(nil)

func NewTextGenerator(cfg *config.AIConfig, log logger.Logger) (*TextGenerator, error) {
	if log == nil {
		log = logger.NewNop()
	}
	client, err := lcopenai.New(clientOptions(cfg, lcopenai.WithModel(cfg.TextModel))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create text generation client: %w", err)
	}
	return &TextGenerator{
		client:    client,
		maxTokens: cfg.MaxTokens,
		logger:    log.Named("generator").With(logger.String("model", cfg.TextModel)),
	}, nil
}

func (g *TextGenerator) GenerateText(ctx context.Context, prompt string, onToken ai.TokenFunc) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ai.ErrEmptyText
	}
	opts := []llms.CallOption{llms.WithTemperature(0)}
	if g.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(g.maxTokens))
	}
	if onToken != nil {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			return onToken(ctx, string(chunk))
		}))
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, g.client, prompt, opts...)
	if err != nil {
		g.logger.Error("Text generation failed", logger.Error(err))
		return "", fmt.Errorf("failed to generate text: %w", err)
	}
	return text, nil
}
