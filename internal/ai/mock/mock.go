// Package mock provides deterministic test doubles for the ai capabilities.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/feichai0017/memory-pipeline/internal/ai"
)

// Dimensions of vectors produced by the default Embedder behaviour.
const Dimensions = 64

// Embedder is an ai.Embedder whose behaviour can be replaced through the func fields.
type Embedder struct {
	EmbedTextFunc  func(ctx context.Context, text string) ([]float32, error)
	EmbedTextsFunc func(ctx context.Context, texts []string) ([][]float32, error)

	mu    sync.Mutex
	calls int
}

var _ ai.Embedder = (*Embedder)(nil)

func NewEmbedder() *Embedder {
	return &Embedder{}
}

func (m *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	m.count()
	if m.EmbedTextFunc != nil {
		return m.EmbedTextFunc(ctx, text)
	}
	return Vector(text), nil
}

func (m *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m.count()
	if m.EmbedTextsFunc != nil {
		return m.EmbedTextsFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t)
	}
	return out, nil
}

func (m *Embedder) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

// CallCount returns how many embedding calls were made.
func (m *Embedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Vector derives a unit vector from the words of text, so texts sharing words
// are closer than unrelated ones.
func Vector(text string) []float32 {
	v := make([]float32, Dimensions)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%Dimensions]++
	}
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// TextGenerator is an ai.TextGenerator double. By default it streams and
// returns "summary: " followed by the first line of the prompt's last paragraph.
type TextGenerator struct {
	GenerateTextFunc func(ctx context.Context, prompt string, onToken ai.TokenFunc) (string, error)

	mu      sync.Mutex
	prompts []string
}

var _ ai.TextGenerator = (*TextGenerator)(nil)

func NewTextGenerator() *TextGenerator {
	return &TextGenerator{}
}

func (m *TextGenerator) GenerateText(ctx context.Context, prompt string, onToken ai.TokenFunc) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.GenerateTextFunc != nil {
		return m.GenerateTextFunc(ctx, prompt, onToken)
	}

	paragraphs := strings.Split(strings.TrimSpace(prompt), "\n\n")
	last := strings.SplitN(paragraphs[len(paragraphs)-1], "\n", 2)[0]
	out := "summary: " + last
	if onToken != nil {
		for _, w := range strings.SplitAfter(out, " ") {
			if err := onToken(ctx, w); err != nil {
				return "", err
			}
		}
	}
	return out, nil
}

// Prompts returns every prompt received so far.
func (m *TextGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
