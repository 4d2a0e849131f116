package mock

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestVector_IsDeterministicAndNormalized(t *testing.T) {
	a := Vector("the quick brown fox")
	b := Vector("the quick brown fox")
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, dot(a, a), 1e-5)

	related := Vector("quick brown dog")
	unrelated := Vector("tax invoice 2024")
	assert.Greater(t, dot(a, related), dot(a, unrelated))
}

func TestEmbedder_FuncOverride(t *testing.T) {
	m := NewEmbedder()
	m.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 2}, nil
	}
	v, err := m.EmbedText(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)

	vs, err := m.EmbedTexts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vs, 2)
	assert.Equal(t, 2, m.CallCount())
}

func TestTextGenerator_Streams(t *testing.T) {
	g := NewTextGenerator()
	var streamed strings.Builder
	out, err := g.GenerateText(context.Background(), "Summarize:\n\nGo is fun\nmore", func(ctx context.Context, chunk string) error {
		streamed.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "summary: Go is fun", out)
	assert.Equal(t, out, streamed.String())
	assert.Len(t, g.Prompts(), 1)
}
