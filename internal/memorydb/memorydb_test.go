package memorydb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feichai0017/memory-pipeline/internal/models"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestMatchesAny(t *testing.T) {
	tags := models.TagCollection{"user": {"alice"}, "type": {"news", "blog"}}
	assert.True(t, MatchesAny(tags, nil))
	assert.True(t, MatchesAny(tags, []models.TagCollection{{"user": {"alice"}, "type": {"blog"}}}))
	assert.False(t, MatchesAny(tags, []models.TagCollection{{"user": {"bob"}}}))
	assert.True(t, MatchesAny(tags, []models.TagCollection{{"user": {"bob"}}, {"type": {"news"}}}))
}
