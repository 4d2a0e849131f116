// Package memorydb stores embedding records per index and answers similarity queries.
package memorydb

import (
	"context"
	"errors"
	"math"

	"github.com/feichai0017/memory-pipeline/internal/models"
)

var (
	ErrRecordIDRequired = errors.New("memorydb: record id is required")
	ErrEmptyVector      = errors.New("memorydb: record has no vector")
	ErrClosed           = errors.New("memorydb: closed")
)

// MemoryDB is the vector store behind save_records, deletion steps and search.
// Filters are OR-ed; the tags inside one filter are AND-ed. No filter matches everything.
type MemoryDB interface {
	CreateIndex(ctx context.Context, index string, vectorSize int) error
	ListIndexes(ctx context.Context) ([]string, error)
	// DeleteIndex removes the index and its records. Unknown indexes are ignored.
	DeleteIndex(ctx context.Context, index string) error

	// Upsert stores rec under rec.ID, creating the index when needed.
	Upsert(ctx context.Context, index string, rec *models.MemoryRecord) (string, error)
	// GetSimilarList returns at most limit records with relevance >= minRelevance, best first.
	GetSimilarList(ctx context.Context, index string, vector []float32, minRelevance float64, limit int, filters ...models.TagCollection) ([]models.ScoredRecord, error)
	// GetList returns at most limit matching records; limit <= 0 means all.
	GetList(ctx context.Context, index string, limit int, filters ...models.TagCollection) ([]*models.MemoryRecord, error)
	// Delete removes one record. Unknown ids are ignored.
	Delete(ctx context.Context, index, id string) error

	Close() error
}

// MatchesAny reports whether tags satisfy at least one filter.
func MatchesAny(tags models.TagCollection, filters []models.TagCollection) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if tags.Matches(f) {
			return true
		}
	}
	return false
}

// CosineSimilarity returns 0 for vectors of different length or zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
