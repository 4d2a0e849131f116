package memory

import (
	"context"

	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/models"
)

// MemoryService is what the HTTP API and the CLI talk to.
type MemoryService interface {
	ImportDocument(ctx context.Context, req *models.DocumentUploadRequest) (string, error)
	ImportText(ctx context.Context, index, documentID, text string, tags models.TagCollection, steps []models.Step) (string, error)
	// GetDocumentStatus returns nil without error when the document is unknown.
	GetDocumentStatus(ctx context.Context, index, documentID string) (*models.DataPipelineStatus, error)
	IsDocumentReady(ctx context.Context, index, documentID string) (bool, error)
	DeleteDocument(ctx context.Context, index, documentID string) error
	DeleteIndex(ctx context.Context, index string) error
	ListIndexes(ctx context.Context) ([]models.IndexDetails, error)
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResult, error)
	// Ask answers from retrieved memories; onToken, when set, receives the answer as it streams.
	Ask(ctx context.Context, q *models.MemoryQuery, onToken ai.TokenFunc) (*models.MemoryAnswer, error)
	Close() error
}
