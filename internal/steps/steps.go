// Package steps implements the pipeline step handlers: decoding, partitioning,
// embedding, record storage, summarisation and the deletion steps.
package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/memorydb"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// FileStore is the part of the orchestrator handlers use to reach document files.
type FileStore interface {
	ReadFile(ctx context.Context, index, documentID, fileName string) ([]byte, error)
	WriteFile(ctx context.Context, index, documentID, fileName string, content []byte) error
	DeleteFile(ctx context.Context, index, documentID, fileName string) error
	ListFiles(ctx context.Context, index, documentID string) ([]string, error)
}

// Decoders resolves a decoder by MIME type.
type Decoders interface {
	GetProcessor(mimeType string) (document.Processor, error)
}

// Dependencies of the handlers. Files and Logger are used by all of them; the
// others only by the handlers that need them.
type Dependencies struct {
	Files     FileStore
	Decoders  Decoders
	Embedder  ai.Embedder
	Generator ai.TextGenerator
	MemoryDB  memorydb.MemoryDB
	Logger    logger.Logger
}

type Options struct {
	PartitionMaxWords    int
	PartitionOverlap     int
	EmbeddingConcurrency int
	// SummaryMaxChars truncates the text sent to the model.
	SummaryMaxChars int
}

func DefaultOptions() Options {
	return Options{
		PartitionMaxWords:    300,
		PartitionOverlap:     30,
		EmbeddingConcurrency: 4,
		SummaryMaxChars:      16000,
	}
}

// NewHandlers builds every handler whose dependencies are present.
func NewHandlers(deps Dependencies, opts Options) []orchestration.StepHandler {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	handlers := []orchestration.StepHandler{
		NewDeleteGeneratedFilesHandler(deps),
	}
	if deps.Decoders != nil {
		handlers = append(handlers, NewExtractHandler(deps))
	}
	handlers = append(handlers, NewPartitionHandler(deps, opts))
	if deps.Embedder != nil {
		handlers = append(handlers, NewGenEmbeddingsHandler(deps, opts))
	}
	if deps.Generator != nil {
		handlers = append(handlers, NewSummarizeHandler(deps, opts))
	}
	if deps.MemoryDB != nil {
		handlers = append(handlers,
			NewSaveRecordsHandler(deps),
			NewDeleteDocumentHandler(deps),
			NewDeleteIndexHandler(deps),
		)
	}
	return handlers
}

// Artifact names.
func extractTextName(source string) string    { return source + ".extract.txt" }
func extractContentName(source string) string { return source + ".extract.json" }
func partitionName(source string, n int) string {
	return fmt.Sprintf("%s.partition.%d.txt", source, n)
}
func embeddingName(partition string) string { return partition + ".text_embedding.json" }
func summaryName(source string) string      { return source + ".summary.txt" }

// RecordID is the memory record id of one embedded partition.
func RecordID(documentID, partitionFileID string) string {
	return "d=" + documentID + "//p=" + partitionFileID
}

func sha(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// writeArtifact stores content next to the source file and registers it. A rerun
// overwrites the file and keeps the id it got the first time.
func writeArtifact(ctx context.Context, files FileStore, p *models.Pipeline, parent *models.FileDetails,
	g *models.GeneratedFileDetails, content []byte) error {
	if err := files.WriteFile(ctx, p.Index, p.DocumentID, g.Name, content); err != nil {
		return fmt.Errorf("failed to write %s: %w", g.Name, err)
	}
	if prev, ok := parent.GeneratedFiles[g.Name]; ok && prev.ID != "" {
		g.ID = prev.ID
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Tags == nil {
		g.Tags = parent.Tags.Clone()
	}
	g.Size = int64(len(content))
	g.ContentSHA256 = sha(content)
	parent.AddGeneratedFile(g)
	return nil
}
