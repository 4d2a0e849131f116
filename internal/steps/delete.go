package steps

import (
	"context"
	"fmt"

	"github.com/feichai0017/memory-pipeline/internal/memorydb"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// DeleteGeneratedFilesHandler removes every artifact of the pipeline, keeping the sources.
type DeleteGeneratedFilesHandler struct {
	files FileStore
	log   logger.ContextLogger
}

func NewDeleteGeneratedFilesHandler(deps Dependencies) *DeleteGeneratedFilesHandler {
	return &DeleteGeneratedFilesHandler{
		files: deps.Files,
		log:   logger.NewContextLogger(deps.Logger.Named(models.StepDeleteGeneratedFiles.String())),
	}
}

func (h *DeleteGeneratedFilesHandler) StepName() models.Step { return models.StepDeleteGeneratedFiles }

func (h *DeleteGeneratedFilesHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	deleted := 0
	for _, f := range p.Files {
		for name := range f.GeneratedFiles {
			if err := h.files.DeleteFile(ctx, p.Index, p.DocumentID, name); err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", name, err)
			}
			delete(f.GeneratedFiles, name)
			deleted++
		}
		f.MarkProcessedBy(models.StepDeleteGeneratedFiles)
	}
	h.log.FromContext(ctx).Info("Generated files deleted", logger.Int("files", deleted))
	return p, nil
}

// DeleteDocumentHandler removes a document's records and files. The orchestrator
// deletes the status file and the directory once the pipeline completes.
type DeleteDocumentHandler struct {
	files FileStore
	db    memorydb.MemoryDB
	log   logger.ContextLogger
}

func NewDeleteDocumentHandler(deps Dependencies) *DeleteDocumentHandler {
	return &DeleteDocumentHandler{
		files: deps.Files,
		db:    deps.MemoryDB,
		log:   logger.NewContextLogger(deps.Logger.Named(models.StepDeleteDocument.String())),
	}
}

func (h *DeleteDocumentHandler) StepName() models.Step { return models.StepDeleteDocument }

func (h *DeleteDocumentHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	filter := models.TagCollection{}
	filter.Set(models.ReservedDocumentID, p.DocumentID)
	records, err := h.db.GetList(ctx, p.Index, -1, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	for _, rec := range records {
		if err := h.db.Delete(ctx, p.Index, rec.ID); err != nil {
			return nil, fmt.Errorf("failed to delete record %s: %w", rec.ID, err)
		}
	}

	names, err := h.files.ListFiles(ctx, p.Index, p.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	removed := 0
	for _, name := range names {
		if name == models.StatusFileName {
			continue
		}
		if err := h.files.DeleteFile(ctx, p.Index, p.DocumentID, name); err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", name, err)
		}
		removed++
	}
	h.log.FromContext(ctx).Info("Document deleted",
		logger.Int("records", len(records)), logger.Int("files", removed))
	return p, nil
}

// DeleteIndexHandler drops an index from the memory database.
type DeleteIndexHandler struct {
	db  memorydb.MemoryDB
	log logger.ContextLogger
}

func NewDeleteIndexHandler(deps Dependencies) *DeleteIndexHandler {
	return &DeleteIndexHandler{
		db:  deps.MemoryDB,
		log: logger.NewContextLogger(deps.Logger.Named(models.StepDeleteIndex.String())),
	}
}

func (h *DeleteIndexHandler) StepName() models.Step { return models.StepDeleteIndex }

func (h *DeleteIndexHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	if err := h.db.DeleteIndex(ctx, p.Index); err != nil {
		return nil, fmt.Errorf("failed to delete index %s: %w", p.Index, err)
	}
	h.log.FromContext(ctx).Info("Index deleted", logger.String("index", p.Index))
	return p, nil
}
