package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/feichai0017/memory-pipeline/internal/memorydb"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// SaveRecordsHandler writes one memory record per embedding and purges the
// records of superseded executions.
type SaveRecordsHandler struct {
	files FileStore
	db    memorydb.MemoryDB
	log   logger.ContextLogger
	now   func() time.Time
}

func NewSaveRecordsHandler(deps Dependencies) *SaveRecordsHandler {
	return &SaveRecordsHandler{
		files: deps.Files,
		db:    deps.MemoryDB,
		log:   logger.NewContextLogger(deps.Logger.Named(models.StepSaveRecords.String())),
		now:   time.Now,
	}
}

func (h *SaveRecordsHandler) StepName() models.Step { return models.StepSaveRecords }

func (h *SaveRecordsHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	log := h.log.FromContext(ctx)

	current := make(map[string]bool)
	for _, f := range p.Files {
		for _, e := range f.GeneratedFilesOfType(models.ArtifactTextEmbeddingVector) {
			current[RecordID(p.DocumentID, e.SourcePartitionID)] = true
		}
	}
	purged := 0
	for _, prev := range p.PreviousExecutionsToPurge {
		for _, f := range prev.Files {
			for _, e := range f.GeneratedFilesOfType(models.ArtifactTextEmbeddingVector) {
				id := RecordID(prev.DocumentID, e.SourcePartitionID)
				if current[id] {
					continue
				}
				if err := h.db.Delete(ctx, p.Index, id); err != nil {
					return nil, fmt.Errorf("failed to purge record %s: %w", id, err)
				}
				purged++
			}
		}
	}
	if len(p.PreviousExecutionsToPurge) > 0 {
		log.Info("Purged previous executions", logger.Int("executions", len(p.PreviousExecutionsToPurge)), logger.Int("records", purged))
		p.PreviousExecutionsToPurge = nil
	}

	indexReady := false
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(models.StepSaveRecords) {
			continue
		}
		saved := 0
		for _, e := range f.GeneratedFilesOfType(models.ArtifactTextEmbeddingVector) {
			rec, err := h.record(ctx, p, f, e)
			if err != nil {
				return nil, err
			}
			if !indexReady {
				if err := h.db.CreateIndex(ctx, p.Index, len(rec.Vector)); err != nil {
					return nil, fmt.Errorf("failed to create index %s: %w", p.Index, err)
				}
				indexReady = true
			}
			if _, err := h.db.Upsert(ctx, p.Index, rec); err != nil {
				return nil, fmt.Errorf("failed to save record %s: %w", rec.ID, err)
			}
			saved++
		}
		f.MarkProcessedBy(models.StepSaveRecords)
		log.Info("Records saved", logger.String("file", f.Name), logger.Int("records", saved))
	}
	return p, nil
}

func (h *SaveRecordsHandler) record(ctx context.Context, p *models.Pipeline, f *models.FileDetails, e *models.GeneratedFileDetails) (*models.MemoryRecord, error) {
	data, err := h.files.ReadFile(ctx, p.Index, p.DocumentID, e.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", e.Name, err)
	}
	var emb EmbeddingFile
	if err := json.Unmarshal(data, &emb); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", e.Name, err)
	}

	var source *models.GeneratedFileDetails
	for _, g := range f.GeneratedFiles {
		if g.ID == e.SourcePartitionID {
			source = g
			break
		}
	}
	if source == nil {
		return nil, fmt.Errorf("embedding %s has no source partition", e.Name)
	}
	text, err := h.files.ReadFile(ctx, p.Index, p.DocumentID, source.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source.Name, err)
	}

	tags := source.Tags.Clone()
	tags.Set(models.ReservedDocumentID, p.DocumentID)
	tags.Set(models.ReservedFileType, f.MimeType)
	tags.Set(models.ReservedFileID, f.ID)
	tags.Set(models.ReservedFilePartID, source.ID)
	tags.Set(models.ReservedPartitionNum, strconv.Itoa(source.PartitionNumber))
	tags.Set(models.ReservedSectionNum, strconv.Itoa(source.SectionNumber))

	return &models.MemoryRecord{
		ID:     RecordID(p.DocumentID, source.ID),
		Vector: emb.Vector,
		Tags:   tags,
		Payload: map[string]interface{}{
			models.PayloadText:       string(text),
			models.PayloadFileName:   f.Name,
			models.PayloadURL:        "",
			models.PayloadLastUpdate: h.now().UTC().Format(time.RFC3339),
		},
	}, nil
}
