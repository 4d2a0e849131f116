package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

// PartitionHandler splits extracted content into overlapping text partitions.
type PartitionHandler struct {
	files    FileStore
	maxWords int
	overlap  int
	log      logger.ContextLogger
}

func NewPartitionHandler(deps Dependencies, opts Options) *PartitionHandler {
	return &PartitionHandler{
		files:    deps.Files,
		maxWords: opts.PartitionMaxWords,
		overlap:  opts.PartitionOverlap,
		log:      logger.NewContextLogger(deps.Logger.Named(models.StepPartition.String())),
	}
}

func (h *PartitionHandler) StepName() models.Step { return models.StepPartition }

func (h *PartitionHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	log := h.log.FromContext(ctx)
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(models.StepPartition) {
			continue
		}
		sections, err := h.sections(ctx, p, f)
		if err != nil {
			return nil, err
		}

		n := 0
		for _, s := range sections {
			for _, text := range Chunk(s.Content, h.maxWords, h.overlap) {
				tags := f.Tags.Clone()
				tags.Set(models.ReservedPartitionNum, strconv.Itoa(n))
				tags.Set(models.ReservedSectionNum, strconv.Itoa(s.Number))
				if err := writeArtifact(ctx, h.files, p, f, &models.GeneratedFileDetails{
					FileDetails:     models.FileDetails{Name: partitionName(f.Name, n), MimeType: validator.MimePlainText, Tags: tags},
					ArtifactType:    models.ArtifactTextPartition,
					PartitionNumber: n,
					SectionNumber:   s.Number,
				}, []byte(text)); err != nil {
					return nil, err
				}
				n++
			}
		}
		f.MarkProcessedBy(models.StepPartition)
		log.Info("File partitioned", logger.String("file", f.Name), logger.Int("partitions", n))
	}
	return p, nil
}

// sections prefers the structured extract and falls back to the plain text one.
func (h *PartitionHandler) sections(ctx context.Context, p *models.Pipeline, f *models.FileDetails) ([]models.ExtractedSection, error) {
	for _, g := range f.GeneratedFilesOfType(models.ArtifactExtractedContent) {
		data, err := h.files.ReadFile(ctx, p.Index, p.DocumentID, g.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", g.Name, err)
		}
		var content models.ExtractedContent
		if err := json.Unmarshal(data, &content); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", g.Name, err)
		}
		return content.Sections, nil
	}

	var out []models.ExtractedSection
	for _, g := range f.GeneratedFilesOfType(models.ArtifactExtractedText) {
		data, err := h.files.ReadFile(ctx, p.Index, p.DocumentID, g.Name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", g.Name, err)
		}
		out = append(out, models.ExtractedSection{Number: len(out) + 1, Content: string(data)})
	}
	return out, nil
}
