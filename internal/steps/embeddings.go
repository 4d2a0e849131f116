package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// EmbeddingFile is the stored form of one embedding artifact.
type EmbeddingFile struct {
	SourceFile string    `json:"source_file"`
	Vector     []float32 `json:"vector"`
}

// GenEmbeddingsHandler embeds every partition and synthetic file.
type GenEmbeddingsHandler struct {
	files       FileStore
	embedder    ai.Embedder
	concurrency int
	log         logger.ContextLogger
}

func NewGenEmbeddingsHandler(deps Dependencies, opts Options) *GenEmbeddingsHandler {
	if opts.EmbeddingConcurrency <= 0 {
		opts.EmbeddingConcurrency = 1
	}
	return &GenEmbeddingsHandler{
		files:       deps.Files,
		embedder:    deps.Embedder,
		concurrency: opts.EmbeddingConcurrency,
		log:         logger.NewContextLogger(deps.Logger.Named(models.StepGenEmbeddings.String())),
	}
}

func (h *GenEmbeddingsHandler) StepName() models.Step { return models.StepGenEmbeddings }

func (h *GenEmbeddingsHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	log := h.log.FromContext(ctx)
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(models.StepGenEmbeddings) {
			continue
		}
		sources := append(f.GeneratedFilesOfType(models.ArtifactTextPartition),
			f.GeneratedFilesOfType(models.ArtifactSyntheticData)...)

		vectors, err := h.embed(ctx, p, sources)
		if err != nil {
			return nil, err
		}

		n := 0
		for i, src := range sources {
			if vectors[i] == nil {
				continue
			}
			data, err := json.Marshal(EmbeddingFile{SourceFile: src.Name, Vector: vectors[i]})
			if err != nil {
				return nil, fmt.Errorf("failed to serialize embedding: %w", err)
			}
			if err := writeArtifact(ctx, h.files, p, f, &models.GeneratedFileDetails{
				FileDetails:       models.FileDetails{Name: embeddingName(src.Name), MimeType: validator.MimeJSON, Tags: src.Tags.Clone()},
				SourcePartitionID: src.ID,
				ArtifactType:      models.ArtifactTextEmbeddingVector,
				PartitionNumber:   src.PartitionNumber,
				SectionNumber:     src.SectionNumber,
			}, data); err != nil {
				return nil, err
			}
			n++
		}
		f.MarkProcessedBy(models.StepGenEmbeddings)
		log.Info("Embeddings generated", logger.String("file", f.Name), logger.Int("embeddings", n))
	}
	return p, nil
}

// embed returns one vector per source, nil for blank sources.
func (h *GenEmbeddingsHandler) embed(ctx context.Context, p *models.Pipeline, sources []*models.GeneratedFileDetails) ([][]float32, error) {
	vectors := make([][]float32, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			data, err := h.files.ReadFile(gctx, p.Index, p.DocumentID, src.Name)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", src.Name, err)
			}
			text := strings.TrimSpace(string(data))
			if text == "" {
				return nil
			}
			v, err := h.embedder.EmbedText(gctx, text)
			if err != nil {
				return fmt.Errorf("failed to embed %s: %w", src.Name, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
