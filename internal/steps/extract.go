package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/converters"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// ExtractHandler decodes every uploaded file into plain text and structured content.
type ExtractHandler struct {
	files     FileStore
	decoders  Decoders
	converter *converters.ContentConverter
	log       logger.ContextLogger
}

func NewExtractHandler(deps Dependencies) *ExtractHandler {
	return &ExtractHandler{
		files:     deps.Files,
		decoders:  deps.Decoders,
		converter: converters.NewContentConverter(),
		log:       logger.NewContextLogger(deps.Logger.Named(models.StepExtract.String())),
	}
}

func (h *ExtractHandler) StepName() models.Step { return models.StepExtract }

func (h *ExtractHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	log := h.log.FromContext(ctx)
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(models.StepExtract) {
			log.Debug("File already extracted", logger.String("file", f.Name))
			continue
		}
		if err := h.extract(ctx, log, p, f); err != nil {
			return nil, err
		}
		f.MarkProcessedBy(models.StepExtract)
	}
	return p, nil
}

func (h *ExtractHandler) extract(ctx context.Context, log logger.Logger, p *models.Pipeline, f *models.FileDetails) error {
	if f.MimeType == "" {
		log.Warn("Unknown file type, skipping", logger.String("file", f.Name))
		return nil
	}
	decoder, err := h.decoders.GetProcessor(f.MimeType)
	if err != nil {
		log.Warn("Unsupported file type, skipping", logger.String("file", f.Name),
			logger.String("mimeType", f.MimeType), logger.Error(err))
		return nil
	}

	data, err := h.files.ReadFile(ctx, p.Index, p.DocumentID, f.Name)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	chunks, err := decoder.Process(ctx, bytes.NewReader(data))
	if errors.Is(err, document.ErrInvalidDocument) {
		return orchestration.Permanentf("failed to decode %s: %w", f.Name, err)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", f.Name, err)
	}

	content := h.converter.Convert(f.Name, f.MimeType, chunks)
	structured, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to serialize extracted content: %w", err)
	}

	if err := writeArtifact(ctx, h.files, p, f, &models.GeneratedFileDetails{
		FileDetails:  models.FileDetails{Name: extractTextName(f.Name), MimeType: validator.MimePlainText},
		ArtifactType: models.ArtifactExtractedText,
	}, []byte(content.Text())); err != nil {
		return err
	}
	if err := writeArtifact(ctx, h.files, p, f, &models.GeneratedFileDetails{
		FileDetails:  models.FileDetails{Name: extractContentName(f.Name), MimeType: validator.MimeJSON},
		ArtifactType: models.ArtifactExtractedContent,
	}, structured); err != nil {
		return err
	}
	log.Info("File extracted", logger.String("file", f.Name), logger.Int("sections", len(content.Sections)))
	return nil
}
