package text

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// Processor passes textual formats through as a single chunk.
type Processor struct {
	logger logger.Logger
}

func NewProcessor(log logger.Logger) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{logger: log.Named("text")}
}

func (p *Processor) CanProcess(mimeType string) bool {
	switch mimeType {
	case validator.MimePlainText, validator.MimeMarkdown, validator.MimeJSON, validator.MimeCSV, validator.MimeHTML:
		return true
	}
	return false
}

func (p *Processor) Process(ctx context.Context, r io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read text: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: text is not valid UTF-8", document.ErrInvalidDocument)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(content) == "" {
		return []models.DocumentChunk{}, nil
	}
	return []models.DocumentChunk{{
		Content: content,
		Metadata: map[string]interface{}{
			document.MetaPage:              1,
			document.MetaType:              "text",
			document.MetaSource:            "text",
			document.MetaSentencesComplete: true,
		},
	}}, nil
}

func (p *Processor) Close() error {
	return nil
}
