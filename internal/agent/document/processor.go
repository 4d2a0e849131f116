package document

import (
	"context"
	"errors"
	"io"

	"github.com/feichai0017/memory-pipeline/internal/models"
)

// ErrInvalidDocument means the content cannot be decoded; retrying will not help.
var ErrInvalidDocument = errors.New("invalid document")

// Chunk metadata keys shared by all decoders.
const (
	MetaPage              = "page"
	MetaType              = "type"
	MetaSource            = "source"
	MetaConfidence        = "confidence"
	MetaSentencesComplete = "sentencesAreComplete"
)

// Processor 文档解码器接口
type Processor interface {
	// CanProcess reports whether the decoder handles mimeType.
	CanProcess(mimeType string) bool

	// Process decodes the content into ordered chunks, usually one per page.
	Process(ctx context.Context, reader io.Reader) ([]models.DocumentChunk, error)

	Close() error
}
