package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/agent/document/image"
	"github.com/feichai0017/memory-pipeline/internal/agent/document/pdf"
	"github.com/feichai0017/memory-pipeline/internal/agent/document/text"
	"github.com/feichai0017/memory-pipeline/internal/agent/document/textract"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// ErrUnsupportedType means no decoder is registered for a MIME type.
var ErrUnsupportedType = errors.New("no decoder for mime type")

// ProcessorFactory maps MIME types to decoders.
type ProcessorFactory struct {
	processors map[string]document.Processor
	logger     logger.Logger
}

// NewEmptyFactory returns a factory without decoders; use Register to fill it.
func NewEmptyFactory(log logger.Logger) *ProcessorFactory {
	if log == nil {
		log = logger.NewNop()
	}
	return &ProcessorFactory{
		processors: make(map[string]document.Processor),
		logger:     log.Named("decoders"),
	}
}

// NewProcessorFactory registers the text and PDF decoders, plus Textract for
// images when enabled in cfg or local tesseract otherwise.
func NewProcessorFactory(ctx context.Context, cfg *config.TextractConfig, log logger.Logger) (*ProcessorFactory, error) {
	f := NewEmptyFactory(log)

	textProcessor := text.NewProcessor(log)
	for _, m := range []string{validator.MimePlainText, validator.MimeMarkdown, validator.MimeJSON, validator.MimeCSV, validator.MimeHTML} {
		f.Register(m, textProcessor)
	}
	f.Register(validator.MimePDF, pdf.NewProcessor(log))

	var imageProcessor document.Processor
	if cfg != nil && cfg.Enabled {
		p, err := textract.NewProcessor(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create textract processor: %w", err)
		}
		imageProcessor = p
	} else {
		p, err := image.NewProcessor(f.logger, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create image processor: %w", err)
		}
		imageProcessor = p
	}
	// 注册图像处理器支持的所有类型
	for _, m := range []string{validator.MimeJPEG, validator.MimePNG, validator.MimeTIFF, validator.MimeGIF} {
		if imageProcessor.CanProcess(m) {
			f.Register(m, imageProcessor)
		}
	}

	f.logger.Info("Decoders registered", logger.Strings("mimeTypes", f.MimeTypes()))
	return f, nil
}

// Register installs p for mimeType, replacing any previous decoder.
func (f *ProcessorFactory) Register(mimeType string, p document.Processor) {
	f.processors[mimeType] = p
}

func (f *ProcessorFactory) GetProcessor(mimeType string) (document.Processor, error) {
	p, ok := f.processors[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	return p, nil
}

// MimeTypes lists the registered types, sorted.
func (f *ProcessorFactory) MimeTypes() []string {
	out := make([]string, 0, len(f.processors))
	for m := range f.processors {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Close closes every distinct decoder.
func (f *ProcessorFactory) Close() error {
	seen := make(map[document.Processor]bool)
	var errs []error
	for _, p := range f.processors {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
