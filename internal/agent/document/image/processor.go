package image

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/agent/document/image/preprocess"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// ProcessOptions 处理选项
type ProcessOptions struct {
	Languages   []string
	PageSegMode gosseract.PageSegMode
	// MinConfidence drops words recognised below this confidence from the average.
	MinConfidence float64
	Preprocess    preprocess.Config
}

func DefaultProcessOptions() *ProcessOptions {
	return &ProcessOptions{
		Languages:     []string{"eng"},
		PageSegMode:   gosseract.PSM_AUTO,
		MinConfidence: 60,
		Preprocess:    preprocess.DefaultConfig(),
	}
}

// Processor runs local tesseract OCR on preprocessed images.
type Processor struct {
	logger   logger.Logger
	options  *ProcessOptions
	pipeline preprocess.Pipeline
}

func NewProcessor(log logger.Logger, opts *ProcessOptions) (*Processor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts == nil {
		opts = DefaultProcessOptions()
	}
	return &Processor{
		logger:   log.Named("tesseract"),
		options:  opts,
		pipeline: preprocess.New(opts.Preprocess),
	}, nil
}

func (p *Processor) CanProcess(mimeType string) bool {
	switch mimeType {
	case "image/jpeg", "image/jpg", "image/png", "image/gif":
		return true
	default:
		return false
	}
}

func (p *Processor) Process(ctx context.Context, file io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", document.ErrInvalidDocument, err)
	}

	processed, err := p.pipeline.Apply(img)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, confidence, err := p.recognize(processed)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	p.logger.Debug("Image recognised",
		logger.String("format", format),
		logger.Float64("confidence", confidence),
		logger.Int("length", len(text)),
	)
	if text == "" {
		return []models.DocumentChunk{}, nil
	}
	return []models.DocumentChunk{{
		Content: text,
		Metadata: map[string]interface{}{
			document.MetaPage:              1,
			document.MetaType:              "image",
			document.MetaSource:            "tesseract",
			document.MetaConfidence:        confidence,
			document.MetaSentencesComplete: false,
		},
	}}, nil
}

// recognize uses a fresh client per call; gosseract clients are not goroutine safe.
func (p *Processor) recognize(img image.Image) (string, float64, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(p.options.Languages...); err != nil {
		return "", 0, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(p.options.PageSegMode); err != nil {
		return "", 0, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return "", 0, fmt.Errorf("failed to encode image: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("failed to get text: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		p.logger.Warn("Failed to get bounding boxes", logger.Error(err))
		return text, 0, nil
	}
	return text, averageConfidence(boxes, p.options.MinConfidence), nil
}

func averageConfidence(boxes []gosseract.BoundingBox, min float64) float64 {
	var total float64
	n := 0
	for _, b := range boxes {
		if b.Confidence >= min {
			total += b.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func (p *Processor) Close() error {
	return nil
}
