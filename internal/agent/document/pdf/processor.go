package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// maxWorkers bounds the pages decoded in parallel.
const maxWorkers = 4

type Processor struct {
	logger logger.Logger
}

func NewProcessor(log logger.Logger) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{logger: log.Named("pdf")}
}

func (p *Processor) CanProcess(mimeType string) bool {
	return mimeType == validator.MimePDF
}

// Process returns one chunk per non-empty page, in page order.
func (p *Processor) Process(ctx context.Context, file io.Reader) ([]models.DocumentChunk, error) {
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	reader, err := open(content)
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages := make([]string, numPages)

	// 并行解析页面，结果按页码写入
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			page := reader.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("%w: page %d: %v", document.ErrInvalidDocument, pageNum, err)
			}
			pages[pageNum-1] = cleanText(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chunks := make([]models.DocumentChunk, 0, numPages)
	for i, text := range pages {
		if text == "" {
			continue
		}
		chunks = append(chunks, models.DocumentChunk{
			Content: text,
			Metadata: map[string]interface{}{
				document.MetaPage:              i + 1,
				document.MetaType:              "page",
				document.MetaSource:            "pdf",
				document.MetaSentencesComplete: false,
			},
		})
	}
	p.logger.Debug("PDF decoded", logger.Int("pages", numPages), logger.Int("chunks", len(chunks)))
	return chunks, nil
}

// open recovers from the panics the pdf reader raises on some malformed files.
func open(content []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("%w: %v", document.ErrInvalidDocument, rec)
		}
	}()
	r, err = pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", document.ErrInvalidDocument, err)
	}
	return r, nil
}

// cleanText trims every line and collapses runs of blank lines.
func cleanText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func (p *Processor) Close() error {
	return nil
}
