package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

const summaryPrompt = "Summarize the content below. Keep every important fact, name and number. " +
	"Write plain prose without headings or lists."

// SummaryTagValue is the __synth tag value of summaries.
const SummaryTagValue = "summary"

// SummarizeHandler asks the text model for a summary of every extracted file.
type SummarizeHandler struct {
	files     FileStore
	generator ai.TextGenerator
	maxChars  int
	log       logger.ContextLogger
}

func NewSummarizeHandler(deps Dependencies, opts Options) *SummarizeHandler {
	return &SummarizeHandler{
		files:     deps.Files,
		generator: deps.Generator,
		maxChars:  opts.SummaryMaxChars,
		log:       logger.NewContextLogger(deps.Logger.Named(models.StepSummarize.String())),
	}
}

func (h *SummarizeHandler) StepName() models.Step { return models.StepSummarize }

func (h *SummarizeHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	log := h.log.FromContext(ctx)
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(models.StepSummarize) {
			continue
		}
		text, err := h.extractedText(ctx, p, f)
		if err != nil {
			return nil, err
		}
		if text == "" {
			log.Debug("Nothing to summarize", logger.String("file", f.Name))
			f.MarkProcessedBy(models.StepSummarize)
			continue
		}

		summary, err := h.generator.GenerateText(ctx, summaryPrompt+"\n\n"+text, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize %s: %w", f.Name, err)
		}
		summary = strings.TrimSpace(summary)
		if summary != "" {
			tags := f.Tags.Clone()
			tags.Set(models.ReservedSynthetic, SummaryTagValue)
			if err := writeArtifact(ctx, h.files, p, f, &models.GeneratedFileDetails{
				FileDetails:  models.FileDetails{Name: summaryName(f.Name), MimeType: validator.MimePlainText, Tags: tags},
				ArtifactType: models.ArtifactSyntheticData,
			}, []byte(summary)); err != nil {
				return nil, err
			}
		}
		f.MarkProcessedBy(models.StepSummarize)
		log.Info("File summarized", logger.String("file", f.Name), logger.Int("chars", len(summary)))
	}
	return p, nil
}

func (h *SummarizeHandler) extractedText(ctx context.Context, p *models.Pipeline, f *models.FileDetails) (string, error) {
	var sb strings.Builder
	for _, g := range f.GeneratedFilesOfType(models.ArtifactExtractedText) {
		data, err := h.files.ReadFile(ctx, p.Index, p.DocumentID, g.Name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", g.Name, err)
		}
		sb.Write(data)
	}
	text := strings.TrimSpace(sb.String())
	if h.maxChars > 0 && len(text) > h.maxChars {
		text = truncateUTF8(text, h.maxChars)
	}
	return text, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

