package textract

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// API is the subset of the textract client used here.
type API interface {
	AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

type Options struct {
	MinConfidence float32
	EnableTables  bool
	EnableForms   bool
}

func DefaultOptions() Options {
	return Options{MinConfidence: 80, EnableTables: true, EnableForms: true}
}

// Processor sends images to AWS Textract.
type Processor struct {
	client API
	logger logger.Logger
	opts   Options
}

func NewProcessor(ctx context.Context, cfg *config.TextractConfig, log logger.Logger) (*Processor, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewProcessorWithClient(client, DefaultOptions(), log), nil
}

func NewProcessorWithClient(client API, opts Options, log logger.Logger) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{client: client, logger: log.Named("textract"), opts: opts}
}

func (p *Processor) CanProcess(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png", "image/tiff":
		return true
	}
	return false
}

func (p *Processor) Process(ctx context.Context, reader io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var features []types.FeatureType
	if p.opts.EnableTables {
		features = append(features, types.FeatureTypeTables)
	}
	if p.opts.EnableForms {
		features = append(features, types.FeatureTypeForms)
	}
	if len(features) == 0 {
		// AnalyzeDocument requires at least one feature
		features = append(features, types.FeatureTypeLayout)
	}

	out, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: data},
		FeatureTypes: features,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze document: %w", err)
	}

	blocks := indexBlocks(out.Blocks)
	var chunks []models.DocumentChunk
	if lines := p.lines(out.Blocks); len(lines) > 0 {
		chunks = append(chunks, chunk(strings.Join(lines, "\n"), "text", nil))
	}
	if p.opts.EnableTables {
		for _, t := range tables(out.Blocks, blocks) {
			chunks = append(chunks, chunk(t.String(), "table", map[string]interface{}{"rows": t.Rows, "cols": t.Cols}))
		}
	}
	if p.opts.EnableForms {
		for _, f := range forms(out.Blocks, blocks) {
			chunks = append(chunks, chunk(f.Key+": "+f.Value, "form", map[string]interface{}{"key": f.Key}))
		}
	}
	p.logger.Debug("Document analyzed", logger.Int("blocks", len(out.Blocks)), logger.Int("chunks", len(chunks)))
	if chunks == nil {
		chunks = []models.DocumentChunk{}
	}
	return chunks, nil
}

func chunk(content, kind string, extra map[string]interface{}) models.DocumentChunk {
	meta := map[string]interface{}{
		document.MetaPage:              1,
		document.MetaType:              kind,
		document.MetaSource:            "textract",
		document.MetaSentencesComplete: false,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return models.DocumentChunk{Content: content, Metadata: meta}
}

func (p *Processor) lines(blocks []types.Block) []string {
	var texts []string
	for _, b := range blocks {
		if b.BlockType == types.BlockTypeLine && b.Text != nil &&
			(b.Confidence == nil || *b.Confidence >= p.opts.MinConfidence) {
			texts = append(texts, *b.Text)
		}
	}
	return texts
}

func (p *Processor) Close() error {
	return nil
}

func indexBlocks(blocks []types.Block) map[string]types.Block {
	m := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			m[*b.Id] = b
		}
	}
	return m
}

// childText joins the words and selected marks under b.
func childText(b types.Block, blocks map[string]types.Block) string {
	var words []string
	for _, rel := range b.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			c, ok := blocks[id]
			if !ok {
				continue
			}
			switch {
			case c.BlockType == types.BlockTypeWord && c.Text != nil:
				words = append(words, *c.Text)
			case c.BlockType == types.BlockTypeSelectionElement && c.SelectionStatus == types.SelectionStatusSelected:
				words = append(words, "[x]")
			}
		}
	}
	return strings.Join(words, " ")
}

type Table struct {
	Rows  int
	Cols  int
	Cells [][]string
}

// String renders the table one row per line with " | " between cells.
func (t Table) String() string {
	rows := make([]string, len(t.Cells))
	for i, r := range t.Cells {
		rows[i] = strings.Join(r, " | ")
	}
	return strings.Join(rows, "\n")
}

func tables(all []types.Block, blocks map[string]types.Block) []Table {
	var out []Table
	for _, b := range all {
		if b.BlockType != types.BlockTypeTable {
			continue
		}
		var cells []types.Block
		t := Table{}
		for _, rel := range b.Relationships {
			if rel.Type != types.RelationshipTypeChild {
				continue
			}
			for _, id := range rel.Ids {
				c, ok := blocks[id]
				if !ok || c.BlockType != types.BlockTypeCell || c.RowIndex == nil || c.ColumnIndex == nil {
					continue
				}
				cells = append(cells, c)
				t.Rows = max(t.Rows, int(*c.RowIndex))
				t.Cols = max(t.Cols, int(*c.ColumnIndex))
			}
		}
		t.Cells = make([][]string, t.Rows)
		for i := range t.Cells {
			t.Cells[i] = make([]string, t.Cols)
		}
		for _, c := range cells {
			t.Cells[*c.RowIndex-1][*c.ColumnIndex-1] = childText(c, blocks)
		}
		out = append(out, t)
	}
	return out
}

type FormField struct {
	Key   string
	Value string
}

func forms(all []types.Block, blocks map[string]types.Block) []FormField {
	var out []FormField
	for _, b := range all {
		if b.BlockType != types.BlockTypeKeyValueSet || !isKey(b) {
			continue
		}
		key := childText(b, blocks)
		var value string
		for _, rel := range b.Relationships {
			if rel.Type != types.RelationshipTypeValue {
				continue
			}
			for _, id := range rel.Ids {
				if v, ok := blocks[id]; ok {
					value = childText(v, blocks)
				}
			}
		}
		if key != "" && value != "" {
			out = append(out, FormField{Key: key, Value: value})
		}
	}
	return out
}

func isKey(b types.Block) bool {
	for _, t := range b.EntityTypes {
		if t == types.EntityTypeKey {
			return true
		}
	}
	return false
}
