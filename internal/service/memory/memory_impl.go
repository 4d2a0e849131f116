package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/memorydb"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

const (
	DefaultIndex = "default"
	// TextFileName names the file created by ImportText.
	TextFileName = "content.txt"

	noAnswer = "INFO NOT FOUND"
)

var ErrEmptyQuery = errors.New("query is empty")

type Options struct {
	SearchLimit  int
	MinRelevance float64
	// AskLimit is the number of memories put in the prompt of Ask.
	AskLimit int
}

func DefaultOptions() Options {
	return Options{SearchLimit: 5, AskLimit: 10}
}

type Service struct {
	orch      orchestration.Orchestrator
	db        memorydb.MemoryDB
	embedder  ai.Embedder
	generator ai.TextGenerator
	logger    logger.ContextLogger
	opts      Options
	closers   []func() error
}

var _ MemoryService = (*Service)(nil)

// NewService takes ownership of nothing; Close only runs the closers added by GetService.
func NewService(orch orchestration.Orchestrator, db memorydb.MemoryDB, embedder ai.Embedder,
	generator ai.TextGenerator, log logger.Logger, opts Options) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultOptions().SearchLimit
	}
	if opts.AskLimit <= 0 {
		opts.AskLimit = DefaultOptions().AskLimit
	}
	return &Service{
		orch:      orch,
		db:        db,
		embedder:  embedder,
		generator: generator,
		logger:    logger.NewContextLogger(log.Named("memory")),
		opts:      opts,
	}
}

func normalize(index string) string {
	return validator.NormalizeIndexName(index, DefaultIndex)
}

func (s *Service) ImportDocument(ctx context.Context, req *models.DocumentUploadRequest) (string, error) {
	req.Index = normalize(req.Index)
	id, err := s.orch.ImportDocument(ctx, req)
	if err != nil {
		s.logger.FromContext(ctx).Error("Import failed",
			logger.String("index", req.Index), logger.String("documentId", req.DocumentID), logger.Error(err))
		return "", err
	}
	s.logger.FromContext(ctx).Info("Document imported",
		logger.String("index", req.Index), logger.String("documentId", id), logger.Int("files", len(req.Files)))
	return id, nil
}

func (s *Service) ImportText(ctx context.Context, index, documentID, text string, tags models.TagCollection, steps []models.Step) (string, error) {
	return s.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      index,
		DocumentID: documentID,
		Tags:       tags,
		Steps:      steps,
		Files:      []models.UploadedFile{{Name: TextFileName, Content: strings.NewReader(text)}},
	})
}

func (s *Service) GetDocumentStatus(ctx context.Context, index, documentID string) (*models.DataPipelineStatus, error) {
	st, err := s.orch.ReadPipelineSummary(ctx, normalize(index), documentID)
	if errors.Is(err, orchestration.ErrPipelineNotFound) {
		return nil, nil
	}
	return st, err
}

func (s *Service) IsDocumentReady(ctx context.Context, index, documentID string) (bool, error) {
	return s.orch.IsDocumentReady(ctx, normalize(index), documentID)
}

func (s *Service) DeleteDocument(ctx context.Context, index, documentID string) error {
	return s.orch.StartDocumentDeletion(ctx, normalize(index), documentID)
}

func (s *Service) DeleteIndex(ctx context.Context, index string) error {
	return s.orch.StartIndexDeletion(ctx, normalize(index))
}

func (s *Service) ListIndexes(ctx context.Context) ([]models.IndexDetails, error) {
	names, err := s.db.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.IndexDetails, 0, len(names))
	for _, n := range names {
		out = append(out, models.IndexDetails{Name: n})
	}
	return out, nil
}

func (s *Service) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResult, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, ErrEmptyQuery
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.opts.SearchLimit
	}
	minRelevance := q.MinRelevance
	if minRelevance <= 0 {
		minRelevance = s.opts.MinRelevance
	}
	index := normalize(q.Index)
	scored, err := s.retrieve(ctx, index, q.Query, minRelevance, limit, q.Filters)
	if err != nil {
		return nil, err
	}
	return &models.SearchResult{
		Query:    q.Query,
		NoResult: len(scored) == 0,
		Results:  citations(index, scored),
	}, nil
}

func (s *Service) Ask(ctx context.Context, q *models.MemoryQuery, onToken ai.TokenFunc) (*models.MemoryAnswer, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, ErrEmptyQuery
	}
	minRelevance := q.MinRelevance
	if minRelevance <= 0 {
		minRelevance = s.opts.MinRelevance
	}
	index := normalize(q.Index)
	answer := &models.MemoryAnswer{Question: q.Question}

	scored, err := s.retrieve(ctx, index, q.Question, minRelevance, s.opts.AskLimit, q.Filters)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		answer.NoResult = true
		answer.NoResultReason = "No relevant memories found"
		answer.Text = noAnswer
		return answer, nil
	}

	text, err := s.generator.GenerateText(ctx, askPrompt(q.Question, scored), onToken)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	answer.Text = strings.TrimSpace(text)
	answer.RelevantSources = citations(index, scored)
	if answer.Text == "" || strings.Contains(answer.Text, noAnswer) {
		answer.NoResult = true
		answer.NoResultReason = "No relevant memories found"
		answer.Text = noAnswer
	}
	return answer, nil
}

func (s *Service) retrieve(ctx context.Context, index, query string, minRelevance float64, limit int,
	filters []models.TagCollection) ([]models.ScoredRecord, error) {
	vec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	scored, err := s.db.GetSimilarList(ctx, index, vec, minRelevance, limit, filters...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", index, err)
	}
	s.logger.FromContext(ctx).Debug("Memories retrieved",
		logger.String("index", index), logger.Int("count", len(scored)))
	return scored, nil
}

func askPrompt(question string, scored []models.ScoredRecord) string {
	var sb strings.Builder
	sb.WriteString("Facts:\n")
	for _, r := range scored {
		text, _ := r.Record.Payload[models.PayloadText].(string)
		file, _ := r.Record.Payload[models.PayloadFileName].(string)
		fmt.Fprintf(&sb, "==== [File:%s;Relevance:%.1f%%]:\n%s\n", file, r.Relevance*100, strings.TrimSpace(text))
	}
	sb.WriteString("======\n")
	sb.WriteString("Given only the facts above, provide a comprehensive answer. ")
	sb.WriteString("If you don't know the answer reply with '" + noAnswer + "'.\n\n")
	sb.WriteString("Question: " + question + "\nAnswer:")
	return sb.String()
}

// citations groups records by source file, keeping the order of first appearance.
func citations(index string, scored []models.ScoredRecord) []*models.Citation {
	byKey := make(map[string]*models.Citation)
	var out []*models.Citation
	for _, r := range scored {
		tags := r.Record.Tags
		docID := first(tags[models.ReservedDocumentID])
		fileID := first(tags[models.ReservedFileID])
		key := docID + "/" + fileID
		c, ok := byKey[key]
		if !ok {
			name, _ := r.Record.Payload[models.PayloadFileName].(string)
			url, _ := r.Record.Payload[models.PayloadURL].(string)
			c = &models.Citation{
				Index:             index,
				DocumentID:        docID,
				FileID:            fileID,
				Link:              storage.ObjectKey(index, docID, fileID),
				SourceContentType: first(tags[models.ReservedFileType]),
				SourceName:        name,
				SourceURL:         url,
			}
			byKey[key] = c
			out = append(out, c)
		}
		c.Partitions = append(c.Partitions, partition(r))
	}
	for _, c := range out {
		sort.SliceStable(c.Partitions, func(i, j int) bool {
			return c.Partitions[i].Relevance > c.Partitions[j].Relevance
		})
	}
	return out
}

func partition(r models.ScoredRecord) *models.Partition {
	text, _ := r.Record.Payload[models.PayloadText].(string)
	p := &models.Partition{
		Text:      text,
		Relevance: r.Relevance,
		Tags:      models.TagCollection{},
	}
	p.PartitionNumber, _ = strconv.Atoi(first(r.Record.Tags[models.ReservedPartitionNum]))
	p.SectionNumber, _ = strconv.Atoi(first(r.Record.Tags[models.ReservedSectionNum]))
	if ts, ok := r.Record.Payload[models.PayloadLastUpdate].(string); ok {
		p.LastUpdate, _ = time.Parse(time.RFC3339, ts)
	}
	for k, v := range r.Record.Tags {
		if !strings.HasPrefix(k, models.ReservedTagPrefix) {
			p.Tags[k] = append([]string(nil), v...)
		}
	}
	return p
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Close releases what GetService opened, in reverse order.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
