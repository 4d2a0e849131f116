package orchestration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

// engine is implemented by the concrete orchestrators.
type engine interface {
	RunPipeline(ctx context.Context, p *models.Pipeline) error
	validateSteps(steps []models.Step) error
}

// Base holds the pipeline lifecycle shared by both execution modes.
type Base struct {
	storage  storage.ContentStorage
	log      logger.ContextLogger
	detector MimeTypeDetector
	metrics  *metrics.Metrics
	opts     Options
	engine   engine

	stopMu     sync.Mutex
	stopCtx    context.Context
	stopCancel context.CancelFunc

	// serialise status read-check-write cycles per document within this process
	statusLocks [64]sync.Mutex
}

func newBase(deps Dependencies, opts Options) (*Base, error) {
	if deps.Storage == nil {
		return nil, ErrStorageRequired
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Detector == nil {
		deps.Detector = validator.NewMimeTypeDetector()
	}
	if len(opts.DefaultSteps) == 0 {
		opts.DefaultSteps = models.DefaultSteps
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Base{
		storage:    deps.Storage,
		log:        logger.NewContextLogger(deps.Logger.Named("orchestrator")),
		detector:   deps.Detector,
		metrics:    deps.Metrics,
		opts:       opts,
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
	}, nil
}

// PrepareNewDocumentUpload builds an unplanned pipeline with a fresh execution id.
func (b *Base) PrepareNewDocumentUpload(index, documentID string, tags models.TagCollection, files []models.UploadedFile) (*models.Pipeline, error) {
	if err := validator.ValidateIndexName(index); err != nil {
		return nil, err
	}
	if err := validator.ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	if tags == nil {
		tags = models.TagCollection{}
	}
	now := time.Now().UTC()
	return &models.Pipeline{
		Index:          index,
		DocumentID:     documentID,
		ExecutionID:    uuid.NewString(),
		Tags:           tags.Clone(),
		Creation:       now,
		LastUpdate:     now,
		Steps:          []models.Step{},
		RemainingSteps: []models.Step{},
		CompletedSteps: []models.Step{},
		Files:          []*models.FileDetails{},
		FilesToUpload:  files,
	}, nil
}

// ImportDocument plans and starts a pipeline. It returns once the pipeline is
// persisted and started, not when it completes.
func (b *Base) ImportDocument(ctx context.Context, req *models.DocumentUploadRequest) (string, error) {
	documentID := req.DocumentID
	if documentID == "" {
		documentID = NewDocumentID()
	}
	steps := req.Steps
	if len(steps) == 0 {
		steps = b.opts.DefaultSteps
	}
	for _, s := range steps {
		if s == models.StepDeleteDocument || s == models.StepDeleteIndex {
			return "", fmt.Errorf("%w: %s", ErrReservedStep, s)
		}
	}
	if err := b.engine.validateSteps(steps); err != nil {
		return "", err
	}

	p, err := b.PrepareNewDocumentUpload(req.Index, documentID, req.Tags, req.Files)
	if err != nil {
		return "", err
	}
	p.Then(steps...).Build()

	if err := b.engine.RunPipeline(ctx, p); err != nil {
		return "", err
	}
	return documentID, nil
}

// NewDocumentID returns a random id that passes document id validation.
func NewDocumentID() string {
	return time.Now().UTC().Format("20060102.150405") + "." + uuid.NewString()
}

// UploadFiles stores the caller's files and persists the pipeline. It is a no-op once
// the upload completed. A previous execution of the same document is recorded so its
// records can be purged later.
func (b *Base) UploadFiles(ctx context.Context, p *models.Pipeline) error {
	if p.UploadComplete {
		return nil
	}
	log := b.log.FromContext(logger.WithPipeline(ctx, p.Index, p.DocumentID, p.ExecutionID))

	prev, err := b.ReadPipelineStatus(ctx, p.Index, p.DocumentID)
	switch {
	case errors.Is(err, ErrPipelineNotFound):
	case err != nil:
		return fmt.Errorf("failed to load previous pipeline: %w", err)
	case prev.ExecutionID != p.ExecutionID && !prev.IsDocumentDeletionPipeline():
		if dropped := p.AddPreviousExecution(prev, b.opts.MaxPreviousExecutions); dropped > 0 {
			log.Warn("Too many previous executions to purge, dropping the oldest",
				logger.Int("dropped", dropped),
				logger.Int("limit", b.opts.MaxPreviousExecutions),
			)
		}
		log.Info("Document resubmitted, previous execution will be purged",
			logger.String("previousExecutionId", prev.ExecutionID))
	}

	if err := b.storage.CreateIndexDirectory(ctx, p.Index); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	if err := b.storage.CreateDocumentDirectory(ctx, p.Index, p.DocumentID); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}

	for _, f := range p.FilesToUpload {
		if f.Name == models.StatusFileName {
			log.Error("Skipping file with reserved name", logger.String("file", f.Name))
			continue
		}
		details, err := b.uploadFile(ctx, p, f)
		if err != nil {
			return err
		}
		if details.MimeType == "" {
			log.Warn("Unsupported file type", logger.String("file", f.Name))
		}
		p.Files = slices.DeleteFunc(p.Files, func(x *models.FileDetails) bool { return x.Name == f.Name })
		p.Files = append(p.Files, details)
		log.Debug("File uploaded", logger.String("file", f.Name), logger.Int64("size", details.Size))
	}

	p.FilesToUpload = nil
	p.UploadComplete = true
	return b.UpdatePipelineStatus(ctx, p)
}

func (b *Base) uploadFile(ctx context.Context, p *models.Pipeline, f models.UploadedFile) (*models.FileDetails, error) {
	content := f.Content
	if content == nil {
		content = bytes.NewReader(nil)
	}
	br := bufio.NewReaderSize(content, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	mimeType, detectErr := b.detector.Detect(f.Name, head)
	if detectErr != nil {
		mimeType = ""
	}

	size, err := b.storage.WriteFile(ctx, p.Index, p.DocumentID, f.Name, br)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", f.Name, err)
	}
	return &models.FileDetails{
		ID:       uuid.NewString(),
		Name:     f.Name,
		Size:     size,
		MimeType: mimeType,
		Tags:     p.Tags.Clone(),
	}, nil
}

// ReadPipelineStatus returns ErrPipelineNotFound when no status file exists.
func (b *Base) ReadPipelineStatus(ctx context.Context, index, documentID string) (*models.Pipeline, error) {
	data, err := b.storage.ReadFile(ctx, index, documentID, models.StatusFileName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPipelineNotFound, index, documentID)
		}
		return nil, fmt.Errorf("failed to read pipeline status: %w", err)
	}
	var p models.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline status %s/%s: %w", index, documentID, err)
	}
	if p.Tags == nil {
		p.Tags = models.TagCollection{}
	}
	return &p, nil
}

func (b *Base) ReadPipelineSummary(ctx context.Context, index, documentID string) (*models.DataPipelineStatus, error) {
	p, err := b.ReadPipelineStatus(ctx, index, documentID)
	if err != nil {
		return nil, err
	}
	return p.Summary(), nil
}

// IsDocumentReady is true when the pipeline exists, completed without failure and has files.
func (b *Base) IsDocumentReady(ctx context.Context, index, documentID string) (bool, error) {
	p, err := b.ReadPipelineStatus(ctx, index, documentID)
	if errors.Is(err, ErrPipelineNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Complete() && !p.Failed && len(p.Files) > 0, nil
}

// UpdatePipelineStatus persists p. Callers must not assume progress when it fails.
func (b *Base) UpdatePipelineStatus(ctx context.Context, p *models.Pipeline) error {
	defer b.lockStatus(p.Index, p.DocumentID)()
	p.LastUpdate = time.Now().UTC()
	return b.writeStatus(ctx, p)
}

// updateOwnStatus persists p only while the stored status still belongs to its
// execution. It returns ErrExecutionSuperseded when a resubmission or a deletion
// replaced the execution, or when the status vanished outside an index deletion.
func (b *Base) updateOwnStatus(ctx context.Context, p *models.Pipeline) error {
	defer b.lockStatus(p.Index, p.DocumentID)()
	cur, err := b.ReadPipelineStatus(ctx, p.Index, p.DocumentID)
	switch {
	case errors.Is(err, ErrPipelineNotFound):
		if !p.IsIndexDeletionPipeline() {
			return fmt.Errorf("%w: status of %s/%s was removed", ErrExecutionSuperseded, p.Index, p.DocumentID)
		}
	case err != nil:
		return err
	case cur.ExecutionID != p.ExecutionID:
		return fmt.Errorf("%w by execution %s", ErrExecutionSuperseded, cur.ExecutionID)
	}
	p.LastUpdate = time.Now().UTC()
	return b.writeStatus(ctx, p)
}

// markResumed stamps ResumedAt on the stored status, provided nothing was persisted
// since p was read. It returns ErrStatusChanged otherwise.
func (b *Base) markResumed(ctx context.Context, p *models.Pipeline, at time.Time) error {
	defer b.lockStatus(p.Index, p.DocumentID)()
	cur, err := b.ReadPipelineStatus(ctx, p.Index, p.DocumentID)
	if err != nil {
		return err
	}
	if cur.ExecutionID != p.ExecutionID || !cur.LastUpdate.Equal(p.LastUpdate) || !cur.ResumedAt.Equal(p.ResumedAt) {
		return ErrStatusChanged
	}
	cur.ResumedAt = at.UTC()
	if err := b.writeStatus(ctx, cur); err != nil {
		return err
	}
	p.ResumedAt = cur.ResumedAt
	return nil
}

func (b *Base) writeStatus(ctx context.Context, p *models.Pipeline) error {
	var data []byte
	var err error
	if b.opts.IndentStatus {
		data, err = json.MarshalIndent(p, "", "  ")
	} else {
		data, err = json.Marshal(p)
	}
	if err != nil {
		return fmt.Errorf("failed to serialize pipeline status: %w", err)
	}
	if _, err := b.storage.WriteFile(ctx, p.Index, p.DocumentID, models.StatusFileName, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to persist pipeline status %s/%s: %w", p.Index, p.DocumentID, err)
	}
	return nil
}

func (b *Base) lockStatus(index, documentID string) func() {
	h := fnv.New32a()
	h.Write([]byte(index))
	h.Write([]byte{0})
	h.Write([]byte(documentID))
	mu := &b.statusLocks[h.Sum32()%uint32(len(b.statusLocks))]
	mu.Lock()
	return mu.Unlock
}

// StartIndexDeletion runs a single step pipeline deleting the index.
func (b *Base) StartIndexDeletion(ctx context.Context, index string) error {
	if err := validator.ValidateIndexName(index); err != nil {
		return err
	}
	return b.engine.RunPipeline(ctx, b.deletionPipeline(index, "", models.StepDeleteIndex))
}

// StartDocumentDeletion runs a single step pipeline deleting the document. Its new
// execution id supersedes any ingestion still in flight.
func (b *Base) StartDocumentDeletion(ctx context.Context, index, documentID string) error {
	if err := validator.ValidateIndexName(index); err != nil {
		return err
	}
	if err := validator.ValidateDocumentID(documentID); err != nil {
		return err
	}
	return b.engine.RunPipeline(ctx, b.deletionPipeline(index, documentID, models.StepDeleteDocument))
}

func (b *Base) deletionPipeline(index, documentID string, step models.Step) *models.Pipeline {
	now := time.Now().UTC()
	p := &models.Pipeline{
		Index:          index,
		DocumentID:     documentID,
		ExecutionID:    uuid.NewString(),
		Tags:           models.TagCollection{},
		Creation:       now,
		UploadComplete: true,
		Files:          []*models.FileDetails{},
	}
	return p.Then(step).Build()
}

// persistNewPipeline writes the initial state: uploads files when needed, otherwise saves the status.
func (b *Base) persistNewPipeline(ctx context.Context, p *models.Pipeline) error {
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}
	if !p.UploadComplete {
		return b.UploadFiles(ctx, p)
	}
	if err := b.storage.CreateIndexDirectory(ctx, p.Index); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	if p.DocumentID != "" {
		if err := b.storage.CreateDocumentDirectory(ctx, p.Index, p.DocumentID); err != nil {
			return fmt.Errorf("failed to create document directory: %w", err)
		}
	}
	return b.UpdatePipelineStatus(ctx, p)
}

// CleanUpAfterCompletion removes the directory of a finished deletion pipeline. Failures are only logged.
func (b *Base) CleanUpAfterCompletion(ctx context.Context, p *models.Pipeline) {
	log := b.log.FromContext(logger.WithPipeline(ctx, p.Index, p.DocumentID, p.ExecutionID))
	var err error
	switch {
	case p.IsDocumentDeletionPipeline():
		err = b.storage.DeleteDocumentDirectory(ctx, p.Index, p.DocumentID)
	case p.IsIndexDeletionPipeline():
		err = b.storage.DeleteIndexDirectory(ctx, p.Index)
	default:
		return
	}
	if err != nil {
		log.Error("Failed to clean up after deletion", logger.Error(err))
		return
	}
	log.Info("Deletion cleaned up")
}

// StopAllPipelines cancels the context of every running and future handler invocation.
func (b *Base) StopAllPipelines() {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	b.stopCancel()
	b.log.Info("All pipelines stopped")
}

// handlerContext derives a context cancelled by ctx or by StopAllPipelines.
func (b *Base) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	b.stopMu.Lock()
	stop := b.stopCtx
	b.stopMu.Unlock()

	hctx, cancel := context.WithCancel(ctx)
	unregister := context.AfterFunc(stop, cancel)
	return hctx, func() {
		unregister()
		cancel()
	}
}

// ListPipelines loads every persisted pipeline: index level ones first, then documents.
// Unreadable status files are logged and skipped.
func (b *Base) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	indexes, err := b.storage.ListIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	var out []*models.Pipeline
	for _, index := range indexes {
		docs, err := b.storage.ListDocuments(ctx, index)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents of %s: %w", index, err)
		}
		for _, doc := range append([]string{""}, docs...) {
			p, err := b.ReadPipelineStatus(ctx, index, doc)
			if errors.Is(err, ErrPipelineNotFound) {
				continue
			}
			if err != nil {
				b.log.Warn("Skipping unreadable pipeline",
					logger.String("index", index),
					logger.String("documentId", doc),
					logger.Error(err),
				)
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *Base) ReadFile(ctx context.Context, index, documentID, fileName string) ([]byte, error) {
	return b.storage.ReadFile(ctx, index, documentID, fileName)
}

func (b *Base) WriteFile(ctx context.Context, index, documentID, fileName string, content []byte) error {
	_, err := b.storage.WriteFile(ctx, index, documentID, fileName, bytes.NewReader(content))
	return err
}

func (b *Base) DeleteFile(ctx context.Context, index, documentID, fileName string) error {
	return b.storage.DeleteFile(ctx, index, documentID, fileName)
}

func (b *Base) ListFiles(ctx context.Context, index, documentID string) ([]string, error) {
	return b.storage.ListFiles(ctx, index, documentID)
}

// Storage exposes the content storage, e.g. for listings.
func (b *Base) Storage() storage.ContentStorage {
	return b.storage
}
