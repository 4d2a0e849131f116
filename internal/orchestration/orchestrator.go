// Package orchestration sequences the steps of document pipelines, either
// synchronously in the calling goroutine or through one queue per step.
package orchestration

import (
	"context"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

// StepHandler implements one step. Invoke returns the updated pipeline, or the
// input pipeline when nothing changed. Handlers must be idempotent: a step can
// run more than once for the same execution.
type StepHandler interface {
	StepName() models.Step
	Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error)
}

// MimeTypeDetector identifies uploaded files. An error means unsupported and is not fatal.
type MimeTypeDetector interface {
	Detect(fileName string, head []byte) (string, error)
}

type Orchestrator interface {
	ImportDocument(ctx context.Context, req *models.DocumentUploadRequest) (string, error)
	RunPipeline(ctx context.Context, p *models.Pipeline) error

	ReadPipelineStatus(ctx context.Context, index, documentID string) (*models.Pipeline, error)
	ReadPipelineSummary(ctx context.Context, index, documentID string) (*models.DataPipelineStatus, error)
	IsDocumentReady(ctx context.Context, index, documentID string) (bool, error)

	StartIndexDeletion(ctx context.Context, index string) error
	StartDocumentDeletion(ctx context.Context, index, documentID string) error
	StopAllPipelines()

	AddHandler(ctx context.Context, h StepHandler) error
	TryAddHandler(ctx context.Context, h StepHandler) error
	HandlerNames() []models.Step

	ReadFile(ctx context.Context, index, documentID, fileName string) ([]byte, error)
	WriteFile(ctx context.Context, index, documentID, fileName string, content []byte) error
	DeleteFile(ctx context.Context, index, documentID, fileName string) error
	ListFiles(ctx context.Context, index, documentID string) ([]string, error)
}

// Dependencies are injected into both orchestrators. Only Storage is required.
type Dependencies struct {
	Storage  storage.ContentStorage
	Logger   logger.Logger
	Detector MimeTypeDetector
	Metrics  *metrics.Metrics
}

type Options struct {
	// DefaultSteps is used when an upload does not name its steps.
	DefaultSteps []models.Step
	// MaxPreviousExecutions caps the superseded executions kept for purging; <= 0 means no cap.
	MaxPreviousExecutions int
	// IndentStatus writes the status file as indented JSON.
	IndentStatus bool
}

func DefaultOptions() Options {
	return Options{
		DefaultSteps:          models.DefaultSteps,
		MaxPreviousExecutions: 10,
		IndentStatus:          true,
	}
}
