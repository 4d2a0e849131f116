package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

var ErrAlreadyStarted = errors.New("worker already started")

// PipelineWorker consumes the step queues of a distributed orchestrator.
type PipelineWorker struct {
	orch     *orchestration.Distributed
	handlers []orchestration.StepHandler
	cfg      Config
	logger   logger.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Worker = (*PipelineWorker)(nil)

func NewPipelineWorker(orch *orchestration.Distributed, handlers []orchestration.StepHandler, cfg Config, log logger.Logger) *PipelineWorker {
	if log == nil {
		log = logger.NewNop()
	}
	return &PipelineWorker{
		orch:     orch,
		handlers: handlers,
		cfg:      cfg,
		logger:   log.Named("worker"),
	}
}

// Start subscribes every handler to its step queue and starts the reconciler.
// A handler already registered for its step is an error; handlers subscribed
// before the failure are removed again.
func (w *PipelineWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	for i, h := range w.handlers {
		if err := w.orch.AddHandler(ctx, h); err != nil {
			for _, added := range w.handlers[:i] {
				if rerr := w.orch.RemoveHandler(added.StepName()); rerr != nil {
					w.logger.Warn("Failed to unsubscribe handler", logger.Error(rerr))
				}
			}
			return fmt.Errorf("failed to register %s: %w", h.StepName(), err)
		}
	}
	w.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	if w.cfg.ReconcileInterval > 0 {
		r := orchestration.NewReconciler(w.orch, w.cfg.StallAfter)
		go func() {
			defer close(w.done)
			r.Run(runCtx, w.cfg.ReconcileInterval)
		}()
	} else {
		close(w.done)
	}

	w.logger.Info("Worker started",
		logger.Any("steps", w.orch.HandlerNames()),
		logger.Duration("reconcileInterval", w.cfg.ReconcileInterval))
	return nil
}

// Stop cancels running handlers and the reconciler. Queue connections are
// closed by the orchestrator's owner.
func (w *PipelineWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.orch.StopAllPipelines()
	w.cancel()
	<-w.done
	w.started = false
	w.logger.Info("Worker stopped")
	return nil
}
