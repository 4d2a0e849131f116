package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
	"github.com/feichai0017/memory-pipeline/pkg/queue"
)

// Distributed runs each step in the consumer of a queue named after the step.
// Messages only carry a Pointer; consumers always reload the persisted state
// and treat the pointer as a hint.
type Distributed struct {
	*Base
	factory  queue.Factory
	registry *Registry

	mu         sync.Mutex
	consumers  map[models.Step]queue.Queue
	publishers map[models.Step]queue.Queue
}

var _ Orchestrator = (*Distributed)(nil)

func NewDistributed(deps Dependencies, factory queue.Factory, opts Options) (*Distributed, error) {
	if factory == nil {
		return nil, ErrQueueFactoryRequired
	}
	base, err := newBase(deps, opts)
	if err != nil {
		return nil, err
	}
	o := &Distributed{
		Base:       base,
		factory:    factory,
		registry:   NewRegistry(),
		consumers:  make(map[models.Step]queue.Queue),
		publishers: make(map[models.Step]queue.Queue),
	}
	base.engine = o
	return o, nil
}

// AddHandler subscribes h to the queue of its step. A second handler for the same step is an error.
func (o *Distributed) AddHandler(ctx context.Context, h StepHandler) error {
	if h == nil {
		return ErrHandlerRequired
	}
	if err := o.registry.Add(h); err != nil {
		return err
	}

	q, err := o.factory()
	if err == nil {
		err = q.OnDequeue(func(ctx context.Context, payload []byte) error {
			return o.processMessage(ctx, h, payload)
		})
	}
	if err == nil {
		err = q.Connect(ctx, h.StepName().String(), queue.PubSub)
	}
	if err != nil {
		o.registry.Remove(h.StepName())
		if q != nil {
			_ = q.Close()
		}
		return fmt.Errorf("failed to subscribe handler %s: %w", h.StepName(), err)
	}

	o.mu.Lock()
	o.consumers[h.StepName()] = q
	o.mu.Unlock()
	o.log.Info("Step handler subscribed", logger.Stringer("step", h.StepName()))
	return nil
}

// RemoveHandler unsubscribes the handler of step and closes its consumer queue.
func (o *Distributed) RemoveHandler(step models.Step) error {
	o.registry.Remove(step)
	o.mu.Lock()
	q, ok := o.consumers[step]
	delete(o.consumers, step)
	o.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.Close(); err != nil {
		return fmt.Errorf("close consumer %s: %w", step, err)
	}
	o.log.Info("Step handler unsubscribed", logger.Stringer("step", step))
	return nil
}

// TryAddHandler is AddHandler that ignores a step already handled.
func (o *Distributed) TryAddHandler(ctx context.Context, h StepHandler) error {
	if h == nil {
		return ErrHandlerRequired
	}
	if _, ok := o.registry.Get(h.StepName()); ok {
		return nil
	}
	if err := o.AddHandler(ctx, h); err != nil && !errors.Is(err, ErrDuplicateHandler) {
		return err
	}
	return nil
}

func (o *Distributed) HandlerNames() []models.Step {
	return o.registry.Names()
}

// Handlers may run in other processes, so steps are not checked against the local registry.
func (o *Distributed) validateSteps([]models.Step) error {
	return nil
}

// RunPipeline persists the initial state and enqueues the first step.
func (o *Distributed) RunPipeline(ctx context.Context, p *models.Pipeline) error {
	ctx = logger.WithPipeline(ctx, p.Index, p.DocumentID, p.ExecutionID)
	if err := o.persistNewPipeline(ctx, p); err != nil {
		return err
	}
	return o.continuePipeline(ctx, p)
}

// continuePipeline enqueues the current step, or finishes a complete pipeline.
func (o *Distributed) continuePipeline(ctx context.Context, p *models.Pipeline) error {
	log := o.log.FromContext(ctx)
	step, ok := p.CurrentStep()
	if !ok {
		o.metrics.Completed()
		log.Info("Pipeline complete")
		o.CleanUpAfterCompletion(ctx, p)
		return nil
	}
	if err := o.enqueue(ctx, step, p.Pointer()); err != nil {
		return err
	}
	log.Debug("Step enqueued", logger.Stringer("step", step))
	return nil
}

func (o *Distributed) enqueue(ctx context.Context, step models.Step, ptr models.Pointer) error {
	q, err := o.publisher(ctx, step)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("failed to serialize pipeline pointer: %w", err)
	}
	if err := q.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("failed to enqueue step %s: %w", step, err)
	}
	o.metrics.Enqueued(step.String())
	return nil
}

func (o *Distributed) publisher(ctx context.Context, step models.Step) (queue.Queue, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.publishers[step]; ok {
		return q, nil
	}
	q, err := o.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create queue for %s: %w", step, err)
	}
	if err := q.Connect(ctx, step.String(), queue.PublishOnly); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to connect queue %s: %w", step, err)
	}
	o.publishers[step] = q
	return q, nil
}

// processMessage is the consumer of one step queue. nil acknowledges, an error
// asks for redelivery and queue.ErrNonRetryable dead-letters the message.
func (o *Distributed) processMessage(ctx context.Context, h StepHandler, payload []byte) error {
	step := h.StepName()
	ptr, err := models.DecodePointer(payload)
	if err != nil {
		o.log.Error("Dropping malformed message", logger.Stringer("step", step), logger.Error(err))
		o.metrics.Dropped(step.String(), metrics.DropMalformed)
		return queue.NonRetryable(err)
	}

	ctx = logger.WithPipeline(ctx, ptr.Index, ptr.DocumentID, ptr.ExecutionID)
	log := o.log.FromContext(ctx).With(logger.Stringer("step", step))

	p, err := o.ReadPipelineStatus(ctx, ptr.Index, ptr.DocumentID)
	switch {
	case errors.Is(err, ErrPipelineNotFound) && step == models.StepDeleteIndex && ptr.HasStep(models.StepDeleteIndex):
		// the index is already gone; let the deletion finish idempotently
		log.Info("Index deletion state not found, rebuilding it from the message")
		p = pipelineFromPointer(ptr)
	case errors.Is(err, ErrPipelineNotFound):
		log.Warn("Pipeline state not found, message will be retried")
		o.metrics.Retried(step.String())
		return err
	case err != nil:
		log.Error("Failed to load pipeline state", logger.Error(err))
		o.metrics.Retried(step.String())
		return err
	}

	if p.ExecutionID != ptr.ExecutionID {
		log.Info("Dropping stale message", logger.String("currentExecutionId", p.ExecutionID))
		o.metrics.Dropped(step.String(), metrics.DropStale)
		return nil
	}
	if p.Failed {
		log.Info("Dropping message of a failed pipeline", logger.String("lastError", p.LastError))
		o.metrics.Dropped(step.String(), metrics.DropFailed)
		return nil
	}

	if current, ok := p.CurrentStep(); !ok || current != step {
		last, _ := p.LastCompletedStep()
		if last != step {
			log.Warn("Dropping message that does not match the pipeline state",
				logger.Stringer("currentStep", current),
				logger.Stringer("lastCompletedStep", last),
			)
			o.metrics.Dropped(step.String(), metrics.DropUnreconcilable)
			return nil
		}
		// state already advanced past this step but the next message was never
		// acknowledged: run the step again
		if err := p.RollbackToPreviousStep(); err != nil {
			return err
		}
		if err := o.updateOwnStatus(ctx, p); err != nil {
			if errors.Is(err, ErrExecutionSuperseded) {
				return o.dropSuperseded(log, step, err)
			}
			log.Error("Failed to persist rollback", logger.Error(err))
			return err
		}
		log.Warn("Pipeline rolled back to match the message", logger.Stringer("skippedStep", current))
		o.metrics.RolledBack(step.String())
	}

	next, err := invokeHandler(ctx, o.Base, h, p)
	if err != nil {
		if IsPermanent(err) {
			p.Failed = true
			p.LastError = err.Error()
			if perr := o.updateOwnStatus(ctx, p); perr != nil {
				if errors.Is(perr, ErrExecutionSuperseded) {
					return o.dropSuperseded(log, step, perr)
				}
				log.Error("Failed to record pipeline failure", logger.Error(perr))
				return perr
			}
			log.Error("Step failed permanently", logger.Error(err))
			return queue.NonRetryable(err)
		}
		log.Warn("Step failed, message will be retried", logger.Error(err))
		o.metrics.Retried(step.String())
		return err
	}
	p = next

	if err := p.MoveToNextStep(); err != nil {
		return err
	}
	if err := o.updateOwnStatus(ctx, p); err != nil {
		if errors.Is(err, ErrExecutionSuperseded) {
			return o.dropSuperseded(log, step, err)
		}
		log.Error("Failed to persist pipeline progress", logger.Error(err))
		o.metrics.Retried(step.String())
		return err
	}
	log.Info("Step completed")
	return o.continuePipeline(ctx, p)
}

// dropSuperseded acknowledges a message whose execution was replaced while its
// step ran; the newer execution owns the status file.
func (o *Distributed) dropSuperseded(log logger.Logger, step models.Step, err error) error {
	log.Info("Dropping result of a superseded execution", logger.Error(err))
	o.metrics.Dropped(step.String(), metrics.DropStale)
	return nil
}

func pipelineFromPointer(ptr models.Pointer) *models.Pipeline {
	p := &models.Pipeline{
		Index:          ptr.Index,
		DocumentID:     ptr.DocumentID,
		ExecutionID:    ptr.ExecutionID,
		Tags:           models.TagCollection{},
		UploadComplete: true,
		Files:          []*models.FileDetails{},
	}
	return p.Then(ptr.Steps...).Build()
}

// Enqueue sends a pointer to the queue of its current step; used by the reconciler.
func (o *Distributed) Enqueue(ctx context.Context, p *models.Pipeline) error {
	step, ok := p.CurrentStep()
	if !ok {
		return models.ErrNoRemainingSteps
	}
	return o.enqueue(ctx, step, p.Pointer())
}

// Close stops consuming and closes every queue.
func (o *Distributed) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for step, q := range o.consumers {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer %s: %w", step, err))
		}
	}
	for step, q := range o.publishers {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher %s: %w", step, err))
		}
	}
	o.consumers = make(map[models.Step]queue.Queue)
	o.publishers = make(map[models.Step]queue.Queue)
	return errors.Join(errs...)
}
