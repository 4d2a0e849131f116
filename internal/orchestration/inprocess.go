package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
)

// InProcess runs every step synchronously inside RunPipeline. A crash leaves the
// pipeline at its last completed step; nothing resumes it automatically.
type InProcess struct {
	*Base
	registry *Registry
}

var _ Orchestrator = (*InProcess)(nil)

func NewInProcess(deps Dependencies, opts Options) (*InProcess, error) {
	base, err := newBase(deps, opts)
	if err != nil {
		return nil, err
	}
	o := &InProcess{Base: base, registry: NewRegistry()}
	base.engine = o
	return o, nil
}

// AddHandler registers h; a later registration for the same step replaces it.
func (o *InProcess) AddHandler(ctx context.Context, h StepHandler) error {
	if h == nil {
		return ErrHandlerRequired
	}
	if o.registry.Set(h) {
		o.log.Info("Replaced step handler", logger.Stringer("step", h.StepName()))
	}
	return nil
}

// TryAddHandler behaves like AddHandler.
func (o *InProcess) TryAddHandler(ctx context.Context, h StepHandler) error {
	return o.AddHandler(ctx, h)
}

func (o *InProcess) HandlerNames() []models.Step {
	return o.registry.Names()
}

func (o *InProcess) validateSteps(steps []models.Step) error {
	return o.registry.Validate(steps)
}

// RunPipeline uploads the files and executes the remaining steps in order,
// persisting after each one. The first failure stops the run and is returned.
func (o *InProcess) RunPipeline(ctx context.Context, p *models.Pipeline) error {
	ctx = logger.WithPipeline(ctx, p.Index, p.DocumentID, p.ExecutionID)
	log := o.log.FromContext(ctx)

	if err := o.persistNewPipeline(ctx, p); err != nil {
		return err
	}

	for !p.Complete() {
		step, _ := p.CurrentStep()
		h, ok := o.registry.Get(step)
		if !ok {
			log.Error("No handler for step", logger.Stringer("step", step))
			return fmt.Errorf("%w: %s", ErrHandlerNotFound, step)
		}

		next, err := invokeHandler(ctx, o.Base, h, p)
		if err != nil {
			if IsPermanent(err) {
				p.Failed = true
				p.LastError = err.Error()
				if perr := o.updateOwnStatus(ctx, p); perr != nil {
					log.Error("Failed to record pipeline failure", logger.Error(perr))
				}
			}
			log.Error("Step failed", logger.Stringer("step", step), logger.Error(err))
			return fmt.Errorf("step %s failed: %w", step, err)
		}
		p = next

		if err := p.MoveToNextStep(); err != nil {
			return err
		}
		if err := o.updateOwnStatus(ctx, p); err != nil {
			if errors.Is(err, ErrExecutionSuperseded) {
				// a resubmission or deletion now owns the document and runs on its own
				log.Info("Stopping superseded execution", logger.Stringer("step", step), logger.Error(err))
				return nil
			}
			return err
		}
		log.Info("Step completed", logger.Stringer("step", step))
	}

	o.metrics.Completed()
	log.Info("Pipeline complete")
	o.CleanUpAfterCompletion(ctx, p)
	return nil
}

// invokeHandler runs h under the stop token and records its outcome. A nil result keeps p.
func invokeHandler(ctx context.Context, b *Base, h StepHandler, p *models.Pipeline) (*models.Pipeline, error) {
	hctx, cancel := b.handlerContext(ctx)
	defer cancel()

	step := h.StepName().String()
	start := time.Now()
	next, err := h.Invoke(hctx, p)
	switch {
	case err == nil:
		b.metrics.ObserveStep(step, metrics.OutcomeSuccess, time.Since(start))
	case IsPermanent(err):
		b.metrics.ObserveStep(step, metrics.OutcomePermanent, time.Since(start))
	default:
		b.metrics.ObserveStep(step, metrics.OutcomeFailure, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = p
	}
	if next.ExecutionID != p.ExecutionID {
		return nil, errors.New("handler returned a pipeline of another execution")
	}
	return next, nil
}
