package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// Reconciler re-enqueues pipelines that stopped advancing, e.g. after a crash
// between persisting progress and enqueuing the next step. Duplicate messages
// are harmless: consumers drop or reconcile them against the persisted state.
type Reconciler struct {
	orch       *Distributed
	stallAfter time.Duration
	now        func() time.Time
}

func NewReconciler(orch *Distributed, stallAfter time.Duration) *Reconciler {
	if stallAfter <= 0 {
		stallAfter = 10 * time.Minute
	}
	return &Reconciler{orch: orch, stallAfter: stallAfter, now: time.Now}
}

// Sweep resumes every incomplete, non failed pipeline neither updated nor resumed
// within the stall window. It returns how many were re-enqueued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pipelines, err := r.orch.ListPipelines(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now().UTC()
	cutoff := now.Add(-r.stallAfter)
	resumed := 0
	for _, p := range pipelines {
		if p.Complete() || p.Failed || p.LastUpdate.After(cutoff) || p.ResumedAt.After(cutoff) {
			continue
		}
		step, _ := p.CurrentStep()
		log := r.orch.log.FromContext(logger.WithPipeline(ctx, p.Index, p.DocumentID, p.ExecutionID))
		// marker first: an enqueue that fails is retried after the next stall window
		if err := r.orch.markResumed(ctx, p, now); err != nil {
			if errors.Is(err, ErrStatusChanged) || errors.Is(err, ErrPipelineNotFound) {
				log.Debug("Pipeline moved since it was listed, not resuming", logger.Error(err))
			} else {
				log.Error("Failed to mark stalled pipeline", logger.Error(err))
			}
			continue
		}
		if err := r.orch.Enqueue(ctx, p); err != nil {
			log.Error("Failed to resume stalled pipeline", logger.Stringer("step", step), logger.Error(err))
			continue
		}
		r.orch.metrics.Resumed()
		log.Info("Resumed stalled pipeline",
			logger.Stringer("step", step),
			logger.Time("lastUpdate", p.LastUpdate),
		)
		resumed++
	}
	return resumed, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.orch.log.Warn("Reconcile sweep failed", logger.Error(err))
			}
		}
	}
}
