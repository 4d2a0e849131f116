package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/queue/memqueue"
	"github.com/feichai0017/memory-pipeline/pkg/storage/disk"
)

type countingHandler struct {
	step  models.Step
	calls atomic.Int32
	fn    func(ctx context.Context) error
}

func (h *countingHandler) StepName() models.Step { return h.step }

func (h *countingHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	h.calls.Add(1)
	if h.fn != nil {
		if err := h.fn(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func newDistributed(t *testing.T) *orchestration.Distributed {
	t.Helper()
	log := logger.NewTestLogger()
	store, err := disk.NewDiskStorage(t.TempDir(), log)
	require.NoError(t, err)
	broker, err := memqueue.NewBroker(memqueue.Options{Concurrency: 4, MaxAttempts: 3}, log)
	require.NoError(t, err)
	o, err := orchestration.NewDistributed(orchestration.Dependencies{Storage: store, Logger: log},
		broker.Factory(), orchestration.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = o.Close()
		_ = broker.Close()
	})
	return o
}

func defaultHandlers() []*countingHandler {
	var out []*countingHandler
	for _, s := range models.DefaultSteps {
		out = append(out, &countingHandler{step: s})
	}
	return out
}

func asStepHandlers(hs []*countingHandler) []orchestration.StepHandler {
	out := make([]orchestration.StepHandler, len(hs))
	for i, h := range hs {
		out[i] = h
	}
	return out
}

func TestPipelineWorker_ProcessesUploads(t *testing.T) {
	ctx := context.Background()
	o := newDistributed(t)
	hs := defaultHandlers()
	w := NewPipelineWorker(o, asStepHandlers(hs), Config{}, nil)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	id, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index: "kb",
		Files: []models.UploadedFile{{Name: "a.txt", Content: strings.NewReader("hello")}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ready, err := o.IsDocumentReady(ctx, "kb", id)
		return err == nil && ready
	}, 5*time.Second, 20*time.Millisecond)
	for _, h := range hs {
		assert.Equal(t, int32(1), h.calls.Load(), h.step)
	}
}

func TestPipelineWorker_StartTwice(t *testing.T) {
	o := newDistributed(t)
	w := NewPipelineWorker(o, asStepHandlers(defaultHandlers()), Config{}, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)
}

func TestPipelineWorker_DuplicateHandler(t *testing.T) {
	o := newDistributed(t)
	hs := []orchestration.StepHandler{
		&countingHandler{step: models.StepExtract},
		&countingHandler{step: models.StepExtract},
	}
	w := NewPipelineWorker(o, hs, Config{}, nil)
	assert.ErrorIs(t, w.Start(context.Background()), orchestration.ErrDuplicateHandler)
}

func TestPipelineWorker_FailedStartUnsubscribes(t *testing.T) {
	ctx := context.Background()
	o := newDistributed(t)
	bad := NewPipelineWorker(o, []orchestration.StepHandler{
		&countingHandler{step: models.StepExtract},
		&countingHandler{step: models.StepPartition},
		&countingHandler{step: models.StepExtract},
	}, Config{}, nil)
	require.ErrorIs(t, bad.Start(ctx), orchestration.ErrDuplicateHandler)
	assert.Empty(t, o.HandlerNames())

	hs := defaultHandlers()
	w := NewPipelineWorker(o, asStepHandlers(hs), Config{}, nil)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index: "notes",
		Files: []models.UploadedFile{{Name: "a.txt", Content: strings.NewReader("x")}},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return hs[len(hs)-1].calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPipelineWorker_StopCancelsHandlers(t *testing.T) {
	ctx := context.Background()
	o := newDistributed(t)
	hs := defaultHandlers()
	started := make(chan struct{})
	cancelled := make(chan struct{})
	var startOnce, cancelOnce sync.Once
	// redeliveries after Stop run the handler again with a cancelled context
	hs[0].fn = func(ctx context.Context) error {
		startOnce.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			cancelOnce.Do(func() { close(cancelled) })
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	w := NewPipelineWorker(o, asStepHandlers(hs), Config{ReconcileInterval: time.Hour}, nil)
	require.NoError(t, w.Start(ctx))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index: "kb",
		Files: []models.UploadedFile{{Name: "a.txt", Content: strings.NewReader("hello")}},
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	require.NoError(t, w.Stop())
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled")
	}
	assert.Equal(t, int32(0), hs[1].calls.Load())
}
