package orchestration

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
	"github.com/feichai0017/memory-pipeline/pkg/storage/disk"
)

type fakeHandler struct {
	step models.Step
	fn   func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error)

	mu    sync.Mutex
	calls []string
}

func newFakeHandler(step models.Step) *fakeHandler {
	return &fakeHandler{step: step}
}

func (h *fakeHandler) StepName() models.Step { return h.step }

func (h *fakeHandler) Invoke(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	h.mu.Lock()
	h.calls = append(h.calls, p.ExecutionID)
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, p)
	}
	return p, nil
}

func (h *fakeHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// recordingStep appends its name to order on every invocation.
func recordingStep(step models.Step, mu *sync.Mutex, order *[]models.Step) *fakeHandler {
	h := newFakeHandler(step)
	h.fn = func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
		mu.Lock()
		*order = append(*order, step)
		mu.Unlock()
		return p, nil
	}
	return h
}

// blockingFirstCall returns a handler whose first invocation closes started and
// then waits for release; later invocations return immediately.
func blockingFirstCall(step models.Step) (h *fakeHandler, started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	h = newFakeHandler(step)
	h.fn = func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-release
		}
		return p, nil
	}
	return h, started, release
}

func tagged(v string) models.TagCollection {
	tags := models.TagCollection{}
	tags.Add("v", v)
	return tags
}

func newTestDeps(t *testing.T) (Dependencies, *logger.TestLogger) {
	t.Helper()
	log := logger.NewTestLogger()
	store, err := disk.NewDiskStorage(t.TempDir(), log)
	require.NoError(t, err)
	return Dependencies{
		Storage: store,
		Logger:  log,
		Metrics: metrics.New("test"),
	}, log
}

func textFile(name, content string) models.UploadedFile {
	return models.UploadedFile{Name: name, Content: strings.NewReader(content)}
}
