package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
)

func newTestInProcess(t *testing.T) *InProcess {
	t.Helper()
	deps, _ := newTestDeps(t)
	o, err := NewInProcess(deps, DefaultOptions())
	require.NoError(t, err)
	return o
}

func TestInProcess_RunsStepsInOrder(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)

	var mu sync.Mutex
	var order []models.Step
	for _, s := range models.DefaultSteps {
		require.NoError(t, o.AddHandler(ctx, recordingStep(s, &mu, &order)))
	}

	id, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Tags:       models.TagCollection{"user": {"alice"}},
		Files:      []models.UploadedFile{textFile("a.txt", "hello world")},
	})
	require.NoError(t, err)
	assert.Equal(t, "doc1", id)
	assert.Equal(t, models.DefaultSteps, order)

	p, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.True(t, p.Complete())
	assert.Equal(t, models.DefaultSteps, p.CompletedSteps)
	assert.Empty(t, p.RemainingSteps)
	require.NoError(t, p.Validate())
	require.Len(t, p.Files, 1)
	assert.Equal(t, "a.txt", p.Files[0].Name)
	assert.Equal(t, int64(11), p.Files[0].Size)
	assert.Equal(t, "text/plain", p.Files[0].MimeType)
	assert.Equal(t, []string{"alice"}, p.Files[0].Tags["user"])

	ready, err := o.IsDocumentReady(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.True(t, ready)

	data, err := o.ReadFile(ctx, "notes", "doc1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestInProcess_GeneratesDocumentID(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))

	id, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index: "notes",
		Steps: []models.Step{models.StepExtract},
		Files: []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ready, err := o.IsDocumentReady(ctx, "notes", id)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestInProcess_MissingHandler(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Steps:      []models.Step{models.StepExtract, models.StepPartition},
		Files:      []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.ErrorIs(t, err, ErrHandlerNotFound)

	// nothing was persisted
	_, err = o.ReadPipelineStatus(ctx, "notes", "doc1")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestInProcess_RejectsReservedSteps(t *testing.T) {
	o := newTestInProcess(t)
	_, err := o.ImportDocument(context.Background(), &models.DocumentUploadRequest{
		Index: "notes",
		Steps: []models.Step{models.StepDeleteDocument},
	})
	assert.ErrorIs(t, err, ErrReservedStep)
}

func TestInProcess_AddHandlerReplaces(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)

	first := newFakeHandler(models.StepExtract)
	second := newFakeHandler(models.StepExtract)
	require.NoError(t, o.AddHandler(ctx, first))
	require.NoError(t, o.TryAddHandler(ctx, second))
	assert.Equal(t, []models.Step{models.StepExtract}, o.HandlerNames())

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index: "notes",
		Steps: []models.Step{models.StepExtract},
		Files: []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.NoError(t, err)
	assert.Empty(t, first.Calls())
	assert.Len(t, second.Calls(), 1)
}

func TestInProcess_TransientFailureStopsRun(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)

	boom := errors.New("boom")
	failing := newFakeHandler(models.StepPartition)
	failing.fn = func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
		return nil, boom
	}
	later := newFakeHandler(models.StepGenEmbeddings)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))
	require.NoError(t, o.AddHandler(ctx, failing))
	require.NoError(t, o.AddHandler(ctx, later))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Steps:      []models.Step{models.StepExtract, models.StepPartition, models.StepGenEmbeddings},
		Files:      []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, later.Calls())

	p, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.False(t, p.Failed)
	assert.Equal(t, []models.Step{models.StepExtract}, p.CompletedSteps)
	assert.Equal(t, []models.Step{models.StepPartition, models.StepGenEmbeddings}, p.RemainingSteps)
}

func TestInProcess_PermanentFailureMarksPipeline(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)

	failing := newFakeHandler(models.StepExtract)
	failing.fn = func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
		return nil, Permanentf("corrupt file %s", "a.pdf")
	}
	require.NoError(t, o.AddHandler(ctx, failing))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Steps:      []models.Step{models.StepExtract},
		Files:      []models.UploadedFile{textFile("a.pdf", "not a pdf")},
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	p, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.True(t, p.Failed)
	assert.Contains(t, p.LastError, "corrupt file a.pdf")

	ready, err := o.IsDocumentReady(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestInProcess_HandlerUpdatesArePersisted(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)

	h := newFakeHandler(models.StepExtract)
	h.fn = func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
		f := p.Files[0]
		f.AddGeneratedFile(&models.GeneratedFileDetails{
			FileDetails:  models.FileDetails{ID: "g1", Name: "a.txt.extract.txt", MimeType: "text/plain"},
			ArtifactType: models.ArtifactExtractedText,
		})
		f.MarkProcessedBy(models.StepExtract)
		return p, nil
	}
	require.NoError(t, o.AddHandler(ctx, h))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Steps:      []models.Step{models.StepExtract},
		Files:      []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.NoError(t, err)

	p, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)
	f := p.Files[0]
	assert.True(t, f.AlreadyProcessedBy(models.StepExtract))
	require.Contains(t, f.GeneratedFiles, "a.txt.extract.txt")
	assert.Equal(t, f.ID, f.GeneratedFiles["a.txt.extract.txt"].ParentID)
}

func TestInProcess_RejectsForeignExecution(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)

	h := newFakeHandler(models.StepExtract)
	h.fn = func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
		c := *p
		c.ExecutionID = "other"
		return &c, nil
	}
	require.NoError(t, o.AddHandler(ctx, h))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index: "notes",
		Steps: []models.Step{models.StepExtract},
		Files: []models.UploadedFile{textFile("a.txt", "x")},
	})
	assert.Error(t, err)
}

func TestInProcess_ResubmissionRecordsPreviousExecution(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))

	req := func() *models.DocumentUploadRequest {
		return &models.DocumentUploadRequest{
			Index:      "notes",
			DocumentID: "doc1",
			Steps:      []models.Step{models.StepExtract},
			Files:      []models.UploadedFile{textFile("a.txt", "x")},
		}
	}
	_, err := o.ImportDocument(ctx, req())
	require.NoError(t, err)
	first, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)

	_, err = o.ImportDocument(ctx, req())
	require.NoError(t, err)
	second, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
	require.Len(t, second.PreviousExecutionsToPurge, 1)
	assert.Equal(t, first.ExecutionID, second.PreviousExecutionsToPurge[0].ExecutionID)
	assert.Empty(t, second.PreviousExecutionsToPurge[0].PreviousExecutionsToPurge)
}

func TestInProcess_ResubmissionDuringStepWins(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	extract, started, release := blockingFirstCall(models.StepExtract)
	partition := newFakeHandler(models.StepPartition)
	require.NoError(t, o.AddHandler(ctx, extract))
	require.NoError(t, o.AddHandler(ctx, partition))

	req := func(v string) *models.DocumentUploadRequest {
		return &models.DocumentUploadRequest{
			Index:      "notes",
			DocumentID: "doc1",
			Tags:       tagged(v),
			Steps:      []models.Step{models.StepExtract, models.StepPartition},
			Files:      []models.UploadedFile{textFile("a.txt", v)},
		}
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := o.ImportDocument(ctx, req("first"))
		firstDone <- err
	}()
	<-started
	first, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)

	_, err = o.ImportDocument(ctx, req("second"))
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-firstDone)

	final, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ExecutionID, final.ExecutionID)
	assert.True(t, final.Complete())
	assert.Equal(t, []string{"second"}, final.Tags["v"])
	require.Len(t, final.PreviousExecutionsToPurge, 1)
	assert.Equal(t, first.ExecutionID, final.PreviousExecutionsToPurge[0].ExecutionID)
	assert.Equal(t, []string{final.ExecutionID}, partition.Calls())
}

func TestInProcess_UploadSkipsStatusFileName(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Steps:      []models.Step{models.StepExtract},
		Files: []models.UploadedFile{
			textFile(models.StatusFileName, `{"index":"hijack"}`),
			textFile("a.txt", "x"),
		},
	})
	require.NoError(t, err)

	p, err := o.ReadPipelineStatus(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "notes", p.Index)
	require.Len(t, p.Files, 1)
	assert.Equal(t, "a.txt", p.Files[0].Name)
}

func TestInProcess_StatusFileIsIndentedJSON(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Steps:      []models.Step{models.StepExtract},
		Files:      []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.NoError(t, err)

	raw, err := o.ReadFile(ctx, "notes", "doc1", models.StatusFileName)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "{\n  "))
	assert.Contains(t, string(raw), `"complete": true`)
	assert.Contains(t, string(raw), `"execution_id"`)

	summary, err := o.ReadPipelineSummary(ctx, "notes", "doc1")
	require.NoError(t, err)
	assert.True(t, summary.Completed)
	assert.False(t, summary.Empty)
}

func TestInProcess_DocumentDeletion(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))
	deleter := newFakeHandler(models.StepDeleteDocument)
	require.NoError(t, o.AddHandler(ctx, deleter))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index:      "notes",
		DocumentID: "doc1",
		Steps:      []models.Step{models.StepExtract},
		Files:      []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.NoError(t, err)

	require.NoError(t, o.StartDocumentDeletion(ctx, "notes", "doc1"))
	assert.Len(t, deleter.Calls(), 1)

	_, err = o.ReadPipelineStatus(ctx, "notes", "doc1")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
	docs, err := o.Storage().ListDocuments(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestInProcess_IndexDeletion(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepExtract)))
	require.NoError(t, o.AddHandler(ctx, newFakeHandler(models.StepDeleteIndex)))

	_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
		Index: "notes",
		Steps: []models.Step{models.StepExtract},
		Files: []models.UploadedFile{textFile("a.txt", "x")},
	})
	require.NoError(t, err)

	require.NoError(t, o.StartIndexDeletion(ctx, "notes"))
	indexes, err := o.Storage().ListIndexes(ctx)
	require.NoError(t, err)
	assert.NotContains(t, indexes, "notes")
}

func TestInProcess_StopAllPipelinesCancelsHandlers(t *testing.T) {
	ctx := context.Background()
	o := newTestInProcess(t)

	started := make(chan struct{})
	h := newFakeHandler(models.StepExtract)
	h.fn = func(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	require.NoError(t, o.AddHandler(ctx, h))

	done := make(chan error, 1)
	go func() {
		_, err := o.ImportDocument(ctx, &models.DocumentUploadRequest{
			Index: "notes",
			Steps: []models.Step{models.StepExtract},
			Files: []models.UploadedFile{textFile("a.txt", "x")},
		})
		done <- err
	}()

	<-started
	o.StopAllPipelines()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestInProcess_InvalidNames(t *testing.T) {
	o := newTestInProcess(t)
	_, err := o.ImportDocument(context.Background(), &models.DocumentUploadRequest{
		Index:      "../etc",
		DocumentID: "doc1",
		Steps:      []models.Step{},
	})
	assert.Error(t, err)
	assert.Error(t, o.StartDocumentDeletion(context.Background(), "notes", "a/b"))

	_, err = o.PrepareNewDocumentUpload(".", "doc1", nil, nil)
	assert.ErrorIs(t, err, validator.ErrInvalidIndexName)
	_, err = o.PrepareNewDocumentUpload("notes", ".", nil, nil)
	assert.ErrorIs(t, err, validator.ErrInvalidDocumentID)
}
