package steps

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
	"github.com/feichai0017/memory-pipeline/internal/agent/document/text"
	"github.com/feichai0017/memory-pipeline/internal/ai/mock"
	"github.com/feichai0017/memory-pipeline/internal/memorydb/badger"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
	"github.com/feichai0017/memory-pipeline/pkg/storage/disk"
)

type decoderMap map[string]document.Processor

func (m decoderMap) GetProcessor(mimeType string) (document.Processor, error) {
	if p, ok := m[mimeType]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no decoder for %s", mimeType)
}

type env struct {
	orch      *orchestration.InProcess
	db        *badger.DB
	embedder  *mock.Embedder
	generator *mock.TextGenerator
	log       *logger.TestLogger
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	log := logger.NewTestLogger()
	store, err := disk.NewDiskStorage(t.TempDir(), log)
	require.NoError(t, err)
	orch, err := orchestration.NewInProcess(orchestration.Dependencies{
		Storage: store,
		Logger:  log,
		Metrics: metrics.New("test"),
	}, orchestration.DefaultOptions())
	require.NoError(t, err)

	db, err := badger.Open("", true, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tp := text.NewProcessor(log)
	e := &env{
		orch:      orch,
		db:        db,
		embedder:  mock.NewEmbedder(),
		generator: mock.NewTextGenerator(),
		log:       log,
	}
	for _, h := range NewHandlers(Dependencies{
		Files:     orch,
		Decoders:  decoderMap{validator.MimePlainText: tp, validator.MimeMarkdown: tp},
		Embedder:  e.embedder,
		Generator: e.generator,
		MemoryDB:  db,
		Logger:    log,
	}, opts) {
		require.NoError(t, orch.AddHandler(context.Background(), h))
	}
	return e
}

func (e *env) importText(t *testing.T, index, documentID, name, content string, steps ...models.Step) (string, error) {
	t.Helper()
	tags := models.TagCollection{}
	tags.Add("user", "alice")
	return e.orch.ImportDocument(context.Background(), &models.DocumentUploadRequest{
		Index:      index,
		DocumentID: documentID,
		Tags:       tags,
		Steps:      steps,
		Files:      []models.UploadedFile{{Name: name, Content: strings.NewReader(content)}},
	})
}

func (e *env) records(t *testing.T, index, documentID string) []*models.MemoryRecord {
	t.Helper()
	filter := models.TagCollection{}
	filter.Set(models.ReservedDocumentID, documentID)
	recs, err := e.db.GetList(context.Background(), index, 0, filter)
	require.NoError(t, err)
	return recs
}

func TestDefaultPipeline_SavesRecords(t *testing.T) {
	e := newEnv(t, DefaultOptions())
	ctx := context.Background()

	id, err := e.importText(t, "kb", "doc1", "notes.txt", "Go has goroutines.\n\nChannels connect them.")
	require.NoError(t, err)
	assert.Equal(t, "doc1", id)

	ready, err := e.orch.IsDocumentReady(ctx, "kb", "doc1")
	require.NoError(t, err)
	assert.True(t, ready)

	recs := e.records(t, "kb", "doc1")
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Contains(t, rec.Payload[models.PayloadText], "goroutines")
	assert.Equal(t, "notes.txt", rec.Payload[models.PayloadFileName])
	assert.NotEmpty(t, rec.Payload[models.PayloadLastUpdate])
	assert.Equal(t, []string{"alice"}, rec.Tags["user"])
	assert.Equal(t, []string{validator.MimePlainText}, rec.Tags[models.ReservedFileType])
	assert.Equal(t, []string{"0"}, rec.Tags[models.ReservedPartitionNum])
	assert.Equal(t, []string{"1"}, rec.Tags[models.ReservedSectionNum])
	assert.Equal(t, "d=doc1//p="+rec.Tags[models.ReservedFilePartID][0], rec.ID)

	p, err := e.orch.ReadPipelineStatus(ctx, "kb", "doc1")
	require.NoError(t, err)
	require.Len(t, p.Files, 1)
	f := p.Files[0]
	assert.ElementsMatch(t, models.DefaultSteps, f.ProcessedBy)
	assert.Len(t, f.GeneratedFilesOfType(models.ArtifactExtractedText), 1)
	assert.Len(t, f.GeneratedFilesOfType(models.ArtifactExtractedContent), 1)
	assert.Len(t, f.GeneratedFilesOfType(models.ArtifactTextPartition), 1)
	assert.Len(t, f.GeneratedFilesOfType(models.ArtifactTextEmbeddingVector), 1)

	emb := f.GeneratedFilesOfType(models.ArtifactTextEmbeddingVector)[0]
	part := f.GeneratedFilesOfType(models.ArtifactTextPartition)[0]
	assert.Equal(t, part.ID, emb.SourcePartitionID)
	assert.Equal(t, f.ID, emb.ParentID)
	assert.NotEmpty(t, emb.ContentSHA256)

	extracted, err := e.orch.ReadFile(ctx, "kb", "doc1", "notes.txt.extract.txt")
	require.NoError(t, err)
	assert.Equal(t, "Go has goroutines.\n\nChannels connect them.", string(extracted))
}

func TestPartition_SplitsLongText(t *testing.T) {
	opts := DefaultOptions()
	opts.PartitionMaxWords = 5
	opts.PartitionOverlap = 0
	e := newEnv(t, opts)

	content := "one two three four five\n\nsix seven eight nine ten\n\neleven twelve"
	_, err := e.importText(t, "kb", "doc1", "long.md", content)
	require.NoError(t, err)

	p, err := e.orch.ReadPipelineStatus(context.Background(), "kb", "doc1")
	require.NoError(t, err)
	parts := p.Files[0].GeneratedFilesOfType(models.ArtifactTextPartition)
	require.Len(t, parts, 3)
	for i, g := range parts {
		assert.Equal(t, i, g.PartitionNumber)
		assert.Equal(t, partitionName("long.md", i), g.Name)
	}
	assert.Len(t, e.records(t, "kb", "doc1"), 3)
	assert.Equal(t, 3, e.embedder.CallCount())
}

func TestSummarize_AddsSyntheticRecord(t *testing.T) {
	e := newEnv(t, DefaultOptions())

	_, err := e.importText(t, "kb", "doc1", "notes.txt", "Badger is an embedded key value store.",
		models.StepExtract, models.StepPartition, models.StepSummarize, models.StepGenEmbeddings, models.StepSaveRecords)
	require.NoError(t, err)

	recs := e.records(t, "kb", "doc1")
	require.Len(t, recs, 2)
	var synth *models.MemoryRecord
	for _, r := range recs {
		if r.Tags.ContainsKey(models.ReservedSynthetic) {
			synth = r
		}
	}
	require.NotNil(t, synth)
	assert.Equal(t, []string{SummaryTagValue}, synth.Tags[models.ReservedSynthetic])
	assert.Equal(t, "summary: Badger is an embedded key value store.", synth.Payload[models.PayloadText])

	prompts := e.generator.Prompts()
	require.Len(t, prompts, 1)
	assert.True(t, strings.HasPrefix(prompts[0], summaryPrompt))
}

func TestResubmission_PurgesPreviousRecords(t *testing.T) {
	e := newEnv(t, DefaultOptions())
	ctx := context.Background()

	_, err := e.importText(t, "kb", "doc1", "notes.txt", "first version")
	require.NoError(t, err)
	first := e.records(t, "kb", "doc1")
	require.Len(t, first, 1)

	_, err = e.importText(t, "kb", "doc1", "notes.txt", "second version")
	require.NoError(t, err)

	recs := e.records(t, "kb", "doc1")
	require.Len(t, recs, 1)
	assert.NotEqual(t, first[0].ID, recs[0].ID)
	assert.Equal(t, "second version", recs[0].Payload[models.PayloadText])

	p, err := e.orch.ReadPipelineStatus(ctx, "kb", "doc1")
	require.NoError(t, err)
	assert.Empty(t, p.PreviousExecutionsToPurge)
}

func TestUnsupportedFile_IsSkipped(t *testing.T) {
	e := newEnv(t, DefaultOptions())

	_, err := e.importText(t, "kb", "doc1", "blob.bin", "\x00\x01\x02\x03")
	require.NoError(t, err)

	assert.Empty(t, e.records(t, "kb", "doc1"))
	assert.True(t, e.log.HasMessage("Unknown file type, skipping"))
}

func TestInvalidDocument_FailsPermanently(t *testing.T) {
	e := newEnv(t, DefaultOptions())

	_, err := e.importText(t, "kb", "doc1", "bad.txt", "ok \xff\xfe broken")
	require.Error(t, err)
	assert.True(t, orchestration.IsPermanent(err))

	p, err := e.orch.ReadPipelineStatus(context.Background(), "kb", "doc1")
	require.NoError(t, err)
	assert.True(t, p.Failed)
	assert.Contains(t, p.LastError, "bad.txt")
}

func TestEmbeddingFailure_IsRetryable(t *testing.T) {
	e := newEnv(t, DefaultOptions())
	e.embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("model unavailable")
	}

	_, err := e.importText(t, "kb", "doc1", "notes.txt", "some text")
	require.Error(t, err)
	assert.False(t, orchestration.IsPermanent(err))

	p, err := e.orch.ReadPipelineStatus(context.Background(), "kb", "doc1")
	require.NoError(t, err)
	assert.False(t, p.Failed)
	step, ok := p.CurrentStep()
	require.True(t, ok)
	assert.Equal(t, models.StepGenEmbeddings, step)
}

func TestDeleteDocument_RemovesRecordsAndFiles(t *testing.T) {
	e := newEnv(t, DefaultOptions())
	ctx := context.Background()

	_, err := e.importText(t, "kb", "doc1", "a.txt", "alpha")
	require.NoError(t, err)
	_, err = e.importText(t, "kb", "doc2", "b.txt", "beta")
	require.NoError(t, err)

	require.NoError(t, e.orch.StartDocumentDeletion(ctx, "kb", "doc1"))

	assert.Empty(t, e.records(t, "kb", "doc1"))
	assert.Len(t, e.records(t, "kb", "doc2"), 1)
	_, err = e.orch.ReadPipelineStatus(ctx, "kb", "doc1")
	assert.ErrorIs(t, err, orchestration.ErrPipelineNotFound)
	files, err := e.orch.ListFiles(ctx, "kb", "doc1")
	if err == nil {
		assert.Empty(t, files)
	}
}

func TestDeleteIndex_DropsIndex(t *testing.T) {
	e := newEnv(t, DefaultOptions())
	ctx := context.Background()

	_, err := e.importText(t, "kb", "doc1", "a.txt", "alpha")
	require.NoError(t, err)
	indexes, err := e.db.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kb"}, indexes)

	require.NoError(t, e.orch.StartIndexDeletion(ctx, "kb"))

	indexes, err = e.db.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, indexes)
}

func TestDeleteGeneratedFiles(t *testing.T) {
	e := newEnv(t, DefaultOptions())
	ctx := context.Background()

	_, err := e.importText(t, "kb", "doc1", "notes.txt", "hello world",
		models.StepExtract, models.StepPartition, models.StepDeleteGeneratedFiles)
	require.NoError(t, err)

	p, err := e.orch.ReadPipelineStatus(ctx, "kb", "doc1")
	require.NoError(t, err)
	assert.Empty(t, p.Files[0].GeneratedFiles)

	_, err = e.orch.ReadFile(ctx, "kb", "doc1", "notes.txt.extract.txt")
	assert.Error(t, err)
	src, err := e.orch.ReadFile(ctx, "kb", "doc1", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(src))
}

func TestHandlersAreIdempotent(t *testing.T) {
	e := newEnv(t, DefaultOptions())
	ctx := context.Background()

	_, err := e.importText(t, "kb", "doc1", "notes.txt", "hello world")
	require.NoError(t, err)
	p, err := e.orch.ReadPipelineStatus(ctx, "kb", "doc1")
	require.NoError(t, err)
	calls := e.embedder.CallCount()

	h := NewGenEmbeddingsHandler(Dependencies{Files: e.orch, Embedder: e.embedder, Logger: e.log}, DefaultOptions())
	out, err := h.Invoke(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, calls, e.embedder.CallCount())
	assert.Len(t, out.Files[0].GeneratedFilesOfType(models.ArtifactTextEmbeddingVector), 1)
}

func TestNewHandlers_OmitsMissingDependencies(t *testing.T) {
	handlers := NewHandlers(Dependencies{}, DefaultOptions())
	var names []models.Step
	for _, h := range handlers {
		names = append(names, h.StepName())
	}
	assert.ElementsMatch(t, []models.Step{models.StepDeleteGeneratedFiles, models.StepPartition}, names)
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "héllo", truncateUTF8("héllo", 10))
	assert.Equal(t, "h", truncateUTF8("héllo", 2))
	assert.Equal(t, "hé", truncateUTF8("héllo", 3))
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "d=doc//p=part", RecordID("doc", "part"))
}
