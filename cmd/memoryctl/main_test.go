package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/service/memory"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

type fakeService struct {
	upload   *models.DocumentUploadRequest
	contents map[string]string
	status   *models.DataPipelineStatus
	search   *models.SearchQuery
	deleted  []string
	answer   string
	closed   bool
}

func (f *fakeService) ImportDocument(_ context.Context, req *models.DocumentUploadRequest) (string, error) {
	f.upload = req
	f.contents = map[string]string{}
	for _, file := range req.Files {
		b, err := io.ReadAll(file.Content)
		if err != nil {
			return "", err
		}
		f.contents[file.Name] = string(b)
	}
	return "doc-1", nil
}

func (f *fakeService) ImportText(_ context.Context, index, documentID, text string, tags models.TagCollection, _ []models.Step) (string, error) {
	f.upload = &models.DocumentUploadRequest{Index: index, DocumentID: documentID, Tags: tags}
	f.contents = map[string]string{"content.txt": text}
	return "doc-2", nil
}

func (f *fakeService) GetDocumentStatus(context.Context, string, string) (*models.DataPipelineStatus, error) {
	return f.status, nil
}

func (f *fakeService) IsDocumentReady(context.Context, string, string) (bool, error) {
	return f.status != nil && f.status.Completed, nil
}

func (f *fakeService) DeleteDocument(_ context.Context, index, documentID string) error {
	f.deleted = append(f.deleted, index+"/"+documentID)
	return nil
}

func (f *fakeService) DeleteIndex(_ context.Context, index string) error {
	f.deleted = append(f.deleted, index)
	return nil
}

func (f *fakeService) ListIndexes(context.Context) ([]models.IndexDetails, error) {
	return []models.IndexDetails{{Name: "default"}, {Name: "notes"}}, nil
}

func (f *fakeService) Search(_ context.Context, q *models.SearchQuery) (*models.SearchResult, error) {
	f.search = q
	return &models.SearchResult{Query: q.Query, NoResult: true}, nil
}

func (f *fakeService) Ask(ctx context.Context, q *models.MemoryQuery, onToken ai.TokenFunc) (*models.MemoryAnswer, error) {
	if onToken != nil {
		for _, chunk := range []string{f.answer[:3], f.answer[3:]} {
			if err := onToken(ctx, chunk); err != nil {
				return nil, err
			}
		}
	}
	return &models.MemoryAnswer{Question: q.Question, Text: f.answer}, nil
}

func (f *fakeService) Close() error {
	f.closed = true
	return nil
}

func runApp(t *testing.T, svc *fakeService, args ...string) (string, error) {
	t.Helper()
	app := newApp(func(context.Context, logger.Logger) (memory.MemoryService, *memory.Components, error) {
		return svc, nil, nil
	})
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"memoryctl"}, args...))
	return out.String(), err
}

func TestUploadCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	svc := &fakeService{}
	out, err := runApp(t, svc, "upload", "-i", "notes", "--id", "d1", "-t", "user:alice", "-t", "type:news", "--steps", "extract", "--steps", "partition", path)
	require.NoError(t, err)
	assert.True(t, svc.closed)

	require.NotNil(t, svc.upload)
	assert.Equal(t, "notes", svc.upload.Index)
	assert.Equal(t, "d1", svc.upload.DocumentID)
	assert.Equal(t, []string{"alice"}, svc.upload.Tags["user"])
	assert.Equal(t, []models.Step{models.StepExtract, models.StepPartition}, svc.upload.Steps)
	assert.Equal(t, map[string]string{"notes.txt": "hello"}, svc.contents)

	var resp map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "doc-1", resp["documentId"])
}

func TestUploadRequiresFiles(t *testing.T) {
	_, err := runApp(t, &fakeService{}, "upload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one file")
}

func TestUploadRejectsBadTag(t *testing.T) {
	_, err := runApp(t, &fakeService{}, "upload", "-t", "__document_id:x", "x.txt")
	require.Error(t, err)
}

func TestImportTextCommand(t *testing.T) {
	svc := &fakeService{}
	out, err := runApp(t, svc, "import-text", "the", "quick", "fox")
	require.NoError(t, err)
	assert.Equal(t, "default", svc.upload.Index)
	assert.Equal(t, "the quick fox", svc.contents["content.txt"])
	assert.Contains(t, out, "doc-2")
}

func TestStatusCommand(t *testing.T) {
	t.Run("id is required", func(t *testing.T) {
		_, err := runApp(t, &fakeService{}, "status")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "id")
	})

	t.Run("unknown document", func(t *testing.T) {
		_, err := runApp(t, &fakeService{}, "status", "--id", "nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("prints status", func(t *testing.T) {
		svc := &fakeService{status: &models.DataPipelineStatus{Index: "default", DocumentID: "d1", Completed: true}}
		out, err := runApp(t, svc, "status", "--id", "d1")
		require.NoError(t, err)
		var st models.DataPipelineStatus
		require.NoError(t, json.Unmarshal([]byte(out), &st))
		assert.True(t, st.Completed)
		assert.Equal(t, "d1", st.DocumentID)
	})
}

func TestDeleteCommands(t *testing.T) {
	svc := &fakeService{}
	_, err := runApp(t, svc, "delete-document", "-i", "notes", "--id", "d1")
	require.NoError(t, err)
	_, err = runApp(t, svc, "delete-index", "-i", "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/d1", "notes"}, svc.deleted)
}

func TestIndexesCommand(t *testing.T) {
	out, err := runApp(t, &fakeService{}, "indexes")
	require.NoError(t, err)
	assert.Equal(t, "default\nnotes\n", out)
}

func TestSearchCommand(t *testing.T) {
	svc := &fakeService{}
	out, err := runApp(t, svc, "search", "--limit", "3", "--min-relevance", "0.4", "-t", "user:alice", "-t", "type:news", "what", "happened")
	require.NoError(t, err)

	require.NotNil(t, svc.search)
	assert.Equal(t, "what happened", svc.search.Query)
	assert.Equal(t, 3, svc.search.Limit)
	assert.InDelta(t, 0.4, svc.search.MinRelevance, 1e-9)
	require.Len(t, svc.search.Filters, 1)
	assert.Equal(t, []string{"alice"}, svc.search.Filters[0]["user"])
	assert.Equal(t, []string{"news"}, svc.search.Filters[0]["type"])

	var res models.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.NoResult)
}

func TestAskCommand(t *testing.T) {
	t.Run("json answer", func(t *testing.T) {
		out, err := runApp(t, &fakeService{answer: "forty-two"}, "ask", "meaning", "of", "life")
		require.NoError(t, err)
		var ans models.MemoryAnswer
		require.NoError(t, json.Unmarshal([]byte(out), &ans))
		assert.Equal(t, "meaning of life", ans.Question)
		assert.Equal(t, "forty-two", ans.Text)
	})

	t.Run("streamed answer", func(t *testing.T) {
		out, err := runApp(t, &fakeService{answer: "forty-two"}, "ask", "--stream", "meaning")
		require.NoError(t, err)
		assert.Equal(t, "forty-two\n", out)
	})
}

func TestReconcileRequiresDistributed(t *testing.T) {
	_, err := runApp(t, &fakeService{}, "reconcile")
	require.ErrorIs(t, err, errNotDistributed)
}
