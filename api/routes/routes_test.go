package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/memory-pipeline/api/handlers"
	"github.com/feichai0017/memory-pipeline/api/middleware"
	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/service/memory"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
)

type fakeService struct {
	imported  *models.DocumentUploadRequest
	content   map[string]string
	status    *models.DataPipelineStatus
	deleted   []string
	importErr error
}

func (f *fakeService) ImportDocument(ctx context.Context, req *models.DocumentUploadRequest) (string, error) {
	if f.importErr != nil {
		return "", f.importErr
	}
	f.imported = req
	f.content = map[string]string{}
	for _, file := range req.Files {
		data, _ := io.ReadAll(file.Content)
		f.content[file.Name] = string(data)
	}
	if req.DocumentID == "" {
		return "generated", nil
	}
	return req.DocumentID, nil
}

func (f *fakeService) ImportText(ctx context.Context, index, documentID, text string, tags models.TagCollection, steps []models.Step) (string, error) {
	return documentID, nil
}

func (f *fakeService) GetDocumentStatus(ctx context.Context, index, documentID string) (*models.DataPipelineStatus, error) {
	return f.status, nil
}

func (f *fakeService) IsDocumentReady(ctx context.Context, index, documentID string) (bool, error) {
	return f.status != nil && f.status.Completed, nil
}

func (f *fakeService) DeleteDocument(ctx context.Context, index, documentID string) error {
	f.deleted = append(f.deleted, index+"/"+documentID)
	return nil
}

func (f *fakeService) DeleteIndex(ctx context.Context, index string) error {
	if index == "bad/name" {
		return fmt.Errorf("%w: bad", validator.ErrInvalidIndexName)
	}
	f.deleted = append(f.deleted, index)
	return nil
}

func (f *fakeService) ListIndexes(ctx context.Context) ([]models.IndexDetails, error) {
	return []models.IndexDetails{{Name: "default"}}, nil
}

func (f *fakeService) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResult, error) {
	if q.Query == "" {
		return nil, memory.ErrEmptyQuery
	}
	return &models.SearchResult{Query: q.Query, NoResult: true}, nil
}

func (f *fakeService) Ask(ctx context.Context, q *models.MemoryQuery, onToken ai.TokenFunc) (*models.MemoryAnswer, error) {
	if onToken != nil {
		for _, w := range []string{"forty ", "two"} {
			if err := onToken(ctx, w); err != nil {
				return nil, err
			}
		}
	}
	return &models.MemoryAnswer{Question: q.Question, Text: "forty two"}, nil
}

func (f *fakeService) Close() error { return nil }

func newRouter(t *testing.T, svc memory.MemoryService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewTestLogger()
	r := gin.New()
	h := handlers.NewHandlers(svc, validator.NewDocumentValidator(log, &validator.ValidatorConfig{MaxFileSize: 1024, MaxFiles: 2}), log)
	SetupRoutes(r, h, metrics.New("test").Handler(), []string{"*"}, log)
	return r
}

func multipartBody(t *testing.T, fields map[string][]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, values := range fields {
		for _, v := range values {
			require.NoError(t, w.WriteField(k, v))
		}
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestUpload(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(t, svc)

	body, ct := multipartBody(t, map[string][]string{
		"index":      {"kb"},
		"documentId": {"doc1"},
		"tags":       {"user:alice", "type:note"},
		"steps":      {"extract,partition", "gen_embeddings"},
	}, map[string]string{"a.txt": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp handlers.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "doc1", resp.DocumentID)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	require.NotNil(t, svc.imported)
	assert.Equal(t, "kb", svc.imported.Index)
	assert.Equal(t, []string{"alice"}, svc.imported.Tags["user"])
	assert.Equal(t, []models.Step{models.StepExtract, models.StepPartition, models.StepGenEmbeddings}, svc.imported.Steps)
	assert.Equal(t, "hello", svc.content["a.txt"])
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string][]string
		files  map[string]string
	}{
		{"no files", map[string][]string{"index": {"kb"}}, nil},
		{"reserved tag", map[string][]string{"tags": {"__document_id:x"}}, map[string]string{"a.txt": "x"}},
		{"reserved name", nil, map[string]string{models.StatusFileName: "{}"}},
		{"too large", nil, map[string]string{"big.txt": strings.Repeat("x", 2048)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			r := newRouter(t, svc)
			body, ct := multipartBody(t, tt.fields, tt.files)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Nil(t, svc.imported)
		})
	}
}

func TestUploadStatus(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(t, svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/upload-status?index=kb&documentId=doc1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	svc.status = &models.DataPipelineStatus{Index: "kb", DocumentID: "doc1", Completed: true}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/upload-status?index=kb&documentId=doc1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st models.DataPipelineStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Completed)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/upload-status", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeletes(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(t, svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/documents?index=kb&documentId=doc1", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/indexes?index=kb", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"kb/doc1", "kb"}, svc.deleted)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/indexes?index=bad/name", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchAndAsk(t *testing.T) {
	r := newRouter(t, &fakeService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(`{"index":"kb","query":"moon"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"no_result":true`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(`{"index":"kb"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"question":"meaning?"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	var ans models.MemoryAnswer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ans))
	assert.Equal(t, "forty two", ans.Text)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/ask?stream=true", strings.NewReader(`{"question":"meaning?"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:token")
	assert.Contains(t, w.Body.String(), "event:answer")
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t, &fakeService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/indexes", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "default")
}
