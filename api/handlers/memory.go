package handlers

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/internal/service/memory"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

type MemoryHandler struct {
	service   memory.MemoryService
	validator *validator.DocumentValidator
	logger    logger.ContextLogger
}

// UploadResponse 上传响应
type UploadResponse struct {
	Index      string                        `json:"index"`
	DocumentID string                        `json:"documentId"`
	Message    string                        `json:"message"`
	Files      []*validator.ValidationResult `json:"files,omitempty"`
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewMemoryHandler(service memory.MemoryService, v *validator.DocumentValidator, log logger.Logger) *MemoryHandler {
	if log == nil {
		log = logger.NewNop()
	}
	if v == nil {
		v = validator.NewDocumentValidator(log, nil)
	}
	return &MemoryHandler{
		service:   service,
		validator: v,
		logger:    logger.NewContextLogger(log.Named("api")),
	}
}

// Upload imports the multipart files of one document.
// Form fields: index, documentId, tags (key:value, repeatable), steps (repeatable or comma separated).
func (h *MemoryHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}
	headers := form.File["file"]
	if len(headers) == 0 {
		headers = form.File["files"]
	}

	results, err := h.validator.ValidateFiles(headers, models.StatusFileName)
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid upload", err)
		return
	}
	for _, r := range results {
		if !r.IsValid {
			c.JSON(http.StatusBadRequest, gin.H{"message": "File validation failed", "files": results})
			return
		}
	}

	tags := models.TagCollection{}
	for _, raw := range form.Value["tags"] {
		key, value, err := models.ParseTag(raw)
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Invalid tag", err)
			return
		}
		tags.Add(key, value)
	}

	files := make([]models.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
			return
		}
		defer f.Close()
		files = append(files, models.UploadedFile{Name: fh.Filename, Content: f})
	}

	req := &models.DocumentUploadRequest{
		Index:      formValue(form, "index"),
		DocumentID: formValue(form, "documentId"),
		Tags:       tags,
		Steps:      models.ParseSteps(splitList(form.Value["steps"])),
		Files:      files,
	}
	id, err := h.service.ImportDocument(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, statusOf(err), "Failed to import document", err)
		return
	}

	c.JSON(http.StatusAccepted, UploadResponse{
		Index:      req.Index,
		DocumentID: id,
		Message:    "Document upload completed, ingestion pipeline started",
		Files:      results,
	})
}

// UploadStatus 获取处理状态
func (h *MemoryHandler) UploadStatus(c *gin.Context) {
	documentID := c.Query("documentId")
	if documentID == "" {
		h.handleError(c, http.StatusBadRequest, "documentId is required", nil)
		return
	}
	st, err := h.service.GetDocumentStatus(c.Request.Context(), c.Query("index"), documentID)
	if err != nil {
		h.handleError(c, statusOf(err), "Failed to get status", err)
		return
	}
	if st == nil {
		h.handleError(c, http.StatusNotFound, "Document not found", nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *MemoryHandler) DeleteDocument(c *gin.Context) {
	documentID := c.Query("documentId")
	if documentID == "" {
		h.handleError(c, http.StatusBadRequest, "documentId is required", nil)
		return
	}
	if err := h.service.DeleteDocument(c.Request.Context(), c.Query("index"), documentID); err != nil {
		h.handleError(c, statusOf(err), "Failed to delete document", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Document deletion started", "documentId": documentID})
}

func (h *MemoryHandler) DeleteIndex(c *gin.Context) {
	index := c.Query("index")
	if err := h.service.DeleteIndex(c.Request.Context(), index); err != nil {
		h.handleError(c, statusOf(err), "Failed to delete index", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Index deletion started", "index": index})
}

func (h *MemoryHandler) ListIndexes(c *gin.Context) {
	indexes, err := h.service.ListIndexes(c.Request.Context())
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to list indexes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": indexes})
}

func (h *MemoryHandler) Search(c *gin.Context) {
	var q models.SearchQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid search request", err)
		return
	}
	res, err := h.service.Search(c.Request.Context(), &q)
	if err != nil {
		h.handleError(c, statusOf(err), "Search failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Ask answers a question. With ?stream=true the answer is sent as server sent
// events while it is generated, followed by a final "answer" event.
func (h *MemoryHandler) Ask(c *gin.Context) {
	var q models.MemoryQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid ask request", err)
		return
	}

	if c.Query("stream") != "true" {
		ans, err := h.service.Ask(c.Request.Context(), &q, nil)
		if err != nil {
			h.handleError(c, statusOf(err), "Ask failed", err)
			return
		}
		c.JSON(http.StatusOK, ans)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	var onToken ai.TokenFunc = func(_ context.Context, chunk string) error {
		c.SSEvent("token", chunk)
		c.Writer.Flush()
		return nil
	}
	ans, err := h.service.Ask(c.Request.Context(), &q, onToken)
	if err != nil {
		h.logger.FromContext(c.Request.Context()).Error("Ask failed", logger.Error(err))
		c.SSEvent("error", err.Error())
		return
	}
	c.SSEvent("answer", ans)
}

// handleError 统一错误处理
func (h *MemoryHandler) handleError(c *gin.Context, status int, message string, err error) {
	log := h.logger.FromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error(message, logger.String("path", c.Request.URL.Path), logger.Error(err))
	} else {
		log.Warn(message, logger.String("path", c.Request.URL.Path), logger.Error(err))
	}

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}

// statusOf maps caller mistakes to 400, everything else to 500.
func statusOf(err error) int {
	switch {
	case errors.Is(err, validator.ErrInvalidIndexName),
		errors.Is(err, validator.ErrInvalidDocumentID),
		errors.Is(err, orchestration.ErrReservedStep),
		errors.Is(err, orchestration.ErrHandlerNotFound),
		errors.Is(err, memory.ErrEmptyQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
