// internal/utils/validator/document.go
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger   logger.Logger
	config   *ValidatorConfig
	detector *MimeTypeDetector
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize int64 // 最大文件大小（字节）
	MaxFiles    int
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = &ValidatorConfig{
			MaxFileSize: 50 * 1024 * 1024, // 50MB
			MaxFiles:    20,
		}
	}
	return &DocumentValidator{
		logger:   log,
		config:   config,
		detector: NewMimeTypeDetector(),
	}
}

// ValidateFiles rejects oversized uploads and file names clashing with reserved names.
// Unsupported types are reported but do not invalidate the upload: the pipeline stores
// them and the extract step skips them.
func (v *DocumentValidator) ValidateFiles(files []*multipart.FileHeader, reserved ...string) ([]*ValidationResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files uploaded")
	}
	if v.config.MaxFiles > 0 && len(files) > v.config.MaxFiles {
		return nil, fmt.Errorf("too many files: %d > %d", len(files), v.config.MaxFiles)
	}
	results := make([]*ValidationResult, 0, len(files))
	for _, f := range files {
		r, err := v.ValidateFile(f, reserved...)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// ValidateFile 验证单个文件
func (v *DocumentValidator) ValidateFile(file *multipart.FileHeader, reserved ...string) (*ValidationResult, error) {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  file.Filename,
			Size:      file.Size,
			Extension: strings.ToLower(filepath.Ext(file.Filename)),
		},
	}

	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read file header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to reset file pointer: %w", err)
	}

	// 计算文件哈希
	hash, err := calculateHash(f)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}
	result.FileInfo.Hash = hash

	if file.Size > v.config.MaxFileSize {
		result.addError("FILE_TOO_LARGE", fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize), "size")
	}
	for _, r := range reserved {
		if file.Filename == r {
			result.addError("RESERVED_FILE_NAME", fmt.Sprintf("File name %s is reserved", r), "filename")
		}
	}

	mimeType, err := v.detector.Detect(file.Filename, head[:n])
	if err != nil {
		v.logger.Warn("Unsupported file type, extraction will skip it",
			logger.String("filename", file.Filename),
			logger.Error(err),
		)
	}
	result.FileInfo.MimeType = mimeType

	return result, nil
}

func (r *ValidationResult) addError(code, msg, field string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Code: code, Message: msg, Field: field})
}

// 计算文件哈希
func calculateHash(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
