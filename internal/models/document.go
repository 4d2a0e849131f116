package models

import (
	"time"
)

// FileType groups MIME types handled by the same decoder family.
type FileType string

const (
	PDF   FileType = "pdf"
	Image FileType = "image"
	Text  FileType = "text"
)

// DocumentMetadata describes a decoded source file.
type DocumentMetadata struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Author     string                 `json:"author"`
	FileType   FileType               `json:"fileType"`
	FileSize   int64                  `json:"fileSize"`
	MimeType   string                 `json:"mimeType"`
	Pages      int                    `json:"pages"`
	CreatedAt  time.Time              `json:"createdAt"`
	Hash       string                 `json:"hash"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// DocumentChunk is one piece of text produced by a decoder (a page, a table, a block).
type DocumentChunk struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// DocumentUploadRequest is what callers hand to ImportDocument.
type DocumentUploadRequest struct {
	Index      string
	DocumentID string
	Tags       TagCollection
	Steps      []Step
	Files      []UploadedFile
}

// MemoryRecord is one vector stored in the memory database.
type MemoryRecord struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Tags    TagCollection          `json:"tags"`
	Payload map[string]interface{} `json:"payload"`
}

// Payload keys of a MemoryRecord.
const (
	PayloadText       = "text"
	PayloadFileName   = "file"
	PayloadURL        = "url"
	PayloadLastUpdate = "last_update"
)

// ScoredRecord pairs a record with its relevance to a query.
type ScoredRecord struct {
	Record    *MemoryRecord `json:"record"`
	Relevance float64       `json:"relevance"`
}
