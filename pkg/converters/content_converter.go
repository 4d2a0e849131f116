package converters

import (
	"strings"

	"github.com/feichai0017/memory-pipeline/internal/models"
)

// ContentConverter turns decoder chunks into the structured extract artifact.
type ContentConverter struct{}

func NewContentConverter() *ContentConverter {
	return &ContentConverter{}
}

// Convert numbers sections from 1 in chunk order and drops blank chunks.
func (c *ContentConverter) Convert(fileName, mimeType string, chunks []models.DocumentChunk) *models.ExtractedContent {
	doc := &models.ExtractedContent{
		FileName: fileName,
		MimeType: mimeType,
		Sections: make([]models.ExtractedSection, 0, len(chunks)),
	}
	for _, chunk := range chunks {
		content := strings.TrimSpace(chunk.Content)
		if content == "" {
			continue
		}
		section := models.ExtractedSection{
			Number:   len(doc.Sections) + 1,
			Type:     "text",
			Content:  content,
			Metadata: chunk.Metadata,
		}
		// 根据元数据设置类型
		if t, ok := chunk.Metadata["type"].(string); ok && t != "" {
			section.Type = t
		}
		if complete, ok := chunk.Metadata["sentencesAreComplete"].(bool); ok {
			section.SentencesAreComplete = complete
		}
		doc.Sections = append(doc.Sections, section)
	}
	return doc
}
