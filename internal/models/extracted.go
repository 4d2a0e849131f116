package models

import "strings"

// ExtractedSection is one logical block of extracted text, usually a page.
type ExtractedSection struct {
	Number               int                    `json:"number"`
	Type                 string                 `json:"type"`
	Content              string                 `json:"content"`
	SentencesAreComplete bool                   `json:"sentencesAreComplete"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// ExtractedContent is the structured output of the extract step.
type ExtractedContent struct {
	FileName string             `json:"fileName"`
	MimeType string             `json:"mimeType"`
	Sections []ExtractedSection `json:"sections"`
}

// Text joins all sections with blank lines.
func (c *ExtractedContent) Text() string {
	parts := make([]string, 0, len(c.Sections))
	for _, s := range c.Sections {
		if t := strings.TrimSpace(s.Content); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
