package pdf

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
)

func TestProcessor_RejectsInvalidPDF(t *testing.T) {
	p := NewProcessor(nil)
	assert.True(t, p.CanProcess("application/pdf"))
	assert.False(t, p.CanProcess("text/plain"))

	_, err := p.Process(context.Background(), strings.NewReader("this is not a pdf"))
	assert.ErrorIs(t, err, document.ErrInvalidDocument)
}

func TestCleanText(t *testing.T) {
	in := "  Title  \r\n\r\n\r\n  first line \nsecond line\n\n\n"
	assert.Equal(t, "Title\n\nfirst line\nsecond line", cleanText(in))
	assert.Equal(t, "", cleanText(" \n \n"))
}
