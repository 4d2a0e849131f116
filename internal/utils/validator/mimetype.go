package validator

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var ErrUnsupportedMimeType = errors.New("unsupported mime type")

// Supported MIME types.
const (
	MimePlainText = "text/plain"
	MimeMarkdown  = "text/markdown"
	MimeJSON      = "application/json"
	MimeHTML      = "text/html"
	MimeCSV       = "text/csv"
	MimePDF       = "application/pdf"
	MimeJPEG      = "image/jpeg"
	MimePNG       = "image/png"
	MimeTIFF      = "image/tiff"
	MimeGIF       = "image/gif"
	MimeBMP       = "image/bmp"
	MimeWebP      = "image/webp"
)

var extensionTypes = map[string]string{
	".txt":      MimePlainText,
	".text":     MimePlainText,
	".log":      MimePlainText,
	".md":       MimeMarkdown,
	".markdown": MimeMarkdown,
	".json":     MimeJSON,
	".htm":      MimeHTML,
	".html":     MimeHTML,
	".csv":      MimeCSV,
	".pdf":      MimePDF,
	".jpg":      MimeJPEG,
	".jpeg":     MimeJPEG,
	".png":      MimePNG,
	".tif":      MimeTIFF,
	".tiff":     MimeTIFF,
	".gif":      MimeGIF,
	".bmp":      MimeBMP,
	".webp":     MimeWebP,
}

// MimeTypeDetector resolves the MIME type of an uploaded file: the extension
// table wins, content sniffing is the fallback.
type MimeTypeDetector struct {
	extensions map[string]string
	supported  map[string]bool
}

func NewMimeTypeDetector() *MimeTypeDetector {
	d := &MimeTypeDetector{
		extensions: make(map[string]string, len(extensionTypes)),
		supported:  make(map[string]bool),
	}
	for ext, mt := range extensionTypes {
		d.extensions[ext] = mt
		d.supported[mt] = true
	}
	return d
}

// Detect returns ErrUnsupportedMimeType when neither the name nor the content identify a known type.
func (d *MimeTypeDetector) Detect(fileName string, head []byte) (string, error) {
	if mt, ok := d.extensions[strings.ToLower(filepath.Ext(fileName))]; ok {
		return mt, nil
	}
	if len(head) > 0 {
		mt := mimetype.Detect(head)
		for m := mt; m != nil; m = m.Parent() {
			base := stripParams(m.String())
			if d.supported[base] {
				return base, nil
			}
		}
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedMimeType, fileName, stripParams(mt.String()))
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedMimeType, fileName)
}

// IsSupported reports whether mimeType is in the table.
func (d *MimeTypeDetector) IsSupported(mimeType string) bool {
	return d.supported[stripParams(mimeType)]
}

func stripParams(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}
