package ingest

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxAbstractLen bounds backfilled abstracts; extracted PDF text keeps
// going well past the abstract section.
const maxAbstractLen = 2000

// PDFExtractor pulls plain text out of a PDF on the local filesystem.
type PDFExtractor struct{}

// Extract returns the plain text of the PDF at path.
func (PDFExtractor) Extract(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	body, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return "", fmt.Errorf("reading text: %w", err)
	}
	return buf.String(), nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// abstractFromText carves an abstract out of raw PDF text: whitespace is
// collapsed, a leading "Abstract" heading is stripped, the text is cut at
// the introduction section, and the result is length-bounded.
func abstractFromText(text string) string {
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}

	lower := strings.ToLower(text)
	if idx := strings.Index(lower, "abstract"); idx >= 0 && idx < 500 {
		text = strings.TrimSpace(text[idx+len("abstract"):])
		lower = strings.ToLower(text)
	}
	for _, marker := range []string{"1 introduction", "1. introduction", "introduction "} {
		if idx := strings.Index(lower, marker); idx > 0 {
			text = strings.TrimSpace(text[:idx])
			break
		}
	}

	runes := []rune(text)
	if len(runes) > maxAbstractLen {
		text = string(runes[:maxAbstractLen])
	}
	return text
}
