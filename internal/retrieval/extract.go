package retrieval

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ExtractText pulls plain text out of an uploaded document. PDFs are parsed
// page by page; anything else must already be valid UTF-8 text.
func ExtractText(filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty document")
	}
	if isPDF(filename, data) {
		return extractPDF(data)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("document %q is neither a PDF nor valid text", filename)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("document %q contains no text", filename)
	}
	return text, nil
}

func isPDF(filename string, data []byte) bool {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	numPages := reader.NumPage()
	if numPages == 0 {
		return "", fmt.Errorf("pdf has no pages")
	}

	var b strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			// Fall back to unstructured extraction for awkward pages.
			text, plainErr := page.GetPlainText(nil)
			if plainErr != nil {
				continue
			}
			b.WriteString(text)
			b.WriteString("\n")
			continue
		}
		for _, row := range rows {
			var line strings.Builder
			for _, word := range row.Content {
				line.WriteString(word.S)
			}
			if t := strings.TrimSpace(line.String()); t != "" {
				b.WriteString(t)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return text, nil
}
