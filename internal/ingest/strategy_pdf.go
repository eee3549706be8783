package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	rpdf "rsc.io/pdf"
)

// parsePDF treats the document as a single call for proposals.
func parsePDF(_ context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	text, err := extractPDFText(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("pdf text extraction failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("pdf has no extractable text")
	}

	title := src.Name
	for _, line := range strings.Split(text, "\n") {
		if line = cleanText(line); len([]rune(line)) >= 8 {
			title = TruncateText(line, 200)
			break
		}
	}
	flat := cleanText(text)
	return []RawListing{{
		Title:       title,
		Description: flat,
		URL:         doc.URL,
		Deadline:    findDeadline(flat, src.DateLocales),
		RawAmount:   amountSentence(text),
	}}, nil
}

func extractPDFText(content []byte) (text string, err error) {
	// rsc.io/pdf panics on some malformed inputs.
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		var lastY float64
		for j, fragment := range page.Content().Text {
			if j > 0 && fragment.Y != lastY {
				b.WriteString("\n")
			}
			b.WriteString(fragment.S)
			lastY = fragment.Y
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
