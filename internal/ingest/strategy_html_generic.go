package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// parseHTMLList extracts one listing per element matching selectors.container.
// Child selectors are evaluated inside each container.
func parseHTMLList(_ context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	sel := src.Selectors
	if sel.Container == "" {
		return nil, fmt.Errorf("selector 'container' is required for html sources")
	}
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	linkAttr := sel.LinkAttr
	if linkAttr == "" {
		linkAttr = "href"
	}

	var out []RawListing
	page.Find(sel.Container).Each(func(_ int, item *goquery.Selection) {
		title := childText(item, sel.Title)
		var link string
		if sel.Link == "" || sel.Link == "." {
			link, _ = item.Attr(linkAttr)
		} else {
			link, _ = item.Find(sel.Link).First().Attr(linkAttr)
		}
		link = strings.TrimSpace(link)
		if title == "" && link == "" {
			return
		}

		raw := RawListing{
			Title:       title,
			URL:         link,
			RawDeadline: childText(item, sel.Deadline),
			RawAmount:   childText(item, sel.Amount),
		}
		if sel.Description != "" {
			raw.Description, _ = item.Find(sel.Description).First().Html()
		}
		if sel.Eligibility != "" {
			raw.Eligibility = splitAndCleanList(blockText(item.Find(sel.Eligibility)))
		}
		if sel.Tags != "" {
			item.Find(sel.Tags).Each(func(_ int, t *goquery.Selection) {
				raw.Tags = append(raw.Tags, cleanText(t.Text()))
			})
		}

		text := HTMLToText(raw.Description)
		if raw.RawDeadline == "" {
			raw.Deadline = findDeadline(text, src.DateLocales)
		}
		if raw.RawAmount == "" {
			raw.RawAmount = amountSentence(text)
		}
		out = append(out, raw)
	})
	return out, nil
}

func childText(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	if selector == "." {
		return cleanText(item.Text())
	}
	return cleanText(item.Find(selector).First().Text())
}

// blockText keeps one line per list item so lists can be split again.
func blockText(s *goquery.Selection) string {
	if li := s.Find("li"); li.Length() > 0 {
		lines := make([]string, 0, li.Length())
		li.Each(func(_ int, e *goquery.Selection) { lines = append(lines, e.Text()) })
		return strings.Join(lines, "\n")
	}
	return s.Text()
}
