package ingest

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/david/grant-matcher/internal/models"
)

// TruncateText cuts a string to maxLen runes, appending an ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	if maxLen > 3 {
		return string(r[:maxLen-3]) + "..."
	}
	return string(r[:maxLen])
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return cleanText(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return cleanText(html)
	}
	// Keep block boundaries as spaces so words don't run together.
	doc.Find("br, p, li, div, h1, h2, h3, h4, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return cleanText(doc.Text())
}

// FromRaw turns a parser's raw listing into a normalized Listing.
func FromRaw(src Source, raw RawListing, fetchedURL string, fetchedAt time.Time) models.Listing {
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	link := raw.URL
	if link != "" {
		link = CanonicalizeURL(resolveURL(fetchedURL, link))
	}

	title := sanitizeUTF8(HTMLToText(raw.Title))
	externalID := strings.TrimSpace(raw.ExternalID)
	if externalID == "" {
		switch {
		case link != "":
			externalID = stableID(link)
		case title != "":
			externalID = stableID(strings.ToLower(title))
		default:
			externalID = stableID(raw.Description)
		}
	}

	l := models.Listing{
		ID:              src.ID + ":" + externalID,
		ExternalID:      externalID,
		URL:             link,
		Title:           title,
		Description:     sanitizeUTF8(HTMLToText(raw.Description)),
		DescriptionHTML: sanitizeUTF8(sanitizeHTML(raw.Description)),
		Currency:        firstNonEmpty(raw.Currency, src.Currency),
		Deadline:        raw.Deadline,
		Eligibility:     mergeUniqueFold(nil, raw.Eligibility),
		Categories:      mergeUniqueFold(nil, raw.Tags),
		SourceName:      src.ID,
		SourceURL:       fetchedURL,
		Region:          cleanText(src.Region),
		Country:         cleanText(src.Country),
		FetchedAt:       fetchedAt,
	}

	if l.Deadline == nil && raw.RawDeadline != "" {
		if dt, err := parseDate(raw.RawDeadline, src.DateLocales); err == nil {
			l.Deadline = &dt
		}
	}

	l.AmountMin, l.AmountMax = raw.AmountMin, raw.AmountMax
	if l.AmountMin == 0 && l.AmountMax == 0 && raw.RawAmount != "" {
		lo, hi, currency := parseAmount(raw.RawAmount, l.Currency)
		l.AmountMin, l.AmountMax = lo, hi
		if currency != "" {
			l.Currency = currency
		}
	}
	if l.HasAmount() && l.Currency == "" {
		l.Currency = "USD"
	}
	return l
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
