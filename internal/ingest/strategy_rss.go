package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
)

// parseFeed reads RSS, Atom or JSON feeds. Each item becomes a listing.
func parseFeed(_ context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	out := make([]RawListing, 0, len(feed.Items))
	for _, it := range feed.Items {
		description := it.Content
		if strings.TrimSpace(description) == "" {
			description = it.Description
		}
		text := HTMLToText(description)
		raw := RawListing{
			ExternalID:  strings.TrimSpace(it.GUID),
			Title:       strings.TrimSpace(it.Title),
			Description: description,
			URL:         strings.TrimSpace(it.Link),
			Tags:        it.Categories,
			Deadline:    findDeadline(text, src.DateLocales),
			RawAmount:   amountSentence(text),
		}
		// GUIDs are often the item URL; a short hash keeps ids readable.
		if strings.Contains(raw.ExternalID, "://") {
			raw.ExternalID = stableID(CanonicalizeURL(raw.ExternalID))
		}
		out = append(out, raw)
	}
	return out, nil
}
