package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

type wpPost struct {
	ID    int    `json:"id"`
	Date  string `json:"date"`
	Link  string `json:"link"`
	Title struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
	Content struct {
		Rendered string `json:"rendered"`
	} `json:"content"`
	Excerpt struct {
		Rendered string `json:"rendered"`
	} `json:"excerpt"`
	Status string `json:"status"`
}

// parseWordPress reads a /wp-json/wp/v2/posts page.
func parseWordPress(_ context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	body := bytes.TrimSpace(doc.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("[]")) {
		return nil, nil
	}
	var posts []wpPost
	if err := json.Unmarshal(body, &posts); err != nil {
		return nil, fmt.Errorf("decoding wordpress posts: %w", err)
	}

	out := make([]RawListing, 0, len(posts))
	for _, post := range posts {
		if post.Status != "" && post.Status != "publish" {
			continue
		}
		description := post.Content.Rendered
		if post.Excerpt.Rendered != "" && description == "" {
			description = post.Excerpt.Rendered
		}
		text := HTMLToText(description)
		raw := RawListing{
			ExternalID:  strconv.Itoa(post.ID),
			Title:       post.Title.Rendered,
			Description: description,
			URL:         post.Link,
			Deadline:    findDeadline(text, src.DateLocales),
		}
		if amount := amountSentence(text); amount != "" {
			raw.RawAmount = amount
		}
		out = append(out, raw)
	}
	return out, nil
}
