package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type euResponse struct {
	FundingOpportunities []euOpportunity `json:"fundingOpportunities"`
	TotalCount           int             `json:"totalCount"`
}

type euOpportunity struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`       // OPEN, CLOSED, FORTHCOMING
	DeadlineDate    []int64  `json:"deadlineDate"` // unix millis
	CallIdentifier  string   `json:"callIdentifier"`
	TopicIdentifier string   `json:"topicIdentifier"`
	Type            string   `json:"type"`
	Budget          string   `json:"budget"`
	Keywords        []string `json:"keywords"`
}

func parseEUFundingTenders(_ context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	var resp euResponse
	if err := json.Unmarshal(doc.Body, &resp); err != nil {
		return nil, fmt.Errorf("decoding EU funding response: %w", err)
	}

	out := make([]RawListing, 0, len(resp.FundingOpportunities))
	for _, item := range resp.FundingOpportunities {
		if item.Status == "CLOSED" {
			continue
		}
		raw := RawListing{
			ExternalID:  item.TopicIdentifier,
			Title:       item.Title,
			Description: item.Description,
			URL:         "https://ec.europa.eu/info/funding-tenders/opportunities/portal/screen/opportunities/topic-details/" + item.TopicIdentifier,
			Currency:    "EUR",
			RawAmount:   item.Budget,
			Tags:        append([]string{item.Type}, item.Keywords...),
		}
		if raw.ExternalID == "" {
			raw.ExternalID = item.CallIdentifier
		}
		// Multiple cut-off dates: the earliest one is the next deadline.
		for _, ms := range item.DeadlineDate {
			if ms <= 0 {
				continue
			}
			t := time.UnixMilli(ms).UTC()
			if raw.Deadline == nil || t.Before(*raw.Deadline) {
				raw.Deadline = &t
			}
		}
		out = append(out, raw)
	}
	return out, nil
}
