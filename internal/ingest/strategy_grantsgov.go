package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// grantsGovResponse represents the search2 API response (wrapped in "data").
type grantsGovResponse struct {
	Data struct {
		HitCount int               `json:"hitCount"`
		OppHits  []grantsGovRecord `json:"oppHits"`
	} `json:"data"`
	ErrorCode int    `json:"errorcode"`
	Msg       string `json:"msg"`
}

type grantsGovRecord struct {
	ID         string   `json:"id"`
	Number     string   `json:"number"`
	Title      string   `json:"title"`
	Agency     string   `json:"agency"`
	AgencyCode string   `json:"agencyCode"`
	OpenDate   string   `json:"openDate"`
	CloseDate  string   `json:"closeDate"`
	OppStatus  string   `json:"oppStatus"`
	DocType    string   `json:"docType"`
	CFDAList   []string `json:"cfdaList"`
}

func parseGrantsGov(_ context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	var resp grantsGovResponse
	if err := json.Unmarshal(doc.Body, &resp); err != nil {
		return nil, fmt.Errorf("decoding grants.gov response: %w", err)
	}
	if resp.ErrorCode != 0 {
		return nil, fmt.Errorf("grants.gov API error %d: %s", resp.ErrorCode, resp.Msg)
	}

	out := make([]RawListing, 0, len(resp.Data.OppHits))
	for _, rec := range resp.Data.OppHits {
		raw := RawListing{
			ExternalID: rec.ID,
			Title:      rec.Title,
			URL:        "https://www.grants.gov/search-results-detail/" + rec.ID,
			Currency:   "USD",
			Tags:       []string{rec.Agency, rec.DocType},
		}

		var parts []string
		if rec.Agency != "" {
			parts = append(parts, fmt.Sprintf("Federal funding opportunity %s from %s.", rec.Number, rec.Agency))
		}
		if len(rec.CFDAList) > 0 {
			parts = append(parts, "Assistance listings: "+strings.Join(rec.CFDAList, ", ")+".")
		}
		raw.Description = strings.Join(parts, " ")

		// Close dates come as MM/DD/YYYY and expire at the end of that day.
		if rec.CloseDate != "" {
			raw.RawDeadline = rec.CloseDate
			if t, err := time.Parse("01/02/2006", rec.CloseDate); err == nil {
				if eod, ok := endOfDay(t.Year(), t.Month(), t.Day()); ok {
					raw.Deadline = &eod
				}
			}
		}
		out = append(out, raw)
	}
	return out, nil
}
