package models

import (
	"time"
)

// Listing is a single grant opportunity as produced by a source.
type Listing struct {
	ID              string     `json:"id"`
	ExternalID      string     `json:"external_id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`      // plain text
	DescriptionHTML string     `json:"description_html"` // sanitized
	AmountMin       float64    `json:"amount_min"`
	AmountMax       float64    `json:"amount_max"`
	Currency        string     `json:"currency"`
	Deadline        *time.Time `json:"deadline"`
	Eligibility     []string   `json:"eligibility"`
	Categories      []string   `json:"categories"`
	SourceName      string     `json:"source_name"` // registry id of the source
	SourceURL       string     `json:"source_url"`
	Region          string     `json:"region"`
	Country         string     `json:"country"`
	FetchedAt       time.Time  `json:"fetched_at"`
	Embedding       []float32  `json:"embedding,omitempty"`
}

// HasAmount reports whether the listing states funding bounds.
func (l Listing) HasAmount() bool {
	return l.AmountMin > 0 || l.AmountMax > 0
}

// Tags returns eligibility and category tags together.
func (l Listing) Tags() []string {
	tags := make([]string, 0, len(l.Eligibility)+len(l.Categories))
	tags = append(tags, l.Eligibility...)
	return append(tags, l.Categories...)
}
