package ingest

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Request describes a single HTTP call made by a Fetcher.
type Request struct {
	URL            string
	Method         string // default GET
	Body           []byte
	Headers        map[string]string
	UserAgent      string
	AcceptLanguage string
}

// FetchedDocument represents the raw result of a fetch operation.
// Fetchers return a document for every HTTP response, including non-2xx ones;
// an error means no response was received.
type FetchedDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Headers     map[string][]string
}

// OK reports a 2xx response.
func (d *FetchedDocument) OK() bool {
	return d.StatusCode >= 200 && d.StatusCode < 300
}

// Fetcher performs one HTTP exchange. Retries, fallbacks and circuit breaking
// are layered on top by RobustFetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*FetchedDocument, error)
}

// RawListing is the untrusted, unnormalized data a parser extracts from a document.
type RawListing struct {
	ExternalID  string
	Title       string
	Description string // may contain HTML
	URL         string
	RawDeadline string
	Deadline    *time.Time // set when the source provides a structured date
	RawAmount   string
	AmountMin   float64
	AmountMax   float64
	Currency    string
	Tags        []string
	Eligibility []string
}

// Source is one entry of the sources registry.
type Source struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Format       string            `yaml:"format" json:"format"`
	PrimaryURL   string            `yaml:"url" json:"url"`
	FallbackURLs []string          `yaml:"fallback_urls,omitempty" json:"fallback_urls,omitempty"`
	Method       string            `yaml:"method,omitempty" json:"method,omitempty"`
	Body         string            `yaml:"body,omitempty" json:"-"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"-"`
	Region       string            `yaml:"region,omitempty" json:"region,omitempty"`
	Country      string            `yaml:"country,omitempty" json:"country,omitempty"`
	Currency     string            `yaml:"currency,omitempty" json:"currency,omitempty"`
	DateLocales  []string          `yaml:"date_locales,omitempty" json:"-"`
	Disabled     bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Fetch        FetchConfig       `yaml:"fetch,omitempty" json:"-"`
	Selectors    SelectorConfig    `yaml:"selectors,omitempty" json:"-"`
}

// URLs returns the primary URL followed by the fallbacks, in order.
func (s Source) URLs() []string {
	out := make([]string, 0, 1+len(s.FallbackURLs))
	if u := strings.TrimSpace(s.PrimaryURL); u != "" {
		out = append(out, u)
	}
	for _, u := range s.FallbackURLs {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// getDomain extracts the lowercase host of a URL.
func getDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", &url.Error{Op: "parse", URL: rawURL, Err: errMissingHost}
	}
	return strings.ToLower(u.Hostname()), nil
}
