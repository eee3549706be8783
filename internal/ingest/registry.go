package ingest

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry holds the configuration for all data sources.
type Registry struct {
	Sources []Source `yaml:"sources"`
}

// FetchConfig holds per-source politeness settings.
type FetchConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`
	AcceptLanguage string  `yaml:"accept_language,omitempty"` // e.g., "es-PE,es;q=0.9,en;q=0.8"
}

// SelectorConfig drives the generic HTML parser.
type SelectorConfig struct {
	Container   string `yaml:"container,omitempty"` // CSS selector for the list item wrapper
	Title       string `yaml:"title,omitempty"`
	Link        string `yaml:"link,omitempty"`
	LinkAttr    string `yaml:"link_attr,omitempty"` // default: href
	Description string `yaml:"description,omitempty"`
	Deadline    string `yaml:"deadline,omitempty"`
	Amount      string `yaml:"amount,omitempty"`
	Eligibility string `yaml:"eligibility,omitempty"`
	Tags        string `yaml:"tags,omitempty"`
}

// LoadRegistry reads sources from path, or from the embedded default when path
// is empty. ${VAR} references are expanded from the environment.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates a sources document.
func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	formats := DefaultParsers()
	seen := make(map[string]bool, len(reg.Sources))
	for i := range reg.Sources {
		src := &reg.Sources[i]
		src.ID = strings.TrimSpace(src.ID)
		if src.ID == "" {
			return nil, fmt.Errorf("source #%d: id is required", i+1)
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("source %q: duplicate id", src.ID)
		}
		seen[src.ID] = true
		if _, err := formats.Get(src.Format); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.ID, err)
		}
		if len(src.URLs()) == 0 {
			return nil, fmt.Errorf("source %q: url is required", src.ID)
		}
		if src.Format == FormatHTML && src.Selectors.Container == "" {
			return nil, fmt.Errorf("source %q: selectors.container is required for html sources", src.ID)
		}
		applySourceDefaults(src)
	}
	return &reg, nil
}

// Active returns enabled sources, optionally restricted to the given ids.
func (r *Registry) Active(ids ...string) []Source {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Source
	for _, s := range r.Sources {
		if s.Disabled {
			continue
		}
		if len(want) > 0 && !want[s.ID] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Get finds a source by id.
func (r *Registry) Get(id string) (Source, bool) {
	for _, s := range r.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// grantsGovSearchRequest matches the Grants.gov search2 API schema.
type grantsGovSearchRequest struct {
	Keyword        string `json:"keyword"`
	OppStatuses    string `json:"oppStatuses"`
	SortBy         string `json:"sortBy"`
	Rows           int    `json:"rows"`
	StartRecordNum int    `json:"startRecordNum"`
}

type euSearchRequest struct {
	Query    string   `json:"query"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
	Status   []string `json:"status"`
}

func applySourceDefaults(src *Source) {
	if src.Name == "" {
		src.Name = src.ID
	}
	switch src.Format {
	case FormatGrantsGov:
		if src.Method == "" {
			src.Method = "POST"
		}
		if src.Body == "" {
			body, _ := json.Marshal(grantsGovSearchRequest{OppStatuses: "forecasted|posted", SortBy: "openDate|desc", Rows: 50})
			src.Body = string(body)
		}
		if src.Currency == "" {
			src.Currency = "USD"
		}
	case FormatEUFT:
		if src.Method == "" {
			src.Method = "POST"
		}
		if src.Body == "" {
			body, _ := json.Marshal(euSearchRequest{Page: 1, PageSize: 50, Status: []string{"OPEN", "FORTHCOMING"}})
			src.Body = string(body)
		}
		if src.Currency == "" {
			src.Currency = "EUR"
		}
	}
}
