package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Parser extracts raw listings from a fetched document.
type Parser interface {
	Parse(ctx context.Context, src Source, doc *FetchedDocument) ([]RawListing, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(ctx context.Context, src Source, doc *FetchedDocument) ([]RawListing, error)

func (fn ParserFunc) Parse(ctx context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	return fn(ctx, src, doc)
}

// ParserRegistry maps source formats (from sources.yaml) to parsers.
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{parsers: make(map[string]Parser)}
}

func (r *ParserRegistry) Register(format string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[format] = p
}

func (r *ParserRegistry) Get(format string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("parser not found: %q", format)
	}
	return p, nil
}

// Formats lists the registered format ids in order.
func (r *ParserRegistry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for k := range r.parsers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const (
	FormatGrantsGov = "grants_gov"
	FormatWordPress = "wordpress"
	FormatHTML      = "html"
	FormatRSS       = "rss"
	FormatPDF       = "pdf"
	FormatEUFT      = "eu_ft"
	FormatLLM       = "llm"
)

// DefaultParsers returns a registry with every built-in format. The llm
// format fails until a model client is registered over it.
func DefaultParsers() *ParserRegistry {
	r := NewParserRegistry()
	r.Register(FormatGrantsGov, ParserFunc(parseGrantsGov))
	r.Register(FormatWordPress, ParserFunc(parseWordPress))
	r.Register(FormatHTML, ParserFunc(parseHTMLList))
	r.Register(FormatRSS, ParserFunc(parseFeed))
	r.Register(FormatPDF, ParserFunc(parsePDF))
	r.Register(FormatEUFT, ParserFunc(parseEUFundingTenders))
	r.Register(FormatLLM, NewLLMParser(nil))
	return r
}
