package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/david/grant-matcher/internal/ai"
)

// errLLMNotConfigured is returned by an LLMParser without a model client.
var errLLMNotConfigured = errors.New("llm extraction is not configured")

// LLMParser asks a generation model to pull listings out of free-form pages
// that have no stable markup.
type LLMParser struct {
	Client   ai.Completer
	MaxChars int
}

func NewLLMParser(client ai.Completer) *LLMParser {
	return &LLMParser{Client: client, MaxChars: 12000}
}

type llmListing struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	AmountMin   float64 `json:"amount_min"`
	AmountMax   float64 `json:"amount_max"`
	Currency    string  `json:"currency"`
	Deadline    string  `json:"deadline"`
	URL         string  `json:"url"`
}

const llmExtractionPrompt = `You are a grant data extraction assistant. Given the following webpage text, extract ALL funding opportunities mentioned.

For EACH opportunity, return a JSON object in an array with these fields:
- "title": the grant/funding name.
- "description": what the grant funds and who may apply, 1-3 paragraphs.
- "amount_min": minimum funding amount as a number (0 if unknown).
- "amount_max": maximum funding amount as a number (0 if unknown).
- "currency": ISO currency code (USD, EUR, GBP, etc.).
- "deadline": ISO 8601 date string or "" if unknown.
- "url": the DIRECT application URL or specific detail page.

IMPORTANT RULES:
- Return ONLY a valid JSON array. No markdown blocks, no explanation.
- Do NOT invent data. Only extract what is explicitly stated.

WEBPAGE TEXT:
%s`

func (p *LLMParser) Parse(ctx context.Context, src Source, doc *FetchedDocument) ([]RawListing, error) {
	if p == nil || p.Client == nil {
		return nil, errLLMNotConfigured
	}
	text := string(doc.Body)
	if strings.Contains(strings.ToLower(doc.ContentType), "html") || strings.HasPrefix(strings.TrimSpace(text), "<") {
		text = HTMLToText(text)
	}
	maxChars := p.MaxChars
	if maxChars <= 0 {
		maxChars = 12000
	}
	text = TruncateText(text, maxChars)

	resp, err := p.Client.GenerateCompletion(ctx, fmt.Sprintf(llmExtractionPrompt, text), true)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	items, err := decodeLLMListings(resp)
	if err != nil {
		return nil, err
	}

	var out []RawListing
	for _, it := range items {
		if strings.TrimSpace(it.Title) == "" {
			continue
		}
		out = append(out, RawListing{
			Title:       it.Title,
			Description: it.Description,
			URL:         it.URL,
			RawDeadline: it.Deadline,
			AmountMin:   it.AmountMin,
			AmountMax:   it.AmountMax,
			Currency:    strings.ToUpper(strings.TrimSpace(it.Currency)),
		})
	}
	return out, nil
}

// decodeLLMListings accepts a bare array, a single object, or an object
// wrapping the array under any key, since models return all three in json mode.
func decodeLLMListings(resp string) ([]llmListing, error) {
	resp = strings.TrimSpace(resp)
	var items []llmListing
	if err := json.Unmarshal([]byte(resp), &items); err == nil {
		return items, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal([]byte(resp), &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse llm json: %w", err)
	}
	for _, v := range wrapped {
		if err := json.Unmarshal(v, &items); err == nil && len(items) > 0 {
			return items, nil
		}
	}
	var single llmListing
	if err := json.Unmarshal([]byte(resp), &single); err != nil {
		return nil, fmt.Errorf("failed to parse llm json: %w", err)
	}
	return []llmListing{single}, nil
}
