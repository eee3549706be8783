package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Categories is the closed vocabulary of listing categories the classifier may assign.
var Categories = []string{
	"Education", "Health", "Environment", "Arts & Culture", "Science & Research",
	"Technology", "Community Development", "Youth", "Agriculture", "Human Rights",
	"Economic Development", "Disaster Relief", "Housing", "Water & Sanitation",
}

// Eligibility is the closed vocabulary of applicant types.
var Eligibility = []string{
	"Nonprofits", "Small Nonprofits", "Universities", "Government", "Tribal Organizations",
	"For-profit Business", "Startups", "Individuals", "Faith-based Organizations",
}

type ClassificationResult struct {
	Categories  []string `json:"categories"`
	Eligibility []string `json:"eligibility"`
}

const classifyPrompt = `You are an expert grant classifier. Categorize the grant opportunity below.

GRANT TITLE: %s
GRANT SUMMARY: %s

Select the most relevant tags from these EXACT lists. Do not invent new tags.

AVAILABLE CATEGORIES: %s
AVAILABLE ELIGIBILITY: %s

Return a JSON object with this format:
{"categories": ["Category1"], "eligibility": ["Eligibility1"]}

Rules:
1. Select only tags that strongly apply.
2. If no tags apply, return empty arrays.
3. RESPOND ONLY WITH JSON.`

// ClassifyGrant infers category and eligibility tags for a listing.
// Tags outside the known vocabularies are dropped.
func ClassifyGrant(ctx context.Context, client Completer, title, summary string) (*ClassificationResult, error) {
	prompt := fmt.Sprintf(classifyPrompt, title, summary,
		strings.Join(Categories, ", "), strings.Join(Eligibility, ", "))

	resp, err := client.GenerateCompletion(ctx, prompt, true)
	if err != nil {
		return nil, err
	}

	var result ClassificationResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse classification json: %w", err)
	}

	result.Categories = filterValid(result.Categories, Categories)
	result.Eligibility = filterValid(result.Eligibility, Eligibility)
	return &result, nil
}

// filterValid keeps tags from allowed, matched case-insensitively and returned
// in their canonical spelling, without duplicates.
func filterValid(tags []string, allowed []string) []string {
	canonical := make(map[string]string, len(allowed))
	for _, a := range allowed {
		canonical[strings.ToLower(a)] = a
	}
	valid := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		a, ok := canonical[strings.ToLower(strings.TrimSpace(t))]
		if !ok || seen[a] {
			continue
		}
		seen[a] = true
		valid = append(valid, a)
	}
	return valid
}
