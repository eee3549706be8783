package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

var amountRe = regexp.MustCompile(`(?i)(US\$|\$|€|£|USD|EUR|GBP|MXN|CAD|AUD)?\s?(\d[\d.,]*\d|\d)\s*(million|millones|mil|thousand|k|m)?\b`)

var (
	currencySymbols = []struct{ symbol, code string }{
		{"£", "GBP"}, {"€", "EUR"}, {"c$", "CAD"}, {"a$", "AUD"}, {"$", "USD"},
	}
	currencyWordRe = regexp.MustCompile(`\b(gbp|pounds?|eur|euros?|usd|dollars?|mxn|pesos?|cad|aud)\b`)
	currencyWords  = map[string]string{
		"gbp": "GBP", "pound": "GBP", "pounds": "GBP",
		"eur": "EUR", "euro": "EUR", "euros": "EUR",
		"usd": "USD", "dollar": "USD", "dollars": "USD",
		"mxn": "MXN", "peso": "MXN", "pesos": "MXN",
		"cad": "CAD", "aud": "AUD",
	}
)

// parseAmount extracts a funding range from text such as "up to $50,000" or
// "€10k - €25k". A single value is treated as the maximum unless the text says
// "minimum" or "at least". Returns zeros when no amount is found.
func parseAmount(text string, defaultCurrency string) (lo, hi float64, currency string) {
	lower := strings.ToLower(text)
	currency = detectCurrency(lower, defaultCurrency)

	var withMarker, plain []float64
	for _, m := range amountRe.FindAllStringSubmatch(text, -1) {
		v, ok := parseNumber(m[2])
		if !ok {
			continue
		}
		v *= multiplier(m[3])
		if v <= 0 {
			continue
		}
		if m[1] != "" {
			withMarker = append(withMarker, v)
		} else {
			plain = append(plain, v)
		}
	}
	amounts := plain
	if len(withMarker) > 0 {
		amounts = withMarker
	}
	if len(amounts) == 0 {
		return 0, 0, ""
	}

	if len(amounts) == 1 {
		if containsAny(lower, []string{"minimum", "at least", "mínimo", "from "}) {
			return amounts[0], 0, currency
		}
		return 0, amounts[0], currency
	}

	lo, hi = amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		if a < lo {
			lo = a
		}
		if a > hi {
			hi = a
		}
	}
	if lo == hi {
		return 0, hi, currency
	}
	return lo, hi, currency
}

func detectCurrency(lower, fallback string) string {
	for _, c := range currencySymbols {
		if strings.Contains(lower, c.symbol) {
			return c.code
		}
	}
	if m := currencyWordRe.FindString(lower); m != "" {
		return currencyWords[m]
	}
	if fallback != "" {
		return fallback
	}
	return "USD"
}

func multiplier(suffix string) float64 {
	switch strings.ToLower(suffix) {
	case "k", "thousand", "mil":
		return 1e3
	case "m", "million", "millones":
		return 1e6
	}
	return 1
}

// parseNumber accepts 1,000,000 / 1.000.000 / 1,000.50 / 1.000,50 / 2.5.
func parseNumber(s string) (float64, bool) {
	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if isThousandsGrouped(s, ',') {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if isThousandsGrouped(s, '.') {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// isThousandsGrouped reports whether every separator is followed by exactly three digits.
func isThousandsGrouped(s string, sep byte) bool {
	parts := strings.Split(s, string(sep))
	if len(parts) < 2 || len(parts[0]) == 0 || len(parts[0]) > 3 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}

var sentenceSplitRe = regexp.MustCompile(`[.!?;\n]\s+`)

// amountSentence returns the first sentence of text that mentions a money amount.
func amountSentence(text string) string {
	for _, s := range sentenceSplitRe.Split(text, -1) {
		lower := strings.ToLower(s)
		if !strings.ContainsAny(s, "0123456789") {
			continue
		}
		hasSymbol := strings.ContainsAny(s, "$€£")
		if hasSymbol || (currencyWordRe.MatchString(lower) && containsAny(lower, []string{"award", "grant", "fund", "up to"})) {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
