package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// UGCPolicy keeps links, lists and tables but drops scripts, iframes and styles.
var htmlPolicy = bluemonday.UGCPolicy()

// cleanText collapses runs of whitespace and trims the string.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// sanitizeUTF8 removes invalid UTF-8 byte sequences that cause PostgreSQL errors.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}

func sanitizeHTML(s string) string {
	return strings.TrimSpace(htmlPolicy.Sanitize(s))
}

// mergeUniqueFold appends items not already present in dst, case-insensitively.
func mergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst)+len(items))
	for _, v := range dst {
		if k := strings.ToLower(strings.TrimSpace(v)); k != "" {
			seen[k] = struct{}{}
		}
	}
	for _, v := range items {
		v = cleanText(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

// splitAndCleanList turns a bulleted or numbered text block into items.
func splitAndCleanList(block string) []string {
	block = strings.NewReplacer("\r\n", "\n", "\r", "\n", ";", "\n").Replace(block)
	var out []string
	for _, line := range strings.Split(block, "\n") {
		s := strings.TrimLeft(strings.TrimSpace(line), " \t-*•–")
		s = cleanText(stripLeadingNumbering(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return mergeUniqueFold(nil, out)
}

// stripLeadingNumbering drops "1.", "2)" or "3 -" style prefixes.
func stripLeadingNumbering(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	j := i
	for j < len(s) && strings.IndexByte(".)-: \t", s[j]) >= 0 {
		j++
	}
	if j == i {
		return s
	}
	return strings.TrimSpace(s[j:])
}

var trackingParams = []string{"fbclid", "gclid", "mc_cid", "mc_eid", "mkt_tok", "ref", "session", "s_cid"}

// CanonicalizeURL lowercases the host, drops the fragment and tracking parameters.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	for _, p := range trackingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// resolveURL makes ref absolute against base; unparsable input is returned as is.
func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// stableID hashes s into a short deterministic identifier.
func stableID(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
