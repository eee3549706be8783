package ingest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	isoDateRe   = regexp.MustCompile(`\b(20\d{2})-(\d{1,2})-(\d{1,2})\b`)
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})[/.](\d{1,2})[/.](20\d{2})\b`)
	monthDayRe  = regexp.MustCompile(`(?i)\b([a-z]{3,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(20\d{2})\b`)
	dayMonthRe  = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th|º|er)?\s+(?:of\s+|de\s+)?([a-zçéû]{3,10})\.?,?\s+(?:de\s+|del\s+)?(20\d{2})\b`)
)

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January, "enero": time.January, "ene": time.January, "janeiro": time.January, "janvier": time.January,
	"feb": time.February, "february": time.February, "febrero": time.February, "fevereiro": time.February, "fev": time.February, "février": time.February,
	"mar": time.March, "march": time.March, "marzo": time.March, "março": time.March, "mars": time.March,
	"apr": time.April, "april": time.April, "abril": time.April, "abr": time.April, "avril": time.April,
	"may": time.May, "mayo": time.May, "maio": time.May, "mai": time.May,
	"jun": time.June, "june": time.June, "junio": time.June, "junho": time.June, "juin": time.June,
	"jul": time.July, "july": time.July, "julio": time.July, "julho": time.July, "juillet": time.July,
	"aug": time.August, "august": time.August, "agosto": time.August, "ago": time.August, "août": time.August,
	"sep": time.September, "sept": time.September, "september": time.September, "septiembre": time.September, "setembro": time.September, "set": time.September, "septembre": time.September,
	"oct": time.October, "october": time.October, "octubre": time.October, "outubro": time.October, "out": time.October, "octobre": time.October,
	"nov": time.November, "november": time.November, "noviembre": time.November, "novembro": time.November, "novembre": time.November,
	"dec": time.December, "december": time.December, "diciembre": time.December, "dic": time.December, "dezembro": time.December, "dez": time.December, "décembre": time.December,
}

// Layouts that carry a time of day; date-only text goes through findDates.
var timedLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"January 2, 2006 3:04 PM",
	"January 2, 2006 3 PM",
	"Jan 2, 2006 3:04 PM",
	"2 January 2006 3:04 PM",
	"2 January 2006 15:04",
	"01/02/2006 3:04 PM",
}

var datePrefixes = []string{
	"closing date:", "deadline:", "due date:", "expires:", "ends:", "application deadline:",
	"fecha límite:", "fecha de cierre:", "cierre:", "prazo:", "date limite:",
}

var deadlineHints = []string{
	"deadline", "due", "close", "closing", "closes", "submit by", "submission",
	"fecha límite", "cierre", "prazo", "date limite", "apply by",
}

type dateMatch struct {
	at         time.Time
	start, end int
}

// parseDate reads a deadline-like string. Date-only values resolve to the
// end of that day in UTC.
func parseDate(text string, locales []string) (time.Time, error) {
	s := cleanDateString(text)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	norm := normalizeMeridiem(s)
	for _, layout := range timedLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return t.UTC(), nil
		}
	}
	if matches := findDates(s, dayFirst(locales)); len(matches) > 0 {
		return matches[0].at, nil
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %q", text)
}

// findDeadline scans free text and returns the earliest date that appears
// close to a deadline keyword, or nil.
func findDeadline(text string, locales []string) *time.Time {
	var best *time.Time
	for _, m := range findDates(text, dayFirst(locales)) {
		from := m.start - 80
		if from < 0 {
			from = 0
		}
		if !containsAny(strings.ToLower(text[from:m.end]), deadlineHints) {
			continue
		}
		if best == nil || m.at.Before(*best) {
			at := m.at
			best = &at
		}
	}
	return best
}

// findDates returns every recognizable calendar date in text, in order of appearance.
func findDates(text string, preferDayFirst bool) []dateMatch {
	var out []dateMatch
	taken := make([]bool, len(text)+1)
	add := func(t time.Time, ok bool, loc []int) {
		if !ok || taken[loc[0]] {
			return
		}
		for i := loc[0]; i < loc[1]; i++ {
			taken[i] = true
		}
		out = append(out, dateMatch{at: t, start: loc[0], end: loc[1]})
	}

	for _, loc := range isoDateRe.FindAllStringSubmatchIndex(text, -1) {
		y, m, d := atoi(text, loc, 1), atoi(text, loc, 2), atoi(text, loc, 3)
		t, ok := endOfDay(y, time.Month(m), d)
		add(t, ok, loc)
	}
	for _, loc := range monthDayRe.FindAllStringSubmatchIndex(text, -1) {
		month, known := monthNames[strings.ToLower(text[loc[2]:loc[3]])]
		if !known {
			continue
		}
		t, ok := endOfDay(atoi(text, loc, 3), month, atoi(text, loc, 2))
		add(t, ok, loc)
	}
	for _, loc := range dayMonthRe.FindAllStringSubmatchIndex(text, -1) {
		month, known := monthNames[strings.ToLower(text[loc[4]:loc[5]])]
		if !known {
			continue
		}
		t, ok := endOfDay(atoi(text, loc, 3), month, atoi(text, loc, 1))
		add(t, ok, loc)
	}
	for _, loc := range slashDateRe.FindAllStringSubmatchIndex(text, -1) {
		a, b, y := atoi(text, loc, 1), atoi(text, loc, 2), atoi(text, loc, 3)
		month, day := a, b
		if a > 12 || (preferDayFirst && b <= 12) {
			month, day = b, a
		}
		t, ok := endOfDay(y, time.Month(month), day)
		add(t, ok, loc)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func endOfDay(year int, month time.Month, day int) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 23, 59, 59, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func atoi(text string, loc []int, group int) int {
	n, _ := strconv.Atoi(text[loc[2*group]:loc[2*group+1]])
	return n
}

// dayFirst reports whether numeric dates should be read as DD/MM.
func dayFirst(locales []string) bool {
	for _, l := range locales {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "en-gb" || strings.HasPrefix(l, "es") || strings.HasPrefix(l, "pt") || strings.HasPrefix(l, "fr") {
			return true
		}
	}
	return false
}

func normalizeMeridiem(s string) string {
	return strings.NewReplacer("a.m.", "AM", "p.m.", "PM", " am", " AM", " pm", " PM").Replace(s)
}

// cleanDateString removes labels such as "Deadline:" in front of the date.
func cleanDateString(s string) string {
	s = cleanText(s)
	lower := strings.ToLower(s)
	for _, p := range datePrefixes {
		if idx := strings.Index(lower, p); idx != -1 {
			s = s[idx+len(p):]
			lower = lower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
