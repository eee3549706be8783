package scoring

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be by for from has have in into is it its
		of on or our that the their this to was we were will with you your which who also may
		can not all any per such these those other more most than been being over under`) {
		stopwords[w] = struct{}{}
	}
}

// tokenize lowercases text and splits it into content words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

type term struct {
	word   string
	weight float64
}

// vector is a sparse term vector sorted by word, so that every
// arithmetic pass runs in the same order and yields identical floats.
type vector []term

func termFrequencies(text string, corpus *Corpus) vector {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	v := make(vector, 0, len(counts))
	for word, n := range counts {
		w := float64(n)
		if corpus != nil {
			w *= corpus.idf(word)
		}
		v = append(v, term{word: word, weight: w})
	}
	sort.Slice(v, func(i, j int) bool { return v[i].word < v[j].word })
	return v
}

func (v vector) norm() float64 {
	var s float64
	for _, t := range v {
		s += t.weight * t.weight
	}
	return math.Sqrt(s)
}

func cosine(a, b vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot float64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].word == b[j].word:
			dot += a[i].weight * b[j].weight
			i++
			j++
		case a[i].word < b[j].word:
			i++
		default:
			j++
		}
	}
	na, nb := a.norm(), b.norm()
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (na * nb))
}

// Corpus holds document frequencies used to weight terms by rarity.
// It is read-only once built.
type Corpus struct {
	docs int
	df   map[string]int
}

// NewCorpus counts, for every term, how many documents contain it.
func NewCorpus(documents []string) *Corpus {
	c := &Corpus{df: make(map[string]int)}
	for _, doc := range documents {
		seen := make(map[string]struct{})
		for _, tok := range tokenize(doc) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			c.df[tok]++
		}
		c.docs++
	}
	return c
}

// idf uses the smoothed form ln((1+N)/(1+df)) + 1.
func (c *Corpus) idf(word string) float64 {
	return math.Log(float64(1+c.docs)/float64(1+c.df[word])) + 1
}

func embeddingSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return clamp01((c + 1) / 2), true
}
