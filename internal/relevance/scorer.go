// Package relevance decides which pages of a recognised document are worth keeping.
//
// A page is relevant when its text contains at least MinHits entries of a fixed
// keyword set. Matching is case-insensitive substring containment with no word
// boundaries, so keywords split or merged by OCR segmentation still count.
package relevance

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/shopspring/decimal"
)

// DefaultMinHits is the minimum number of distinct keywords for a relevant page.
const DefaultMinHits = 3

// DefaultKeywords are the terms found on the narrative pages of police complaint filings.
// Some entries are deliberate fragments ("raviado", "tentificador", "viniente") that survive
// common OCR misreads of the full word.
var DefaultKeywords = []string{
	"telefono", "licipante", "fallecido", "denunciante", "raviado", "tipificacion", "lugar del hecho",
	"participante", "ocupante", "contenido", "detenido", "ampliacion", "interviniente", "autentificador",
	"comisaria pnp", "policia nacional", "instructor", "vehiculo(s)", "pnp", "regpol", "formalidad escrita",
	"acta de intervencion", "impresion digital", "tentificador", "viniente", "implicado", "citado", "deponente",
}

// Scorer filters pages by keyword hits.
type Scorer struct {
	Keywords []string
	MinHits  int
}

// DefaultScorer returns a Scorer over DefaultKeywords with DefaultMinHits.
func DefaultScorer() Scorer {
	return Scorer{Keywords: DefaultKeywords, MinHits: DefaultMinHits}
}

// PageMatch is a relevant page with its hit count and original lines.
type PageMatch struct {
	Page  int
	Hits  int
	Lines []string
}

// Result holds the relevant pages in ascending page order and the average
// line confidence of each of them.
type Result struct {
	Matches    []PageMatch
	Confidence map[int]decimal.Decimal
}

type pageLines struct {
	lines       []string
	confidences []decimal.Decimal
}

// Score groups LINE blocks by page and returns the pages meeting the threshold.
func (s Scorer) Score(blocks []models.TextBlock) Result {
	pages := make(map[int]*pageLines)
	for _, b := range blocks {
		if b.Kind != models.BlockKindLine {
			continue
		}
		p, ok := pages[b.Page]
		if !ok {
			p = &pageLines{}
			pages[b.Page] = p
		}
		p.lines = append(p.lines, b.Text)
		p.confidences = append(p.confidences, decimal.NewFromFloat(b.Confidence))
	}

	res := Result{Confidence: make(map[int]decimal.Decimal)}
	for page, p := range pages {
		hits := s.Hits(strings.Join(p.lines, " "))
		if hits < s.MinHits {
			continue
		}
		res.Matches = append(res.Matches, PageMatch{Page: page, Hits: hits, Lines: p.lines})
		// Only relevant pages pay for the average.
		res.Confidence[page] = average(p.confidences)
	}
	sort.Slice(res.Matches, func(i, j int) bool { return res.Matches[i].Page < res.Matches[j].Page })
	return res
}

// Hits counts the distinct keywords contained in text.
func (s Scorer) Hits(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range s.Keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

func average(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(values[0], values[1:]...).
		Div(decimal.NewFromInt(int64(len(values)))).
		RoundBank(2)
}

// PageNumbers returns the relevant page numbers in ascending order.
func (r Result) PageNumbers() []int {
	pages := make([]int, 0, len(r.Matches))
	for _, m := range r.Matches {
		pages = append(pages, m.Page)
	}
	return pages
}

// MatchedText is every line of every relevant page, in page order, one per line.
func (r Result) MatchedText() string {
	var lines []string
	for _, m := range r.Matches {
		lines = append(lines, m.Lines...)
	}
	return strings.Join(lines, "\n")
}

// ConfidenceByPage renders the averages keyed by page number for storage. Values
// are fixed two-digit decimal strings, since Firestore has no decimal type.
func (r Result) ConfidenceByPage() map[string]string {
	out := make(map[string]string, len(r.Confidence))
	for page, c := range r.Confidence {
		out[strconv.Itoa(page)] = c.StringFixed(2)
	}
	return out
}
