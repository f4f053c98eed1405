package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/brunobiangulo/poalegal/store"
)

const (
	maxArticleNumber         = 100000
	crossReferenceSimilarity = 0.8
)

// CitationPattern is one phrasing that cites another article. Expr must
// have one capture group holding the number, or the number list when
// Multiple is set.
type CitationPattern struct {
	Name     string `json:"name" yaml:"name"`
	Expr     string `json:"expr" yaml:"expr"`
	Multiple bool   `json:"multiple,omitempty" yaml:"multiple,omitempty"`
}

// DefaultCitationPatterns are the Arabic and English phrasings of the
// Qatari statute corpus.
func DefaultCitationPatterns() []CitationPattern {
	return []CitationPattern{
		{Name: "direct", Expr: `المادة\s*\(?\s*(\d+)\s*\)?`},
		{Name: "multiple", Expr: `المواد\s*\(?\s*(\d+(?:\s*[،,و]\s*\d+)*)\s*\)?`, Multiple: true},
		{Name: "pursuant", Expr: `وفقاً للمادة\s*\(?\s*(\d+)\s*\)?`},
		{Name: "under", Expr: `بموجب المادة\s*\(?\s*(\d+)\s*\)?`},
		{Name: "see", Expr: `انظر المادة\s*\(?\s*(\d+)\s*\)?`},
		{Name: "according", Expr: `طبقاً للمادة\s*\(?\s*(\d+)\s*\)?`},
		{Name: "referred", Expr: `المشار إليها في المادة\s*\(?\s*(\d+)\s*\)?`},
		{Name: "of_article", Expr: `من المادة\s*\(?\s*(\d+)\s*\)?`},
		{Name: "english", Expr: `Article\s+(\d+)`},
	}
}

type compiledPattern struct {
	name     string
	re       *regexp.Regexp
	multiple bool
}

var digitsRe = regexp.MustCompile(`\d+`)

// CrossRefExpander follows explicit article citations one hop at a time.
type CrossRefExpander struct {
	store    ArticleStore
	patterns []compiledPattern
	lawID    string
}

// NewCrossRefExpander compiles the patterns; nil patterns use the defaults.
// lawID restricts lookups to one law; empty searches all laws.
func NewCrossRefExpander(s ArticleStore, patterns []CitationPattern, lawID string) (*CrossRefExpander, error) {
	if len(patterns) == 0 {
		patterns = DefaultCitationPatterns()
	}
	e := &CrossRefExpander{store: s, lawID: lawID}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p.Name, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("%w %q: no capture group", ErrInvalidPattern, p.Name)
		}
		e.patterns = append(e.patterns, compiledPattern{name: p.Name, re: re, multiple: p.Multiple})
	}
	return e, nil
}

// ExtractReferences returns the sorted unique article numbers cited in
// text. Self-references and numbers outside [1, 100000] are dropped.
func (e *CrossRefExpander) ExtractReferences(text string, source int) []int {
	text = normalizeDigits(text)
	found := make(map[int]bool)
	for _, p := range e.patterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			nums := []string{m[1]}
			if p.multiple {
				nums = digitsRe.FindAllString(m[1], -1)
			}
			for _, s := range nums {
				n, err := strconv.Atoi(s)
				if err != nil || !validReference(n, source) {
					continue
				}
				found[n] = true
			}
		}
	}
	return sortedInts(found)
}

func validReference(n, source int) bool {
	if source != 0 && n == source {
		return false
	}
	return n >= 1 && n <= maxArticleNumber
}

func (e *CrossRefExpander) articleRefs(a *ArticleResult) []int {
	return e.ExtractReferences(a.TextArabic+"\n"+a.TextEnglish, a.ArticleNumber)
}

// UniqueReferences is the union of references across articles minus the
// already fetched numbers, sorted ascending.
func (e *CrossRefExpander) UniqueReferences(articles []*ArticleResult, alreadyFetched map[int]bool) []int {
	found := make(map[int]bool)
	for _, a := range articles {
		for _, n := range e.articleRefs(a) {
			if !alreadyFetched[n] {
				found[n] = true
			}
		}
	}
	return sortedInts(found)
}

// Expand fetches up to maxRefs cited articles, lowest numbers first, and
// wraps them as cross-reference results. It returns the new results and
// every number it attempted.
func (e *CrossRefExpander) Expand(ctx context.Context, articles []*ArticleResult, alreadyFetched map[int]bool, iteration, maxRefs int) ([]*ArticleResult, []int) {
	toFetch := e.UniqueReferences(articles, alreadyFetched)
	if len(toFetch) == 0 {
		slog.Debug("crossref: no new references to fetch")
		return nil, nil
	}
	if maxRefs >= 0 && len(toFetch) > maxRefs {
		toFetch = toFetch[:maxRefs]
	}
	slog.Info("crossref: fetching referenced articles", "count", len(toFetch), "articles", toFetch)

	wanted := make(map[int]bool, len(toFetch))
	for _, n := range toFetch {
		wanted[n] = true
	}

	// First citing article wins, scanning in article-number order.
	ordered := append([]*ArticleResult(nil), articles...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ArticleNumber < ordered[j].ArticleNumber })
	sources := make(map[int]int, len(toFetch))
	for _, a := range ordered {
		for _, ref := range e.articleRefs(a) {
			if _, seen := sources[ref]; wanted[ref] && !seen {
				sources[ref] = a.ArticleNumber
			}
		}
	}

	var out []*ArticleResult
	for _, n := range toFetch {
		art, err := e.store.GetArticleByNumber(ctx, n, e.lawID)
		if err != nil {
			if errors.Is(err, store.ErrArticleNotFound) {
				slog.Warn("crossref: referenced article not found", "article", n, "referenced_by", sources[n])
			} else {
				slog.Error("crossref: fetch failed", "article", n, "error", err)
			}
			continue
		}
		out = append(out, &ArticleResult{
			ArticleNumber:    art.ArticleNumber,
			LawID:            art.LawID,
			TextArabic:       art.TextArabic,
			TextEnglish:      art.TextEnglish,
			HierarchyPath:    art.Hierarchy,
			Citation:         art.Citation,
			FoundByQuery:     fmt.Sprintf("cross_reference_from_%d", sources[n]),
			FoundInIteration: iteration,
			Similarity:       crossReferenceSimilarity,
			IsCrossReference: true,
			ReferencedBy:     sources[n],
		})
	}
	return out, toFetch
}

func sortedInts(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
