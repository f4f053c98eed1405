package corpus

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/brunobiangulo/poalegal/store"
)

// articleHeading matches an article heading at the start of a line:
// "المادة (12)", "مادة 12" or "Article 12".
var articleHeading = regexp.MustCompile(`(?m)^[ \t]*(?:(?:ال)?مادة[ \t]*\(?[ \t]*(\d+)[ \t]*\)?|Article[ \t]+(\d+))[ \t]*[:.\-–]?`)

type hierarchyLevel struct {
	prefix string
	key    string
}

// Structural headings, outermost first. A heading resets the levels
// below it.
var hierarchyLevels = []hierarchyLevel{
	{"الكتاب", "book"},
	{"Book", "book"},
	{"الباب", "part"},
	{"Part", "part"},
	{"الفصل", "chapter"},
	{"Chapter", "chapter"},
	{"الفرع", "section"},
	{"Section", "section"},
}

var levelDepth = map[string]int{"book": 0, "part": 1, "chapter": 2, "section": 3}

var arabicIndicDigits = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
)

// Segment is one article cut out of running text.
type Segment struct {
	Number    int
	Text      string
	Offset    int // byte offset of the heading in the normalized text
	Hierarchy map[string]string
}

// Split cuts text at article headings. Text before the first heading is
// dropped. Arabic-Indic digits are normalized first.
func Split(text string) []Segment {
	text = arabicIndicDigits.Replace(text)
	locs := articleHeading.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	var segs []Segment
	h := make(map[string]string)
	prev := 0
	for i, loc := range locs {
		updateHierarchy(h, text[prev:loc[0]])
		prev = loc[1]

		num := -1
		for g := 1; g <= 2; g++ {
			if s, e := loc[2*g], loc[2*g+1]; s >= 0 {
				num, _ = strconv.Atoi(text[s:e])
			}
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if num < 1 {
			continue
		}
		segs = append(segs, Segment{
			Number:    num,
			Text:      stripHierarchyLines(strings.TrimSpace(text[loc[1]:end])),
			Offset:    loc[0],
			Hierarchy: copyHierarchy(h),
		})
	}
	return segs
}

// updateHierarchy applies the structural headings found in chunk.
func updateHierarchy(h map[string]string, chunk string) {
	for _, line := range strings.Split(chunk, "\n") {
		key, title := hierarchyHeading(line)
		if key == "" {
			continue
		}
		for k, d := range levelDepth {
			if d > levelDepth[key] {
				delete(h, k)
			}
		}
		h[key] = title
	}
}

func copyHierarchy(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func hierarchyHeading(line string) (key, title string) {
	line = strings.TrimSpace(line)
	if line == "" || len([]rune(line)) > 120 {
		return "", ""
	}
	for _, lvl := range hierarchyLevels {
		if strings.HasPrefix(line, lvl.prefix+" ") {
			return lvl.key, line
		}
	}
	return "", ""
}

// stripHierarchyLines drops trailing structural headings that belong to
// the next article.
func stripHierarchyLines(body string) string {
	lines := strings.Split(body, "\n")
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if k, _ := hierarchyHeading(last); k == "" && last != "" {
			break
		}
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// IsArabic reports whether Arabic letters outnumber Latin ones.
func IsArabic(s string) bool {
	var ar, latin int
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Arabic, r) && unicode.IsLetter(r):
			ar++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	return ar > 0 && ar >= latin
}

// Merge folds segments into articles keyed by number. Arabic segments
// fill TextArabic and the rest TextEnglish, so a bilingual document
// yields one article per number. A repeated number in the same
// language is appended. Output is ordered by article number.
func Merge(segs []Segment) []store.Article {
	byNum := make(map[int]*store.Article)
	for _, s := range segs {
		a, ok := byNum[s.Number]
		if !ok {
			a = &store.Article{ArticleNumber: s.Number}
			byNum[s.Number] = a
		}
		if IsArabic(s.Text) {
			a.TextArabic = appendPara(a.TextArabic, s.Text)
		} else {
			a.TextEnglish = appendPara(a.TextEnglish, s.Text)
		}
		if a.Hierarchy == nil && len(s.Hierarchy) > 0 {
			a.Hierarchy = s.Hierarchy
		}
	}

	out := make([]store.Article, 0, len(byNum))
	for _, a := range byNum {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArticleNumber < out[j].ArticleNumber })
	return out
}

// SplitArticles is Split followed by Merge.
func SplitArticles(text string) []store.Article {
	return Merge(Split(text))
}

func appendPara(existing, add string) string {
	switch {
	case add == "":
		return existing
	case existing == "":
		return add
	}
	return existing + "\n" + add
}
