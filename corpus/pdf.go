package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/brunobiangulo/poalegal/store"
)

// PDFLoader extracts the text layer of a statute PDF and splits it into
// articles. Each article's citation records the page its heading is on.
type PDFLoader struct{}

func (l *PDFLoader) SupportedFormats() []string { return []string{"pdf"} }

func (l *PDFLoader) Load(ctx context.Context, path string) ([]store.Article, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var text strings.Builder
	var pageStarts []int // byte offset where each page begins
	var pageNums []int

	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pt, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("corpus: skipping unreadable page", "path", path, "page", i, "error", err)
			continue
		}
		pt = strings.TrimSpace(arabicIndicDigits.Replace(pt))
		if pt == "" {
			continue
		}
		pageStarts = append(pageStarts, text.Len())
		pageNums = append(pageNums, i)
		text.WriteString(pt)
		text.WriteString("\n")
	}

	segs := Split(text.String())
	pages := make(map[int]int, len(segs))
	for _, s := range segs {
		if _, ok := pages[s.Number]; ok {
			continue
		}
		idx := sort.Search(len(pageStarts), func(i int) bool { return pageStarts[i] > s.Offset }) - 1
		if idx >= 0 {
			pages[s.Number] = pageNums[idx]
		}
	}

	arts := Merge(segs)
	for i := range arts {
		if p, ok := pages[arts[i].ArticleNumber]; ok {
			arts[i].Citation = map[string]string{"page": strconv.Itoa(p)}
		}
	}
	slog.Debug("corpus: loaded PDF", "path", path, "pages", totalPages, "articles", len(arts))
	return arts, nil
}
