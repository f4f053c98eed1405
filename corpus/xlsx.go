package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/poalegal/store"
)

// Header aliases recognised in statute spreadsheets, matched after
// lowercasing and trimming.
var xlsxColumns = map[string][]string{
	"number":  {"article_number", "article", "number", "رقم المادة", "المادة"},
	"arabic":  {"text_arabic", "arabic", "النص", "النص العربي"},
	"english": {"text_english", "english", "النص الإنجليزي"},
	"law":     {"law_id", "law", "القانون"},
	"book":    {"book", "الكتاب"},
	"part":    {"part", "الباب"},
	"chapter": {"chapter", "الفصل"},
	"section": {"section", "الفرع"},
}

// XLSXLoader reads one article per row. The first row of each sheet is
// the header; sheets without an article number column are skipped.
type XLSXLoader struct{}

func (l *XLSXLoader) SupportedFormats() []string { return []string{"xlsx"} }

func (l *XLSXLoader) Load(ctx context.Context, path string) ([]store.Article, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var arts []store.Article
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) < 2 {
			continue
		}
		cols := headerIndex(rows[0])
		if _, ok := cols["number"]; !ok {
			slog.Debug("corpus: sheet has no article number column", "sheet", sheet)
			continue
		}

		for r, row := range rows[1:] {
			cell := func(name string) string {
				i, ok := cols[name]
				if !ok || i >= len(row) {
					return ""
				}
				return strings.TrimSpace(row[i])
			}
			num, err := strconv.Atoi(arabicIndicDigits.Replace(cell("number")))
			if err != nil || num < 1 {
				slog.Debug("corpus: skipping row without article number", "sheet", sheet, "row", r+2)
				continue
			}
			a := store.Article{
				LawID:         cell("law"),
				ArticleNumber: num,
				TextArabic:    cell("arabic"),
				TextEnglish:   cell("english"),
				Citation:      map[string]string{"sheet": sheet, "row": strconv.Itoa(r + 2)},
			}
			for _, level := range []string{"book", "part", "chapter", "section"} {
				if v := cell(level); v != "" {
					if a.Hierarchy == nil {
						a.Hierarchy = make(map[string]string)
					}
					a.Hierarchy[level] = v
				}
			}
			if a.TextArabic == "" && a.TextEnglish == "" {
				continue
			}
			arts = append(arts, a)
		}
	}
	return arts, nil
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for col, aliases := range xlsxColumns {
			if _, taken := idx[col]; taken {
				continue
			}
			for _, alias := range aliases {
				if h == alias {
					idx[col] = i
				}
			}
		}
	}
	return idx
}
