package corpus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/brunobiangulo/poalegal/store"
)

// jsonArticle is the record shape of JSON and JSONL statute exports.
type jsonArticle struct {
	LawID         string            `json:"law_id"`
	ArticleNumber json.Number       `json:"article_number"`
	TextArabic    string            `json:"text_arabic"`
	TextEnglish   string            `json:"text_english"`
	Hierarchy     map[string]string `json:"hierarchy"`
	HierarchyPath map[string]string `json:"hierarchy_path"`
	Citation      map[string]string `json:"citation"`
}

func (j jsonArticle) article() (store.Article, error) {
	n, err := j.ArticleNumber.Int64()
	if err != nil || n < 1 {
		return store.Article{}, fmt.Errorf("invalid article_number %q", j.ArticleNumber)
	}
	h := j.Hierarchy
	if h == nil {
		h = j.HierarchyPath
	}
	return store.Article{
		LawID:         j.LawID,
		ArticleNumber: int(n),
		TextArabic:    strings.TrimSpace(j.TextArabic),
		TextEnglish:   strings.TrimSpace(j.TextEnglish),
		Hierarchy:     h,
		Citation:      j.Citation,
	}, nil
}

// JSONLoader reads a JSON array of article records, or one record per
// line for .jsonl files.
type JSONLoader struct{}

func (l *JSONLoader) SupportedFormats() []string { return []string{"json", "jsonl"} }

func (l *JSONLoader) Load(ctx context.Context, path string) ([]store.Article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if Format(path) == "jsonl" {
		return parseJSONL(ctx, data)
	}

	var recs []jsonArticle
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decoding articles: %w", err)
	}
	arts := make([]store.Article, 0, len(recs))
	for i, r := range recs {
		a, err := r.article()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		arts = append(arts, a)
	}
	return arts, nil
}

func parseJSONL(ctx context.Context, data []byte) ([]store.Article, error) {
	var arts []store.Article
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var r jsonArticle
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		a, err := r.article()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		arts = append(arts, a)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	return arts, nil
}
