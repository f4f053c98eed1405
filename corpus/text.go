package corpus

import (
	"context"
	"fmt"
	"os"

	"github.com/brunobiangulo/poalegal/store"
)

// TextLoader splits a plain text statute into articles.
type TextLoader struct{}

func (l *TextLoader) SupportedFormats() []string { return []string{"txt"} }

func (l *TextLoader) Load(_ context.Context, path string) ([]store.Article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	return SplitArticles(string(data)), nil
}
