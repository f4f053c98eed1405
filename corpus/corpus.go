// Package corpus loads statute articles from source documents so they can
// be embedded and written to an article store.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/brunobiangulo/poalegal/store"
)

var (
	ErrUnsupportedFormat = errors.New("corpus: unsupported format")
	ErrNoArticles        = errors.New("corpus: no articles found")
)

// Loader reads the articles of one document format.
type Loader interface {
	Load(ctx context.Context, path string) ([]store.Article, error)
	SupportedFormats() []string
}

// Registry maps file extensions to loaders.
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry returns a registry with the built-in loaders.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	for _, l := range []Loader{&PDFLoader{}, &XLSXLoader{}, &JSONLoader{}, &TextLoader{}} {
		for _, f := range l.SupportedFormats() {
			r.loaders[f] = l
		}
	}
	return r
}

// Register adds or replaces the loader for a format.
func (r *Registry) Register(format string, l Loader) {
	r.loaders[strings.ToLower(format)] = l
}

// Get returns the loader for a format such as "pdf".
func (r *Registry) Get(format string) (Loader, error) {
	l, ok := r.loaders[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return l, nil
}

// Load picks the loader from the file extension.
func (r *Registry) Load(ctx context.Context, path string) ([]store.Article, error) {
	l, err := r.Get(Format(path))
	if err != nil {
		return nil, err
	}
	arts, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(arts) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoArticles, filepath.Base(path))
	}
	return arts, nil
}

// Format returns the lowercased extension without the dot.
func Format(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
