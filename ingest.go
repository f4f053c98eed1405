package poalegal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/brunobiangulo/poalegal/corpus"
	"github.com/brunobiangulo/poalegal/llm"
	"github.com/brunobiangulo/poalegal/store"
)

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	lawID     string
	hierarchy map[string]string
	force     bool
}

// WithLawID sets the law id of articles that do not carry one.
func WithLawID(id string) IngestOption {
	return func(o *ingestOptions) { o.lawID = id }
}

// WithHierarchy adds hierarchy levels to every article. Levels found in
// the file take precedence.
func WithHierarchy(h map[string]string) IngestOption {
	return func(o *ingestOptions) { o.hierarchy = h }
}

// WithForce re-embeds articles even when their content hash is unchanged.
func WithForce() IngestOption {
	return func(o *ingestOptions) { o.force = true }
}

// IngestResult reports what an ingest did.
type IngestResult struct {
	LawID     string `json:"law_id"`
	Articles  int    `json:"articles"`
	Unchanged int    `json:"unchanged"`
	Upserted  int    `json:"upserted"`
	Embedded  int    `json:"embedded"`
	Failed    int    `json:"failed"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// pendingEmbedding is one article text waiting for a vector.
type pendingEmbedding struct {
	articleID int64
	number    int
	text      string
}

func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (*IngestResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	options := &ingestOptions{lawID: e.cfg.LawID}
	for _, o := range opts {
		o(options)
	}
	if options.lawID == "" {
		options.lawID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	start := time.Now()
	slog.Info("ingest: loading statute", "file", filepath.Base(path), "format", corpus.Format(path))

	arts, err := e.corpus.Load(ctx, path)
	if err != nil {
		if errors.Is(err, corpus.ErrUnsupportedFormat) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, corpus.Format(path))
		}
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	res := &IngestResult{LawID: options.lawID, Articles: len(arts)}
	var arabic, english []pendingEmbedding
	for _, a := range arts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.LawID == "" {
			a.LawID = options.lawID
		}
		a.Hierarchy = mergeHierarchy(options.hierarchy, a.Hierarchy)
		a.ContentHash = store.ContentHash(a.TextArabic, a.TextEnglish)

		if !options.force {
			prev, err := e.store.ArticleHash(ctx, a.LawID, a.ArticleNumber)
			if err != nil {
				return nil, fmt.Errorf("checking article %d: %w", a.ArticleNumber, err)
			}
			if prev == a.ContentHash {
				res.Unchanged++
				continue
			}
		}

		id, err := e.store.UpsertArticle(ctx, a)
		if err != nil {
			return nil, err
		}
		res.Upserted++
		if a.TextArabic != "" {
			arabic = append(arabic, pendingEmbedding{articleID: id, number: a.ArticleNumber, text: a.TextArabic})
		}
		if a.TextEnglish != "" {
			english = append(english, pendingEmbedding{articleID: id, number: a.ArticleNumber, text: a.TextEnglish})
		}
	}

	slog.Info("ingest: articles stored",
		"law_id", options.lawID, "articles", res.Articles,
		"upserted", res.Upserted, "unchanged", res.Unchanged)

	for _, batch := range []struct {
		language string
		items    []pendingEmbedding
	}{
		{store.LanguageArabic, arabic},
		{store.LanguageEnglish, english},
	} {
		ok, failed := e.embedArticles(ctx, batch.language, batch.items)
		res.Embedded += ok
		res.Failed += failed
	}

	res.ElapsedMs = time.Since(start).Milliseconds()
	pending := len(arabic) + len(english)
	if pending > 0 && res.Embedded == 0 {
		return res, fmt.Errorf("%w: all %d texts failed", ErrEmbeddingFailed, pending)
	}
	if res.Failed > 0 {
		slog.Warn("ingest: some embeddings failed", "failed", res.Failed, "total", pending)
	}
	slog.Info("ingest: statute ready",
		"law_id", options.lawID, "embedded", res.Embedded,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func mergeHierarchy(base, own map[string]string) map[string]string {
	if len(base) == 0 {
		return own
	}
	out := make(map[string]string, len(base)+len(own))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

// maxEmbedChars is the maximum character length for a single text sent to
// the embedding model.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return text[:cut]
}

// embedArticles generates embeddings in batches. A failed batch falls back
// to embedding each text individually so one bad text does not lose the
// whole batch.
func (e *engine) embedArticles(ctx context.Context, language string, items []pendingEmbedding) (ok, failed int) {
	const batchSize = 32
	embed := e.embedder.Embed
	if de, isDoc := e.embedder.(llm.DocumentEmbedder); isDoc {
		embed = de.EmbedDocuments
	}

	save := func(it pendingEmbedding, vec []float32) {
		if len(vec) == 0 {
			failed++
			return
		}
		if err := e.store.SetEmbedding(ctx, it.articleID, language, vec); err != nil {
			slog.Warn("ingest: storing embedding failed",
				"article", it.number, "language", language, "error", err)
			failed++
			return
		}
		ok++
	}

	for i := 0; i < len(items); i += batchSize {
		end := min(i+batchSize, len(items))
		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = truncateForEmbed(items[j].text)
		}

		vecs, err := embed(ctx, texts)
		if err == nil && len(vecs) == len(texts) {
			for j, v := range vecs {
				save(items[i+j], v)
			}
			continue
		}
		if err == nil {
			err = fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts))
		}
		slog.Warn("ingest: embedding batch failed, falling back to individual",
			"language", language, "batch_start", i, "batch_end", end, "error", err)
		for j, text := range texts {
			single, serr := embed(ctx, []string{text})
			if serr != nil || len(single) == 0 {
				slog.Warn("ingest: embedding single text failed",
					"article", items[i+j].number, "language", language, "error", serr)
				failed++
				continue
			}
			save(items[i+j], single[0])
		}
	}
	return ok, failed
}
