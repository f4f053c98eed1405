//go:build cgo

package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleArticle(law string, n int, ar string) Article {
	return Article{
		LawID:         law,
		ArticleNumber: n,
		TextArabic:    ar,
		TextEnglish:   "Article text",
		Hierarchy:     map[string]string{"book": "1", "chapter": "وكالة"},
		Citation:      map[string]string{"law": "Civil Transactions Law"},
	}
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, 4, s.EmbeddingDim())
	assert.NotNil(t, s.DB())
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4)
	require.NoError(t, err)
	s.Close()
}

func TestNewRejectsZeroDim(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "x.db"), 0)
	require.Error(t, err)
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, v)

	// Re-running is a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

// ---------------------------------------------------------------------------
// Articles
// ---------------------------------------------------------------------------

func TestUpsertArticleIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertArticle(ctx, sampleArticle("civil", 927, "نص أول"))
	require.NoError(t, err)
	id2, err := s.UpsertArticle(ctx, sampleArticle("civil", 927, "نص معدل"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	a, err := s.GetArticleByNumber(ctx, 927, "civil")
	require.NoError(t, err)
	assert.Equal(t, "نص معدل", a.TextArabic)
	assert.Equal(t, "وكالة", a.Hierarchy["chapter"])
	assert.Equal(t, ContentHash("نص معدل", "Article text"), a.ContentHash)
}

func TestArticleHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.ArticleHash(ctx, "civil", 1)
	require.NoError(t, err)
	assert.Empty(t, h)

	_, err = s.UpsertArticle(ctx, sampleArticle("civil", 1, "نص"))
	require.NoError(t, err)
	h, err = s.ArticleHash(ctx, "civil", 1)
	require.NoError(t, err)
	assert.Equal(t, ContentHash("نص", "Article text"), h)
}

func TestGetArticleByNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertArticle(ctx, sampleArticle("z_law", 5, "من القانون ي"))
	require.NoError(t, err)
	_, err = s.UpsertArticle(ctx, sampleArticle("a_law", 5, "من القانون أ"))
	require.NoError(t, err)

	t.Run("any law picks lowest law id", func(t *testing.T) {
		a, err := s.GetArticleByNumber(ctx, 5, "")
		require.NoError(t, err)
		assert.Equal(t, "a_law", a.LawID)
	})
	t.Run("explicit law", func(t *testing.T) {
		a, err := s.GetArticleByNumber(ctx, 5, "z_law")
		require.NoError(t, err)
		assert.Equal(t, "من القانون ي", a.TextArabic)
	})
	t.Run("missing", func(t *testing.T) {
		_, err := s.GetArticleByNumber(ctx, 6, "")
		assert.ErrorIs(t, err, ErrArticleNotFound)
	})
}

func TestListAndDeleteLaw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, n := range []int{3, 1, 2} {
		id, err := s.UpsertArticle(ctx, sampleArticle("civil", n, "نص"))
		require.NoError(t, err)
		require.NoError(t, s.SetEmbedding(ctx, id, LanguageArabic, []float32{1, 0, 0, 0}))
	}
	_, err := s.UpsertArticle(ctx, sampleArticle("notary", 1, "نص"))
	require.NoError(t, err)

	list, err := s.ListArticles(ctx, "civil")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{list[0].ArticleNumber, list[1].ArticleNumber, list[2].ArticleNumber})

	require.NoError(t, s.DeleteLaw(ctx, "civil"))
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Articles)
	assert.Equal(t, 0, stats.ArabicEmbeddings)
}

// ---------------------------------------------------------------------------
// Vector search
// ---------------------------------------------------------------------------

func seedVectors(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	vecs := map[int][]float32{
		1: {1, 0, 0, 0},
		2: {0.9, 0.1, 0, 0},
		3: {0, 1, 0, 0},
		4: {0, 0, 1, 0},
	}
	for n := 1; n <= 4; n++ {
		id, err := s.UpsertArticle(ctx, sampleArticle("civil", n, "نص"))
		require.NoError(t, err)
		require.NoError(t, s.SetEmbedding(ctx, id, LanguageArabic, vecs[n]))
	}
}

func TestSimilaritySearchOrdersByScore(t *testing.T) {
	s := newTestStore(t)
	seedVectors(t, s)

	res, err := s.SimilaritySearch(context.Background(), []float32{1, 0, 0, 0},
		SearchOptions{Language: LanguageArabic, Limit: 3})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, 1, res[0].ArticleNumber)
	assert.InDelta(t, 1.0, res[0].Similarity, 1e-5)
	assert.Equal(t, 2, res[1].ArticleNumber)
	assert.Greater(t, res[0].Similarity, res[1].Similarity)
}

func TestSimilaritySearchMinScore(t *testing.T) {
	s := newTestStore(t)
	seedVectors(t, s)

	res, err := s.SimilaritySearch(context.Background(), []float32{1, 0, 0, 0},
		SearchOptions{Limit: 5, MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.GreaterOrEqual(t, r.Similarity, 0.5)
	}
}

func TestSimilaritySearchLanguages(t *testing.T) {
	s := newTestStore(t)
	seedVectors(t, s)
	ctx := context.Background()

	res, err := s.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, SearchOptions{Language: LanguageEnglish})
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = s.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, SearchOptions{Language: "french"})
	assert.True(t, errors.Is(err, ErrUnknownLanguage))
}

func TestSetEmbeddingReplacesAndChecksDim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.UpsertArticle(ctx, sampleArticle("civil", 1, "نص"))
	require.NoError(t, err)

	require.NoError(t, s.SetEmbedding(ctx, id, LanguageArabic, []float32{1, 0, 0, 0}))
	require.NoError(t, s.SetEmbedding(ctx, id, LanguageArabic, []float32{0, 1, 0, 0}))
	require.Error(t, s.SetEmbedding(ctx, id, LanguageArabic, []float32{1, 0}))

	res, err := s.SimilaritySearch(ctx, []float32{0, 1, 0, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 1.0, res[0].Similarity, 1e-5)
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func TestArtifactLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ArtifactRecord{
		ArtifactID:    "a-1",
		CaseID:        "case-9",
		SessionID:     "s-1",
		StopReason:    "coverage_threshold_met",
		CoverageScore: 0.8,
		TotalArticles: 12,
		Payload:       json.RawMessage(`{"artifact_id":"a-1"}`),
	}
	require.NoError(t, s.SaveArtifact(ctx, rec))

	got, err := s.GetArtifact(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "case-9", got.CaseID)
	assert.JSONEq(t, `{"artifact_id":"a-1"}`, string(got.Payload))
	assert.Empty(t, got.Verdict)

	require.NoError(t, s.SetVerdict(ctx, "a-1", "valid", 0.9))
	got, err = s.GetArtifact(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "valid", got.Verdict)
	assert.InDelta(t, 0.9, got.VerdictConfidence, 1e-9)

	list, err := s.ListArtifacts(ctx, "case-9", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetArtifact(ctx, "missing")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.ErrorIs(t, s.SetVerdict(ctx, "missing", "valid", 1), ErrArtifactNotFound)
}

func TestSaveArtifactRequiresID(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.SaveArtifact(context.Background(), ArtifactRecord{Payload: json.RawMessage(`{}`)}))
}
