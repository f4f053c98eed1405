package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[]", formatVector(nil))
	assert.Equal(t, "[1,-0.5,0.25]", formatVector([]float32{1, -0.5, 0.25}))
}

func TestPGVectorColumn(t *testing.T) {
	col, err := pgVectorColumn("")
	require.NoError(t, err)
	assert.Equal(t, "embedding_arabic", col)

	col, err = pgVectorColumn(LanguageEnglish)
	require.NoError(t, err)
	assert.Equal(t, "embedding_english", col)

	_, err = pgVectorColumn("x; DROP TABLE articles")
	assert.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestDecodeJSONB(t *testing.T) {
	var m map[string]string
	require.NoError(t, decodeJSONB(nil, &m))
	assert.Nil(t, m)
	require.NoError(t, decodeJSONB([]byte("null"), &m))
	require.NoError(t, decodeJSONB([]byte(`{"book":"2"}`), &m))
	assert.Equal(t, "2", m["book"])
}

// TestPGStoreRoundTrip runs against a live database when POALEGAL_TEST_PG_DSN is set.
func TestPGStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("POALEGAL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("POALEGAL_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPG(ctx, dsn, 4)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.UpsertArticle(ctx, Article{LawID: "pgtest", ArticleNumber: 42, TextArabic: "نص"})
	require.NoError(t, err)
	require.NoError(t, s.SetEmbedding(ctx, id, LanguageArabic, []float32{1, 0, 0, 0}))

	res, err := s.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, SearchOptions{LawID: "pgtest", Limit: 1})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 42, res[0].ArticleNumber)

	a, err := s.GetArticleByNumber(ctx, 42, "pgtest")
	require.NoError(t, err)
	assert.Equal(t, "نص", a.TextArabic)

	_, err = s.GetArticleByNumber(ctx, 99999, "pgtest")
	assert.ErrorIs(t, err, ErrArticleNotFound)
}
