package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore serves the article corpus from Postgres with the pgvector
// extension. It implements the same read and ingest methods as Store.
type PGStore struct {
	pool         *pgxpool.Pool
	embeddingDim int
}

// NewPG connects to Postgres and ensures the article schema exists.
func NewPG(ctx context.Context, dsn string, embeddingDim int) (*PGStore, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", embeddingDim)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &PGStore{pool: pool, embeddingDim: embeddingDim}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS articles (
			id BIGSERIAL PRIMARY KEY,
			law_id TEXT NOT NULL,
			article_number INTEGER NOT NULL,
			text_arabic TEXT NOT NULL DEFAULT '',
			text_english TEXT NOT NULL DEFAULT '',
			hierarchy JSONB,
			citation JSONB,
			content_hash TEXT NOT NULL,
			embedding_arabic vector(%[1]d),
			embedding_english vector(%[1]d),
			updated_at TIMESTAMPTZ DEFAULT now(),
			UNIQUE(law_id, article_number)
		)`, s.embeddingDim),
		"CREATE INDEX IF NOT EXISTS idx_articles_number ON articles(article_number)",
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating postgres schema: %w", err)
		}
	}
	return nil
}

// UpsertArticle inserts or updates an article and returns its id.
func (s *PGStore) UpsertArticle(ctx context.Context, a Article) (int64, error) {
	if a.ContentHash == "" {
		a.ContentHash = ContentHash(a.TextArabic, a.TextEnglish)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO articles (law_id, article_number, text_arabic, text_english, hierarchy, citation, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (law_id, article_number) DO UPDATE SET
			text_arabic = EXCLUDED.text_arabic,
			text_english = EXCLUDED.text_english,
			hierarchy = EXCLUDED.hierarchy,
			citation = EXCLUDED.citation,
			content_hash = EXCLUDED.content_hash,
			updated_at = now()
		RETURNING id
	`, a.LawID, a.ArticleNumber, a.TextArabic, a.TextEnglish, a.Hierarchy, a.Citation, a.ContentHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting article %s/%d: %w", a.LawID, a.ArticleNumber, err)
	}
	return id, nil
}

// ArticleHash returns the stored content hash, or "" when the article is absent.
func (s *PGStore) ArticleHash(ctx context.Context, lawID string, number int) (string, error) {
	var h string
	err := s.pool.QueryRow(ctx,
		"SELECT content_hash FROM articles WHERE law_id = $1 AND article_number = $2",
		lawID, number).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// SetEmbedding stores the vector of an article for one language.
func (s *PGStore) SetEmbedding(ctx context.Context, articleID int64, language string, embedding []float32) error {
	col, err := pgVectorColumn(language)
	if err != nil {
		return err
	}
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(embedding), s.embeddingDim)
	}
	_, err = s.pool.Exec(ctx,
		"UPDATE articles SET "+col+" = $1::vector WHERE id = $2",
		formatVector(embedding), articleID)
	return err
}

// SimilaritySearch ranks articles by cosine similarity using the pgvector
// <=> operator.
func (s *PGStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]ArticleMatch, error) {
	col, err := pgVectorColumn(opts.Language)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT id, law_id, article_number, text_arabic, text_english,
			hierarchy, citation, content_hash,
			1 - (` + col + ` <=> $1::vector) AS similarity
		FROM articles
		WHERE ` + col + ` IS NOT NULL
			AND 1 - (` + col + ` <=> $1::vector) >= $2`
	args := []any{formatVector(queryEmbedding), opts.MinScore}
	if opts.LawID != "" {
		query += " AND law_id = $4"
	}
	query += " ORDER BY " + col + " <=> $1::vector LIMIT $3"
	args = append(args, limit)
	if opts.LawID != "" {
		args = append(args, opts.LawID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var results []ArticleMatch
	for rows.Next() {
		var m ArticleMatch
		var hierarchy, citation []byte
		if err := rows.Scan(&m.ID, &m.LawID, &m.ArticleNumber, &m.TextArabic, &m.TextEnglish,
			&hierarchy, &citation, &m.ContentHash, &m.Similarity); err != nil {
			return nil, err
		}
		if err := decodeJSONB(hierarchy, &m.Hierarchy); err != nil {
			return nil, err
		}
		if err := decodeJSONB(citation, &m.Citation); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// GetArticleByNumber fetches an article by number; an empty lawID matches any law.
func (s *PGStore) GetArticleByNumber(ctx context.Context, number int, lawID string) (*Article, error) {
	query := `SELECT id, law_id, article_number, text_arabic, text_english,
		hierarchy, citation, content_hash
		FROM articles WHERE article_number = $1 AND ($2 = '' OR law_id = $2)
		ORDER BY law_id LIMIT 1`

	a := &Article{}
	var hierarchy, citation []byte
	err := s.pool.QueryRow(ctx, query, number, lawID).Scan(&a.ID, &a.LawID, &a.ArticleNumber,
		&a.TextArabic, &a.TextEnglish, &hierarchy, &citation, &a.ContentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("article %d: %w", number, ErrArticleNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSONB(hierarchy, &a.Hierarchy); err != nil {
		return nil, err
	}
	if err := decodeJSONB(citation, &a.Citation); err != nil {
		return nil, err
	}
	return a, nil
}

func pgVectorColumn(language string) (string, error) {
	switch language {
	case LanguageArabic, "":
		return "embedding_arabic", nil
	case LanguageEnglish:
		return "embedding_english", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
}

// formatVector renders a pgvector text literal: [1,2,3].
func formatVector(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v) * 8)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func decodeJSONB(b []byte, dst *map[string]string) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, dst)
}
