package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Corpus languages. Each has its own vector table.
const (
	LanguageArabic  = "arabic"
	LanguageEnglish = "english"
)

var (
	// ErrArticleNotFound is returned when no article has the requested number.
	ErrArticleNotFound = errors.New("store: article not found")
	// ErrArtifactNotFound is returned when no artifact has the requested id.
	ErrArtifactNotFound = errors.New("store: artifact not found")
	// ErrUnknownLanguage is returned for a language without a vector table.
	ErrUnknownLanguage = errors.New("store: unknown search language")
)

// Article is one statute article.
type Article struct {
	ID            int64             `json:"id"`
	LawID         string            `json:"law_id"`
	ArticleNumber int               `json:"article_number"`
	TextArabic    string            `json:"text_arabic"`
	TextEnglish   string            `json:"text_english,omitempty"`
	Hierarchy     map[string]string `json:"hierarchy_path,omitempty"`
	Citation      map[string]string `json:"citation,omitempty"`
	ContentHash   string            `json:"content_hash"`
}

// ArticleMatch is an article returned by a similarity search.
type ArticleMatch struct {
	Article
	Similarity float64 `json:"similarity"`
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	Language string  // LanguageArabic (default) or LanguageEnglish
	Limit    int     // max results, default 5
	MinScore float64 // results below this cosine similarity are dropped
	LawID    string  // optional restriction to one law
}

// ArtifactRecord is a persisted retrieval artifact.
type ArtifactRecord struct {
	ArtifactID        string          `json:"artifact_id"`
	CaseID            string          `json:"case_id"`
	SessionID         string          `json:"session_id"`
	StopReason        string          `json:"stop_reason"`
	CoverageScore     float64         `json:"coverage_score"`
	TotalArticles     int             `json:"total_articles"`
	Payload           json.RawMessage `json:"payload"`
	Verdict           string          `json:"verdict,omitempty"`
	VerdictConfidence float64         `json:"verdict_confidence,omitempty"`
	CreatedAt         string          `json:"created_at"`
}

// Store wraps the SQLite database holding the statute corpus and artifacts.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", embeddingDim)
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Article operations ---

// UpsertArticle inserts or updates an article keyed by (law, number) and
// returns its row id. ContentHash is computed when empty.
func (s *Store) UpsertArticle(ctx context.Context, a Article) (int64, error) {
	if a.ContentHash == "" {
		a.ContentHash = ContentHash(a.TextArabic, a.TextEnglish)
	}
	hierarchy, err := marshalMap(a.Hierarchy)
	if err != nil {
		return 0, err
	}
	citation, err := marshalMap(a.Citation)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO articles (law_id, article_number, text_arabic, text_english, hierarchy, citation, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(law_id, article_number) DO UPDATE SET
			text_arabic = excluded.text_arabic,
			text_english = excluded.text_english,
			hierarchy = excluded.hierarchy,
			citation = excluded.citation,
			content_hash = excluded.content_hash,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`, a.LawID, a.ArticleNumber, a.TextArabic, a.TextEnglish, hierarchy, citation, a.ContentHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting article %s/%d: %w", a.LawID, a.ArticleNumber, err)
	}
	return id, nil
}

// ArticleHash returns the stored content hash, or "" when the article is absent.
func (s *Store) ArticleHash(ctx context.Context, lawID string, number int) (string, error) {
	var h string
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash FROM articles WHERE law_id = ? AND article_number = ?",
		lawID, number).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// GetArticleByNumber fetches an article by number. An empty lawID matches
// any law; the lowest law id wins when several laws share the number.
func (s *Store) GetArticleByNumber(ctx context.Context, number int, lawID string) (*Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles a WHERE a.article_number = ?`
	args := []any{number}
	if lawID != "" {
		query += " AND a.law_id = ?"
		args = append(args, lawID)
	}
	query += " ORDER BY a.law_id LIMIT 1"

	a, err := scanArticle(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %d: %w", number, ErrArticleNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListArticles returns all articles of a law ordered by number. An empty
// lawID lists the whole corpus.
func (s *Store) ListArticles(ctx context.Context, lawID string) ([]Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles a`
	var args []any
	if lawID != "" {
		query += " WHERE a.law_id = ?"
		args = append(args, lawID)
	}
	query += " ORDER BY a.law_id, a.article_number"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteLaw removes every article of a law together with its vectors.
func (s *Store) DeleteLaw(ctx context.Context, lawID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"vec_articles_ar", "vec_articles_en"} {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM "+table+" WHERE article_id IN (SELECT id FROM articles WHERE law_id = ?)",
				lawID); err != nil {
				return fmt.Errorf("deleting %s: %w", table, err)
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM articles WHERE law_id = ?", lawID)
		return err
	})
}

// --- Embedding operations ---

// SetEmbedding stores the vector of an article for one language,
// replacing any previous vector.
func (s *Store) SetEmbedding(ctx context.Context, articleID int64, language string, embedding []float32) error {
	table, err := vecTable(language)
	if err != nil {
		return err
	}
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(embedding), s.embeddingDim)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// vec0 tables do not support upsert.
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE article_id = ?", articleID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (article_id, embedding) VALUES (?, ?)",
			articleID, serializeFloat32(embedding))
		return err
	})
}

// SimilaritySearch performs a KNN search over the vector table of the
// requested language. Similarity is 1 - cosine distance.
func (s *Store) SimilaritySearch(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]ArticleMatch, error) {
	table, err := vecTable(opts.Language)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	k := limit
	if opts.LawID != "" {
		// vec0 cannot filter on joined columns; widen the candidate pool.
		k = limit * 4
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance, `+articleColumns+`
		FROM `+table+` v
		JOIN articles a ON a.id = v.article_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var results []ArticleMatch
	for rows.Next() {
		var distance float64
		a, err := scanArticleWith(rows, &distance)
		if err != nil {
			return nil, err
		}
		score := 1.0 - distance
		if score < opts.MinScore {
			continue
		}
		if opts.LawID != "" && a.LawID != opts.LawID {
			continue
		}
		results = append(results, ArticleMatch{Article: *a, Similarity: score})
		if len(results) == limit {
			break
		}
	}
	return results, rows.Err()
}

// --- Artifact operations ---

// SaveArtifact inserts or replaces an artifact record.
func (s *Store) SaveArtifact(ctx context.Context, r ArtifactRecord) error {
	if r.ArtifactID == "" {
		return errors.New("store: artifact id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retrieval_artifacts
			(artifact_id, case_id, session_id, stop_reason, coverage_score, total_articles, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			case_id = excluded.case_id,
			session_id = excluded.session_id,
			stop_reason = excluded.stop_reason,
			coverage_score = excluded.coverage_score,
			total_articles = excluded.total_articles,
			payload = excluded.payload
	`, r.ArtifactID, r.CaseID, r.SessionID, r.StopReason, r.CoverageScore, r.TotalArticles, string(r.Payload))
	return err
}

// GetArtifact returns an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*ArtifactRecord, error) {
	r, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM retrieval_artifacts WHERE artifact_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrArtifactNotFound)
	}
	return r, err
}

// ListArtifacts returns the newest artifacts first. An empty caseID lists all.
func (s *Store) ListArtifacts(ctx context.Context, caseID string, limit int) ([]ArtifactRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + artifactColumns + ` FROM retrieval_artifacts`
	var args []any
	if caseID != "" {
		query += " WHERE case_id = ?"
		args = append(args, caseID)
	}
	query += " ORDER BY created_at DESC, artifact_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		r, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetVerdict attaches the downstream validity verdict to an artifact.
func (s *Store) SetVerdict(ctx context.Context, id, verdict string, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE retrieval_artifacts SET verdict = ?, verdict_confidence = ? WHERE artifact_id = ?",
		verdict, confidence, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrArtifactNotFound)
	}
	return nil
}

// Stats holds counts of stored objects.
type Stats struct {
	Laws               int `json:"laws"`
	Articles           int `json:"articles"`
	ArabicEmbeddings   int `json:"arabic_embeddings"`
	EnglishEmbeddings  int `json:"english_embeddings"`
	RetrievalArtifacts int `json:"retrieval_artifacts"`
}

// Stats returns corpus and artifact counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(DISTINCT law_id) FROM articles", &stats.Laws},
		{"SELECT COUNT(*) FROM articles", &stats.Articles},
		{"SELECT COUNT(*) FROM vec_articles_ar", &stats.ArabicEmbeddings},
		{"SELECT COUNT(*) FROM vec_articles_en", &stats.EnglishEmbeddings},
		{"SELECT COUNT(*) FROM retrieval_artifacts", &stats.RetrievalArtifacts},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

const articleColumns = `a.id, a.law_id, a.article_number, a.text_arabic, a.text_english,
	a.hierarchy, a.citation, a.content_hash`

const artifactColumns = `artifact_id, case_id, session_id, stop_reason, coverage_score,
	total_articles, payload, verdict, verdict_confidence, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*Article, error) {
	return scanArticleWith(row)
}

// scanArticleWith scans leading extra columns before the article columns.
func scanArticleWith(row rowScanner, lead ...any) (*Article, error) {
	a := &Article{}
	var hierarchy, citation sql.NullString
	dest := append(lead,
		&a.ID, &a.LawID, &a.ArticleNumber, &a.TextArabic, &a.TextEnglish,
		&hierarchy, &citation, &a.ContentHash)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if a.Hierarchy, err = unmarshalMap(hierarchy.String); err != nil {
		return nil, fmt.Errorf("article %d hierarchy: %w", a.ArticleNumber, err)
	}
	if a.Citation, err = unmarshalMap(citation.String); err != nil {
		return nil, fmt.Errorf("article %d citation: %w", a.ArticleNumber, err)
	}
	return a, nil
}

func scanArtifact(row rowScanner) (*ArtifactRecord, error) {
	r := &ArtifactRecord{}
	var sessionID, verdict sql.NullString
	var coverage, verdictConf sql.NullFloat64
	var total sql.NullInt64
	var payload string
	if err := row.Scan(&r.ArtifactID, &r.CaseID, &sessionID, &r.StopReason, &coverage,
		&total, &payload, &verdict, &verdictConf, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.SessionID = sessionID.String
	r.CoverageScore = coverage.Float64
	r.TotalArticles = int(total.Int64)
	r.Payload = json.RawMessage(payload)
	r.Verdict = verdict.String
	r.VerdictConfidence = verdictConf.Float64
	return r, nil
}

func vecTable(language string) (string, error) {
	switch language {
	case LanguageArabic, "":
		return "vec_articles_ar", nil
	case LanguageEnglish:
		return "vec_articles_en", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
}

func marshalMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ContentHash fingerprints article text so unchanged articles can skip
// re-embedding on ingest.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
