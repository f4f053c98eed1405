package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim sizes the vec0
// virtual tables; one table per corpus language.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Statute articles. article_number is unique only within a law.
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY,
    law_id TEXT NOT NULL,
    article_number INTEGER NOT NULL,
    text_arabic TEXT NOT NULL DEFAULT '',
    text_english TEXT NOT NULL DEFAULT '',
    hierarchy JSON,
    citation JSON,
    content_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(law_id, article_number)
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_articles_ar USING vec0(
    article_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_articles_en USING vec0(
    article_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Retrieval evaluation artifacts, one row per session.
CREATE TABLE IF NOT EXISTS retrieval_artifacts (
    artifact_id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    session_id TEXT,
    stop_reason TEXT NOT NULL,
    coverage_score REAL,
    total_articles INTEGER,
    payload JSON NOT NULL,
    verdict TEXT,
    verdict_confidence REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_articles_number ON articles(article_number);
CREATE INDEX IF NOT EXISTS idx_artifacts_case ON retrieval_artifacts(case_id);
`, embeddingDim)
}
