package artifacts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brunobiangulo/poalegal/retrieval"
	"github.com/brunobiangulo/poalegal/store"
)

// ArtifactStore is the artifact table of the article store.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, rec store.ArtifactRecord) error
	GetArtifact(ctx context.Context, id string) (*store.ArtifactRecord, error)
}

// SQLiteSink writes artifacts to the retrieval_artifacts table.
type SQLiteSink struct {
	store ArtifactStore
}

// NewSQLiteSink wraps an artifact store.
func NewSQLiteSink(s ArtifactStore) *SQLiteSink {
	return &SQLiteSink{store: s}
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Save(ctx context.Context, a *retrieval.StorableArtifact) error {
	payload, err := Encode(a)
	if err != nil {
		return err
	}
	rec := store.ArtifactRecord{
		ArtifactID:    a.ArtifactID,
		CaseID:        a.CaseID,
		SessionID:     a.SessionID,
		StopReason:    string(a.StopReason),
		CoverageScore: a.CoverageScore,
		TotalArticles: a.TotalArticles,
		Payload:       payload,
	}
	return s.store.SaveArtifact(ctx, rec)
}

// Load reads an artifact back. A verdict recorded after the artifact was
// saved is folded into the result.
func (s *SQLiteSink) Load(ctx context.Context, id string) (*retrieval.StorableArtifact, error) {
	rec, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode(rec)
}

// Decode turns a stored record back into an artifact.
func Decode(rec *store.ArtifactRecord) (*retrieval.StorableArtifact, error) {
	var a retrieval.StorableArtifact
	if err := json.Unmarshal(rec.Payload, &a); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", rec.ArtifactID, err)
	}
	if rec.Verdict != "" {
		conf := rec.VerdictConfidence
		a.Verdict = rec.Verdict
		a.VerdictConfidence = &conf
	}
	return &a, nil
}
