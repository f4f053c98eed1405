package retrieval

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/poalegal/store"
)

func TestBuildArtifact(t *testing.T) {
	cfg := DefaultConfig()
	s := NewSession("case-1")
	s.AddArticle(result(1, 0.9, strings.Repeat("و", 700)))
	s.AddArticle(result(2, 0.5, "نص"))
	s.ReserveLLMCall(0)
	s.ReserveLLMCall(0)
	s.AddEmbeddingCalls(10)
	s.nextIteration()
	s.setCoverage(Coverage{
		"poa_scope":   {Required: true, Status: StatusCovered, Articles: []int{1}, AvgSimilarity: 0.9},
		"formalities": {Required: true, Status: StatusMissing, Articles: []int{}},
	})
	s.finishIteration(&IterationLog{IterationNumber: 1, Purpose: PurposeBroadRetrieval, LatencyMs: 12})
	s.stop(StopConfidenceThresholdMet)

	cc := CaseContext{TransactionType: "POA_GENERAL", Brief: map[string]any{"case_id": "case-1"}}
	a := buildArtifact(cfg, s, sampleIssues(), cc)

	assert.NotEmpty(t, a.ArtifactID)
	assert.Equal(t, s.ID, a.SessionID)
	assert.Equal(t, StopConfidenceThresholdMet, a.StopReason)
	assert.Equal(t, 1, a.StopIteration)
	assert.Equal(t, 2, a.TotalArticles)
	assert.InDelta(t, 0.5, a.CoverageScore, 1e-9)
	assert.InDelta(t, 0.7, a.AvgSimilarity, 1e-9)
	assert.InDelta(t, 2*0.001+10*0.0001, a.EstimatedCostUSD, 1e-12)
	assert.Equal(t, int64(12), a.TotalLatencyMs)

	require.Len(t, a.FinalArticles, 2)
	assert.Equal(t, 1, a.FinalArticles[0].ArticleNumber)
	assert.Len(t, []rune(a.FinalArticles[0].TextArabic), 500)
	assert.Equal(t, StatusMissing, a.FinalCoverage["formalities"].Status)

	other := buildArtifact(cfg, s, nil, cc)
	assert.NotEqual(t, a.ArtifactID, other.ArtifactID)
}

func TestToStorable(t *testing.T) {
	fs := &fakeStore{search: func(int, store.SearchOptions) ([]store.ArticleMatch, error) {
		return coveringCorpus(), nil
	}}
	o := newOrchestrator(t, DefaultConfig(), &fakeEmbedder{}, &fakeCompleter{}, fs)
	issues := sampleIssues()
	issues[0].SearchQueries[0] = strings.Repeat("ح", 250)

	_, artifact := o.Retrieve(context.Background(), issues, generalCase(), "case-s")
	artifact.SetVerdict("valid", 0.92)

	st := artifact.ToStorable()
	assert.Equal(t, artifact.ArtifactID, st.ArtifactID)
	assert.Equal(t, "case-s", st.CaseID)
	assert.Equal(t, "valid", st.Verdict)
	require.NotNil(t, st.VerdictConfidence)
	assert.InDelta(t, 0.92, *st.VerdictConfidence, 1e-9)
	_, err := time.Parse(time.RFC3339Nano, st.Timestamp)
	require.NoError(t, err)

	want := StorableConfig{
		HydeEnabled:       true,
		MaxIterations:     3,
		MaxArticles:       30,
		CoverageThreshold: 0.8,
		SearchLanguage:    store.LanguageArabic,
	}
	if diff := cmp.Diff(want, st.Config); diff != "" {
		t.Errorf("storable config mismatch (-want +got):\n%s", diff)
	}

	for _, it := range st.Iterations {
		for _, q := range it.Queries {
			assert.LessOrEqual(t, len([]rune(q.QueryText)), 200)
			assert.LessOrEqual(t, len([]rune(q.Hypothetical)), 200)
		}
	}

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	var back StorableArtifact
	require.NoError(t, json.Unmarshal(raw, &back))
	if diff := cmp.Diff(st, back); diff != "" {
		t.Errorf("storable artifact JSON round trip mismatch (-want +got):\n%s", diff)
	}
}
