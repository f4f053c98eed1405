package retrieval

import (
	"time"

	"github.com/google/uuid"
)

const (
	artifactTextRunes  = 500
	storableQueryRunes = 200
)

// EvalArtifact is the full record of one retrieval session, used for
// offline evaluation and later joined with the verdict.
type EvalArtifact struct {
	ArtifactID      string
	SessionID       string
	CaseID          string
	Timestamp       time.Time
	TransactionType string
	LegalBrief      map[string]any
	Issues          []Issue
	Config          Config

	Iterations    []*IterationLog
	FinalArticles []FinalArticle
	FinalCoverage map[string]FinalCoverage

	StopReason          StopReason
	StopIteration       int
	TotalIterations     int
	TotalArticles       int
	TotalLLMCalls       int
	TotalEmbeddingCalls int
	TotalLatencyMs      int64
	AvgSimilarity       float64
	Top3Similarity      float64
	CoverageScore       float64
	EstimatedCostUSD    float64

	Verdict           string
	VerdictConfidence *float64
}

// FinalArticle is an article as recorded in an artifact.
type FinalArticle struct {
	ArticleNumber     int      `json:"article_number"`
	LawID             string   `json:"law_id,omitempty"`
	TextArabic        string   `json:"text_arabic"`
	TextEnglish       string   `json:"text_english"`
	Similarity        float64  `json:"similarity"`
	FoundInIteration  int      `json:"found_in_iteration"`
	FoundByQuery      string   `json:"found_by_query"`
	IsCrossReference  bool     `json:"is_cross_reference"`
	ReferencedBy      int      `json:"referenced_by,omitempty"`
	MatchedLegalAreas []string `json:"matched_legal_areas"`
}

// FinalCoverage is the per-area coverage as recorded in an artifact.
type FinalCoverage struct {
	Status        CoverageState `json:"status"`
	Required      bool          `json:"required"`
	Articles      []int         `json:"articles"`
	AvgSimilarity float64       `json:"avg_similarity"`
}

func buildArtifact(cfg Config, s *Session, issues []Issue, cc CaseContext) *EvalArtifact {
	articles := s.Articles()
	cov := s.Coverage()

	a := &EvalArtifact{
		ArtifactID:          uuid.NewString(),
		SessionID:           s.ID,
		CaseID:              s.CaseID,
		Timestamp:           s.StartedAt,
		TransactionType:     cc.TransactionType,
		LegalBrief:          cc.Brief,
		Issues:              append([]Issue(nil), issues...),
		Config:              cfg,
		Iterations:          s.Logs(),
		FinalArticles:       make([]FinalArticle, 0, len(articles)),
		FinalCoverage:       make(map[string]FinalCoverage, len(cov)),
		StopReason:          s.StopReason(),
		StopIteration:       s.Iteration(),
		TotalIterations:     s.Iteration(),
		TotalArticles:       len(articles),
		TotalLLMCalls:       s.LLMCalls(),
		TotalEmbeddingCalls: s.EmbeddingCalls(),
		TotalLatencyMs:      s.LatencyMs(),
		AvgSimilarity:       s.AvgSimilarity(),
		Top3Similarity:      s.TopKSimilarity(confidenceTopK),
		CoverageScore:       Score(cov),
	}
	a.EstimatedCostUSD = float64(a.TotalLLMCalls)*cfg.CostPerLLMCall +
		float64(a.TotalEmbeddingCalls)*cfg.CostPerEmbeddingCall

	for _, art := range articles {
		a.FinalArticles = append(a.FinalArticles, FinalArticle{
			ArticleNumber:     art.ArticleNumber,
			LawID:             art.LawID,
			TextArabic:        truncateRunes(art.TextArabic, artifactTextRunes),
			TextEnglish:       truncateRunes(art.TextEnglish, artifactTextRunes),
			Similarity:        art.Similarity,
			FoundInIteration:  art.FoundInIteration,
			FoundByQuery:      art.FoundByQuery,
			IsCrossReference:  art.IsCrossReference,
			ReferencedBy:      art.ReferencedBy,
			MatchedLegalAreas: append([]string{}, art.MatchedLegalAreas...),
		})
	}
	for id, st := range cov {
		a.FinalCoverage[id] = FinalCoverage{
			Status:        st.Status,
			Required:      st.Required,
			Articles:      append([]int{}, st.Articles...),
			AvgSimilarity: st.AvgSimilarity,
		}
	}
	return a
}

// SetVerdict attaches the downstream verdict.
func (a *EvalArtifact) SetVerdict(verdict string, confidence float64) {
	a.Verdict = verdict
	a.VerdictConfidence = &confidence
}

// StorableArtifact is the serialisable form of an EvalArtifact.
type StorableArtifact struct {
	ArtifactID      string         `json:"artifact_id"`
	SessionID       string         `json:"session_id"`
	CaseID          string         `json:"case_id"`
	Timestamp       string         `json:"timestamp"`
	TransactionType string         `json:"transaction_type,omitempty"`
	LegalBrief      map[string]any `json:"legal_brief,omitempty"`
	Issues          []Issue        `json:"issues"`
	Config          StorableConfig `json:"config"`

	Iterations    []StorableIteration      `json:"iterations"`
	FinalArticles []FinalArticle           `json:"final_articles"`
	FinalCoverage map[string]FinalCoverage `json:"final_coverage"`

	StopReason          StopReason `json:"stop_reason"`
	StopIteration       int        `json:"stop_iteration"`
	TotalIterations     int        `json:"total_iterations"`
	TotalArticles       int        `json:"total_articles"`
	TotalLLMCalls       int        `json:"total_llm_calls"`
	TotalEmbeddingCalls int        `json:"total_embedding_calls"`
	TotalLatencyMs      int64      `json:"total_latency_ms"`
	AvgSimilarity       float64    `json:"avg_similarity"`
	Top3Similarity      float64    `json:"top_3_similarity"`
	CoverageScore       float64    `json:"coverage_score"`
	EstimatedCostUSD    float64    `json:"estimated_cost_usd"`

	Verdict           string   `json:"verdict,omitempty"`
	VerdictConfidence *float64 `json:"verdict_confidence,omitempty"`
}

// StorableConfig is the subset of Config kept with a stored artifact.
type StorableConfig struct {
	HydeEnabled       bool    `json:"hyde_enabled"`
	MaxIterations     int     `json:"max_iterations"`
	MaxArticles       int     `json:"max_articles"`
	CoverageThreshold float64 `json:"coverage_threshold"`
	SearchLanguage    string  `json:"search_language"`
}

// StorableIteration is an IterationLog as stored.
type StorableIteration struct {
	IterationNumber int                      `json:"iteration_number"`
	Purpose         IterationPurpose         `json:"purpose"`
	Queries         []StorableQuery          `json:"queries"`
	CoverageBefore  map[string]CoverageState `json:"coverage_before"`
	CoverageAfter   map[string]CoverageState `json:"coverage_after"`
	GapsIdentified  []string                 `json:"gaps_identified"`
	ArticlesNew     []int                    `json:"articles_new"`
	CrossRefsFound  []int                    `json:"cross_refs_found"`
	LLMCalls        int                      `json:"llm_calls"`
	EmbeddingCalls  int                      `json:"embedding_calls"`
	LatencyMs       int64                    `json:"latency_ms"`
	Assessment      *AgentAssessment         `json:"agent_assessment,omitempty"`
}

// StorableQuery is a QueryLog as stored, with texts shortened.
type StorableQuery struct {
	QueryType     QueryType `json:"query_type"`
	QueryText     string    `json:"query_text"`
	Hypothetical  string    `json:"hypothetical,omitempty"`
	ArticlesFound []int     `json:"articles_found"`
	Similarities  []float64 `json:"similarities"`
	Error         string    `json:"error,omitempty"`
}

// ToStorable converts the artifact to its storage record.
func (a *EvalArtifact) ToStorable() StorableArtifact {
	out := StorableArtifact{
		ArtifactID:      a.ArtifactID,
		SessionID:       a.SessionID,
		CaseID:          a.CaseID,
		Timestamp:       a.Timestamp.UTC().Format(time.RFC3339Nano),
		TransactionType: a.TransactionType,
		LegalBrief:      a.LegalBrief,
		Issues:          a.Issues,
		Config: StorableConfig{
			HydeEnabled:       a.Config.HydeEnabled,
			MaxIterations:     a.Config.MaxIterations,
			MaxArticles:       a.Config.MaxArticles,
			CoverageThreshold: a.Config.CoverageThreshold,
			SearchLanguage:    a.Config.SearchLanguage,
		},
		Iterations:          make([]StorableIteration, 0, len(a.Iterations)),
		FinalArticles:       a.FinalArticles,
		FinalCoverage:       a.FinalCoverage,
		StopReason:          a.StopReason,
		StopIteration:       a.StopIteration,
		TotalIterations:     a.TotalIterations,
		TotalArticles:       a.TotalArticles,
		TotalLLMCalls:       a.TotalLLMCalls,
		TotalEmbeddingCalls: a.TotalEmbeddingCalls,
		TotalLatencyMs:      a.TotalLatencyMs,
		AvgSimilarity:       a.AvgSimilarity,
		Top3Similarity:      a.Top3Similarity,
		CoverageScore:       a.CoverageScore,
		EstimatedCostUSD:    a.EstimatedCostUSD,
		Verdict:             a.Verdict,
		VerdictConfidence:   a.VerdictConfidence,
	}

	for _, il := range a.Iterations {
		si := StorableIteration{
			IterationNumber: il.IterationNumber,
			Purpose:         il.Purpose,
			Queries:         make([]StorableQuery, 0, len(il.Queries)),
			CoverageBefore:  il.CoverageBefore,
			CoverageAfter:   il.CoverageAfter,
			GapsIdentified:  il.GapsIdentified,
			ArticlesNew:     il.ArticlesNew,
			CrossRefsFound:  il.CrossRefsFound,
			LLMCalls:        il.LLMCalls,
			EmbeddingCalls:  il.EmbeddingCalls,
			LatencyMs:       il.LatencyMs,
			Assessment:      il.Assessment,
		}
		for _, q := range il.Queries {
			si.Queries = append(si.Queries, StorableQuery{
				QueryType:     q.QueryType,
				QueryText:     truncateRunes(q.QueryText, storableQueryRunes),
				Hypothetical:  truncateRunes(q.Hypothetical, storableQueryRunes),
				ArticlesFound: q.ArticlesFound,
				Similarities:  q.Similarities,
				Error:         q.Error,
			})
		}
		out.Iterations = append(out.Iterations, si)
	}
	return out
}
