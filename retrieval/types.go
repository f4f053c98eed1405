package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brunobiangulo/poalegal/store"
)

var (
	ErrInvalidConfig      = errors.New("retrieval: invalid config")
	ErrInvalidIssue       = errors.New("retrieval: invalid issue")
	ErrInvalidLegalAreas  = errors.New("retrieval: invalid legal areas")
	ErrInvalidPattern     = errors.New("retrieval: invalid citation pattern")
	ErrMissingDependency  = errors.New("retrieval: missing dependency")
	ErrInvalidArticleData = errors.New("retrieval: invalid article data")
)

// Category is the closed set of legal issue categories.
type Category string

const (
	CategoryGrantorCapacity    Category = "grantor_capacity"
	CategoryAgentCapacity      Category = "agent_capacity"
	CategoryPOAScope           Category = "poa_scope"
	CategorySubstitutionRights Category = "substitution_rights"
	CategoryFormalities        Category = "formalities"
	CategoryValidity           Category = "validity"
	CategoryCompliance         Category = "compliance"
	CategoryBusinessRules      Category = "business_rules"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryGrantorCapacity, CategoryAgentCapacity, CategoryPOAScope,
		CategorySubstitutionRights, CategoryFormalities, CategoryValidity,
		CategoryCompliance, CategoryBusinessRules:
		return true
	}
	return false
}

// Issue is a decomposed legal sub-question. It is never modified during
// a retrieval session.
type Issue struct {
	IssueID         string   `json:"issue_id" yaml:"issue_id"`
	Category        Category `json:"category" yaml:"category"`
	PrimaryQuestion string   `json:"primary_question" yaml:"primary_question"`
	SubQuestions    []string `json:"sub_questions,omitempty" yaml:"sub_questions,omitempty"`
	RelevantFacts   []string `json:"relevant_facts,omitempty" yaml:"relevant_facts,omitempty"`
	SearchQueries   []string `json:"search_queries_ar,omitempty" yaml:"search_queries_ar,omitempty"`
	Priority        int      `json:"priority" yaml:"priority"`
}

// ValidateIssues rejects issues with an empty id or an unknown category.
func ValidateIssues(issues []Issue) error {
	for i, is := range issues {
		if strings.TrimSpace(is.IssueID) == "" {
			return fmt.Errorf("%w: issue %d has no id", ErrInvalidIssue, i)
		}
		if !is.Category.Valid() {
			return fmt.Errorf("%w: issue %s has unknown category %q", ErrInvalidIssue, is.IssueID, is.Category)
		}
	}
	return nil
}

// ArticleResult is a statute article annotated with retrieval provenance.
type ArticleResult struct {
	ArticleNumber     int               `json:"article_number"`
	LawID             string            `json:"law_id,omitempty"`
	TextArabic        string            `json:"text_arabic"`
	TextEnglish       string            `json:"text_english"`
	HierarchyPath     map[string]string `json:"hierarchy_path,omitempty"`
	Citation          map[string]string `json:"citation,omitempty"`
	FoundByQuery      string            `json:"found_by_query"`
	FoundInIteration  int               `json:"found_in_iteration"`
	Similarity        float64           `json:"similarity"`
	IsCrossReference  bool              `json:"is_cross_reference"`
	ReferencedBy      int               `json:"referenced_by,omitempty"`
	MatchedLegalAreas []string          `json:"matched_legal_areas"`
}

const maxFoundByQueryRunes = 100

// NewArticleResult builds a result from a similarity-search hit.
func NewArticleResult(m store.ArticleMatch, query string, iteration int) *ArticleResult {
	return &ArticleResult{
		ArticleNumber:    m.ArticleNumber,
		LawID:            m.LawID,
		TextArabic:       m.TextArabic,
		TextEnglish:      m.TextEnglish,
		HierarchyPath:    m.Hierarchy,
		Citation:         m.Citation,
		FoundByQuery:     truncateRunes(query, maxFoundByQueryRunes),
		FoundInIteration: iteration,
		Similarity:       m.Similarity,
	}
}

func (a *ArticleResult) hasArea(area string) bool {
	for _, id := range a.MatchedLegalAreas {
		if id == area {
			return true
		}
	}
	return false
}

// ToMap flattens the result into a plain map, as stored in artifact
// payloads and handed to downstream consumers.
func (a *ArticleResult) ToMap() map[string]any {
	areas := append([]string{}, a.MatchedLegalAreas...)
	return map[string]any{
		"article_number":      a.ArticleNumber,
		"law_id":              a.LawID,
		"text_arabic":         a.TextArabic,
		"text_english":        a.TextEnglish,
		"hierarchy_path":      copyStringMap(a.HierarchyPath),
		"citation":            copyStringMap(a.Citation),
		"found_by_query":      a.FoundByQuery,
		"found_in_iteration":  a.FoundInIteration,
		"similarity":          a.Similarity,
		"is_cross_reference":  a.IsCrossReference,
		"referenced_by":       a.ReferencedBy,
		"matched_legal_areas": areas,
	}
}

// ArticleResultFromMap rebuilds a result from ToMap output or from the
// decoded JSON of it.
func ArticleResultFromMap(m map[string]any) (*ArticleResult, error) {
	num, ok := toInt(m["article_number"])
	if !ok {
		return nil, fmt.Errorf("%w: article_number %v", ErrInvalidArticleData, m["article_number"])
	}
	a := &ArticleResult{ArticleNumber: num}
	a.LawID, _ = m["law_id"].(string)
	a.TextArabic, _ = m["text_arabic"].(string)
	a.TextEnglish, _ = m["text_english"].(string)
	a.FoundByQuery, _ = m["found_by_query"].(string)
	a.IsCrossReference, _ = m["is_cross_reference"].(bool)
	a.FoundInIteration, _ = toInt(m["found_in_iteration"])
	a.ReferencedBy, _ = toInt(m["referenced_by"])
	if v, ok := toFloat(m["similarity"]); ok {
		a.Similarity = v
	}
	a.HierarchyPath = toStringMap(m["hierarchy_path"])
	a.Citation = toStringMap(m["citation"])
	switch areas := m["matched_legal_areas"].(type) {
	case []string:
		a.MatchedLegalAreas = append([]string{}, areas...)
	case []any:
		for _, v := range areas {
			if s, ok := v.(string); ok {
				a.MatchedLegalAreas = append(a.MatchedLegalAreas, s)
			}
		}
	}
	return a, nil
}

// CoverageState is the tri-state coverage of a legal area.
type CoverageState string

const (
	StatusCovered CoverageState = "covered"
	StatusWeak    CoverageState = "weak"
	StatusMissing CoverageState = "missing"
)

// CoverageStatus is the coverage record of one legal area.
type CoverageStatus struct {
	AreaID        string        `json:"area_id"`
	NameEN        string        `json:"area_name_en"`
	NameAR        string        `json:"area_name_ar"`
	Required      bool          `json:"required"`
	Articles      []int         `json:"articles_found"`
	AvgSimilarity float64       `json:"avg_similarity"`
	MaxSimilarity float64       `json:"max_similarity"`
	Status        CoverageState `json:"status"`
}

// Coverage maps area id to its status.
type Coverage map[string]CoverageStatus

// IterationPurpose is the phase an iteration runs. It is a function of the
// iteration number.
type IterationPurpose string

const (
	PurposeBroadRetrieval     IterationPurpose = "broad_retrieval"
	PurposeGapFilling         IterationPurpose = "gap_filling"
	PurposeReferenceExpansion IterationPurpose = "reference_expansion"
)

// PurposeFor returns the phase of the given 1-based iteration.
func PurposeFor(iteration int) IterationPurpose {
	switch iteration {
	case 1:
		return PurposeBroadRetrieval
	case 2:
		return PurposeGapFilling
	}
	return PurposeReferenceExpansion
}

// StopReason records why the loop terminated.
type StopReason string

const (
	StopCoverageThresholdMet   StopReason = "coverage_threshold_met"
	StopConfidenceThresholdMet StopReason = "confidence_threshold_met"
	StopAgentSelfAssessment    StopReason = "agent_self_assessment"
	StopDiminishingReturns     StopReason = "diminishing_returns"
	StopMaxIterations          StopReason = "max_iterations_reached"
	StopMaxArticles            StopReason = "max_articles_reached"
	StopMaxLatency             StopReason = "max_latency_reached"
	StopError                  StopReason = "error"
)

// QueryType distinguishes HyDE probes from literal query searches.
type QueryType string

const (
	QueryHyDE   QueryType = "hyde"
	QueryDirect QueryType = "direct"
)

// QueryLog records one search.
type QueryLog struct {
	QueryID            string    `json:"query_id"`
	QueryType          QueryType `json:"query_type"`
	QueryText          string    `json:"query_text"`
	Language           string    `json:"query_language"`
	Hypothetical       string    `json:"hypothetical_generated,omitempty"`
	ArticlesFound      []int     `json:"articles_found"`
	Similarities       []float64 `json:"similarities"`
	HydeLatencyMs      int64     `json:"hyde_latency_ms"`
	EmbeddingLatencyMs int64     `json:"embedding_latency_ms"`
	SearchLatencyMs    int64     `json:"search_latency_ms"`
	TotalLatencyMs     int64     `json:"total_latency_ms"`
	Error              string    `json:"error,omitempty"`
}

// IterationLog records one pass of the loop.
type IterationLog struct {
	IterationNumber   int                      `json:"iteration_number"`
	Purpose           IterationPurpose         `json:"purpose"`
	Queries           []*QueryLog              `json:"queries"`
	CoverageBefore    map[string]CoverageState `json:"coverage_before"`
	CoverageAfter     map[string]CoverageState `json:"coverage_after"`
	GapsIdentified    []string                 `json:"gaps_identified"`
	ArticlesRetrieved []int                    `json:"articles_retrieved"`
	ArticlesNew       []int                    `json:"articles_new"`
	CrossRefsFound    []int                    `json:"cross_refs_found"`
	LLMCalls          int                      `json:"llm_calls"`
	EmbeddingCalls    int                      `json:"embedding_calls"`
	LatencyMs         int64                    `json:"latency_ms"`
	Assessment        *AgentAssessment         `json:"agent_assessment,omitempty"`
}

// AgentAssessment is the model's own judgement of evidence sufficiency.
type AgentAssessment struct {
	Sufficient         bool     `json:"sufficient"`
	Confidence         float64  `json:"confidence"`
	ReasoningAR        string   `json:"reasoning_ar"`
	MissingAreas       []string `json:"missing_areas"`
	SuggestedQueriesAR []string `json:"suggested_queries_ar"`
	Err                string   `json:"error,omitempty"`
}

// Degraded reports whether the assessment is a fallback after a failure.
func (a *AgentAssessment) Degraded() bool { return a.Err != "" }

// CaseContext carries the case facts the loop needs from the legal brief.
type CaseContext struct {
	TransactionType string         `json:"transaction_type"`
	EntityName      string         `json:"entity_name,omitempty"`
	Brief           map[string]any `json:"legal_brief,omitempty"`
}

// HasEntity reports whether a company or other entity is involved.
func (c CaseContext) HasEntity() bool { return strings.TrimSpace(c.EntityName) != "" }

// CaseContextFromBrief reads case_summary.transaction_type and
// entity_information.company_name_ar from a legal brief.
func CaseContextFromBrief(brief map[string]any) CaseContext {
	cc := CaseContext{Brief: brief}
	if summary, ok := brief["case_summary"].(map[string]any); ok {
		cc.TransactionType, _ = summary["transaction_type"].(string)
	}
	if entity, ok := brief["entity_information"].(map[string]any); ok {
		cc.EntityName, _ = entity["company_name_ar"].(string)
	}
	return cc
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toStringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return copyStringMap(m)
	case map[string]any:
		if len(m) == 0 {
			return nil
		}
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
		return out
	}
	return nil
}

func copyStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
