package retrieval

import (
	"fmt"

	"github.com/brunobiangulo/poalegal/store"
)

// Config holds the retrieval loop configuration.
type Config struct {
	// HyDE
	HydeEnabled          bool    `json:"hyde_enabled" yaml:"hyde_enabled"`
	HydeNumHypotheticals int     `json:"hyde_num_hypotheticals" yaml:"hyde_num_hypotheticals"`
	HydeTemperature      float64 `json:"hyde_temperature" yaml:"hyde_temperature"`

	// Budgets
	MaxIterations int   `json:"max_iterations" yaml:"max_iterations"`
	MaxArticles   int   `json:"max_articles" yaml:"max_articles"`
	MaxLatencyMs  int64 `json:"max_latency_ms" yaml:"max_latency_ms"`
	MaxLLMCalls   int   `json:"max_llm_calls" yaml:"max_llm_calls"` // 0 = unlimited

	// Thresholds
	CoverageThreshold     float64 `json:"coverage_threshold" yaml:"coverage_threshold"`
	ConfidenceThreshold   float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	TopKConfidence        float64 `json:"top_k_confidence" yaml:"top_k_confidence"`
	MinArticles           int     `json:"min_articles" yaml:"min_articles"`
	MinAreaSimilarity     float64 `json:"min_area_similarity" yaml:"min_area_similarity"`
	SimilarityFloorOffset float64 `json:"similarity_floor_offset" yaml:"similarity_floor_offset"`
	RetryMinScore         float64 `json:"retry_min_score" yaml:"retry_min_score"` // 0 disables the retry

	// Search
	SearchLimit    int    `json:"search_limit" yaml:"search_limit"`
	SearchLanguage string `json:"search_language" yaml:"search_language"`
	MaxCrossRefs   int    `json:"max_cross_refs" yaml:"max_cross_refs"`

	// Feature flags
	EnableCrossReferences bool `json:"enable_cross_references" yaml:"enable_cross_references"`
	EnableCoverageCheck   bool `json:"enable_coverage_check" yaml:"enable_coverage_check"`
	EnableAgentAssessment bool `json:"enable_agent_assessment" yaml:"enable_agent_assessment"`
	SaveArtifacts         bool `json:"save_artifacts" yaml:"save_artifacts"`

	// IssueConcurrency bounds parallel issue processing in broad retrieval.
	IssueConcurrency int `json:"issue_concurrency" yaml:"issue_concurrency"`

	CostPerLLMCall       float64 `json:"cost_per_llm_call" yaml:"cost_per_llm_call"`
	CostPerEmbeddingCall float64 `json:"cost_per_embedding_call" yaml:"cost_per_embedding_call"`

	// CitationPatterns replaces the built-in citation phrasings when set.
	CitationPatterns []CitationPattern `json:"citation_patterns,omitempty" yaml:"citation_patterns,omitempty"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HydeEnabled:           true,
		HydeNumHypotheticals:  2,
		HydeTemperature:       0.7,
		MaxIterations:         3,
		MaxArticles:           30,
		MaxLatencyMs:          30000,
		MaxLLMCalls:           0,
		CoverageThreshold:     0.8,
		ConfidenceThreshold:   0.55,
		TopKConfidence:        0.65,
		MinArticles:           5,
		MinAreaSimilarity:     0.5,
		SimilarityFloorOffset: 0.1,
		RetryMinScore:         0.2,
		SearchLimit:           5,
		SearchLanguage:        store.LanguageArabic,
		MaxCrossRefs:          10,
		EnableCrossReferences: true,
		EnableCoverageCheck:   true,
		EnableAgentAssessment: false,
		SaveArtifacts:         true,
		IssueConcurrency:      1,
		CostPerLLMCall:        0.001,
		CostPerEmbeddingCall:  0.0001,
	}
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
	}
	unit := func(v float64) bool { return v >= 0 && v <= 1 }

	for _, err := range []error{
		check(!c.HydeEnabled || c.HydeNumHypotheticals >= 1, "hyde_num_hypotheticals must be >= 1, got %d", c.HydeNumHypotheticals),
		check(c.HydeTemperature >= 0 && c.HydeTemperature <= 2, "hyde_temperature must be in [0,2], got %g", c.HydeTemperature),
		check(c.MaxIterations >= 1, "max_iterations must be >= 1, got %d", c.MaxIterations),
		check(c.MaxArticles >= 1, "max_articles must be >= 1, got %d", c.MaxArticles),
		check(c.MaxLatencyMs > 0, "max_latency_ms must be > 0, got %d", c.MaxLatencyMs),
		check(c.MaxLLMCalls >= 0, "max_llm_calls must be >= 0, got %d", c.MaxLLMCalls),
		check(unit(c.CoverageThreshold), "coverage_threshold must be in [0,1], got %g", c.CoverageThreshold),
		check(unit(c.ConfidenceThreshold), "confidence_threshold must be in [0,1], got %g", c.ConfidenceThreshold),
		check(unit(c.TopKConfidence), "top_k_confidence must be in [0,1], got %g", c.TopKConfidence),
		check(c.MinArticles >= 0, "min_articles must be >= 0, got %d", c.MinArticles),
		check(unit(c.MinAreaSimilarity), "min_area_similarity must be in [0,1], got %g", c.MinAreaSimilarity),
		check(unit(c.SimilarityFloorOffset), "similarity_floor_offset must be in [0,1], got %g", c.SimilarityFloorOffset),
		check(unit(c.RetryMinScore), "retry_min_score must be in [0,1], got %g", c.RetryMinScore),
		check(c.SearchLimit >= 1, "search_limit must be >= 1, got %d", c.SearchLimit),
		check(c.SearchLanguage == store.LanguageArabic || c.SearchLanguage == store.LanguageEnglish,
			"search_language must be %q or %q, got %q", store.LanguageArabic, store.LanguageEnglish, c.SearchLanguage),
		check(c.MaxCrossRefs >= 0, "max_cross_refs must be >= 0, got %d", c.MaxCrossRefs),
		check(c.IssueConcurrency >= 1, "issue_concurrency must be >= 1, got %d", c.IssueConcurrency),
		check(c.CostPerLLMCall >= 0 && c.CostPerEmbeddingCall >= 0, "costs must be >= 0"),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// searchFloor is the minimum similarity a search hit needs to be returned.
// It sits below the area minimum so borderline matches still surface.
func (c Config) searchFloor() float64 {
	f := c.MinAreaSimilarity - c.SimilarityFloorOffset
	if f < 0 {
		return 0
	}
	return f
}
