package retrieval

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/poalegal/llm"
)

//go:embed legal_areas.yaml
var defaultLegalAreasYAML []byte

// ConditionEntityInvolved promotes a conditional area to required when the
// case involves a company or other entity.
const ConditionEntityInvolved = "entity_involved"

const (
	defaultAreaMinSimilarity = 0.5
	defaultAreaMinArticles   = 1
)

// LegalArea is one topic of the coverage checklist.
type LegalArea struct {
	ID                string   `json:"id" yaml:"-"`
	NameEN            string   `json:"name_en" yaml:"name_en"`
	NameAR            string   `json:"name_ar" yaml:"name_ar"`
	KeywordsAR        []string `json:"keywords_ar" yaml:"keywords_ar"`
	KeywordsEN        []string `json:"keywords_en" yaml:"keywords_en"`
	TemplateQueriesAR []string `json:"template_queries_ar" yaml:"template_queries_ar"`
	MinSimilarity     float64  `json:"min_similarity" yaml:"min_similarity"`
	MinArticles       int      `json:"min_articles" yaml:"min_articles"`
	ConditionalOn     string   `json:"conditional_on,omitempty" yaml:"conditional_on"`
}

// TransactionRequirement lists the areas a transaction type needs.
type TransactionRequirement struct {
	RequiredAreas    []string `json:"required_areas" yaml:"required_areas"`
	ConditionalAreas []string `json:"conditional_areas" yaml:"conditional_areas"`
}

// LegalAreas is the parsed checklist configuration.
type LegalAreas struct {
	Areas        map[string]LegalArea              `json:"legal_areas"`
	Transactions map[string]TransactionRequirement `json:"transaction_requirements"`
	Default      TransactionRequirement            `json:"default_requirements"`
}

type legalAreasFile struct {
	LegalAreas map[string]struct {
		NameEN            string   `yaml:"name_en"`
		NameAR            string   `yaml:"name_ar"`
		KeywordsAR        []string `yaml:"keywords_ar"`
		KeywordsEN        []string `yaml:"keywords_en"`
		TemplateQueriesAR []string `yaml:"template_queries_ar"`
		MinSimilarity     *float64 `yaml:"min_similarity"`
		MinArticles       *int     `yaml:"min_articles"`
		ConditionalOn     string   `yaml:"conditional_on"`
	} `yaml:"legal_areas"`
	TransactionRequirements map[string]TransactionRequirement `yaml:"transaction_requirements"`
	DefaultRequirements     TransactionRequirement            `yaml:"default_requirements"`
}

// DefaultLegalAreas returns the built-in POA checklist.
func DefaultLegalAreas() (*LegalAreas, error) {
	return ParseLegalAreas(defaultLegalAreasYAML)
}

// LoadLegalAreas reads a checklist from a YAML file.
func LoadLegalAreas(path string) (*LegalAreas, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading legal areas: %w", err)
	}
	return ParseLegalAreas(data)
}

// ParseLegalAreas decodes and validates a checklist.
func ParseLegalAreas(data []byte) (*LegalAreas, error) {
	var f legalAreasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLegalAreas, err)
	}
	if len(f.LegalAreas) == 0 {
		return nil, fmt.Errorf("%w: no legal_areas defined", ErrInvalidLegalAreas)
	}

	la := &LegalAreas{
		Areas:        make(map[string]LegalArea, len(f.LegalAreas)),
		Transactions: f.TransactionRequirements,
		Default:      f.DefaultRequirements,
	}
	for id, raw := range f.LegalAreas {
		area := LegalArea{
			ID:                id,
			NameEN:            raw.NameEN,
			NameAR:            raw.NameAR,
			KeywordsAR:        nonEmpty(raw.KeywordsAR),
			KeywordsEN:        nonEmpty(raw.KeywordsEN),
			TemplateQueriesAR: nonEmpty(raw.TemplateQueriesAR),
			MinSimilarity:     defaultAreaMinSimilarity,
			MinArticles:       defaultAreaMinArticles,
			ConditionalOn:     raw.ConditionalOn,
		}
		if raw.MinSimilarity != nil {
			area.MinSimilarity = *raw.MinSimilarity
		}
		if raw.MinArticles != nil {
			area.MinArticles = *raw.MinArticles
		}
		if area.NameEN == "" {
			area.NameEN = id
		}
		if area.NameAR == "" {
			area.NameAR = id
		}
		if len(area.KeywordsAR)+len(area.KeywordsEN) == 0 {
			return nil, fmt.Errorf("%w: area %s has no keywords", ErrInvalidLegalAreas, id)
		}
		if area.MinSimilarity < 0 || area.MinSimilarity > 1 {
			return nil, fmt.Errorf("%w: area %s min_similarity %g out of [0,1]", ErrInvalidLegalAreas, id, area.MinSimilarity)
		}
		if area.MinArticles < 1 {
			return nil, fmt.Errorf("%w: area %s min_articles must be >= 1", ErrInvalidLegalAreas, id)
		}
		la.Areas[id] = area
	}

	check := func(owner string, req TransactionRequirement) error {
		for _, id := range append(append([]string{}, req.RequiredAreas...), req.ConditionalAreas...) {
			if _, ok := la.Areas[id]; !ok {
				return fmt.Errorf("%w: %s references unknown area %q", ErrInvalidLegalAreas, owner, id)
			}
		}
		return nil
	}
	for tx, req := range la.Transactions {
		if err := check(tx, req); err != nil {
			return nil, err
		}
	}
	if err := check("default_requirements", la.Default); err != nil {
		return nil, err
	}
	return la, nil
}

// AreaIDs returns all area ids in ascending order.
func (la *LegalAreas) AreaIDs() []string {
	ids := make([]string, 0, len(la.Areas))
	for id := range la.Areas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequiredArea is a checklist area resolved for one case.
type RequiredArea struct {
	LegalArea
	Required bool `json:"required"`
}

// Gap is a required area that is missing or weak.
type Gap struct {
	AreaID             string        `json:"area_id"`
	NameAR             string        `json:"area_name_ar"`
	NameEN             string        `json:"area_name_en"`
	Status             CoverageState `json:"status"`
	SuggestedQueriesAR []string      `json:"suggested_queries_ar"`
	KeywordsAR         []string      `json:"keywords_ar"`
}

// CoverageAnalyzer maps retrieved articles onto the legal checklist.
type CoverageAnalyzer struct {
	areas *LegalAreas
}

// NewCoverageAnalyzer creates an analyzer over a checklist.
func NewCoverageAnalyzer(areas *LegalAreas) *CoverageAnalyzer {
	return &CoverageAnalyzer{areas: areas}
}

// Areas returns the checklist configuration.
func (c *CoverageAnalyzer) Areas() *LegalAreas { return c.areas }

// RequiredAreas resolves the checklist for a transaction type. Conditional
// areas gated on entity involvement become required only when hasEntity;
// other conditional areas are tracked but not required. Unknown
// transaction types use the default requirements. Sorted by area id.
func (c *CoverageAnalyzer) RequiredAreas(txType string, hasEntity bool) []RequiredArea {
	req, ok := c.areas.Transactions[txType]
	if !ok {
		req = c.areas.Default
	}
	required := toSet(req.RequiredAreas)
	conditional := toSet(req.ConditionalAreas)

	var out []RequiredArea
	for _, id := range c.areas.AreaIDs() {
		area := c.areas.Areas[id]
		switch {
		case required[id]:
			out = append(out, RequiredArea{LegalArea: area, Required: true})
		case conditional[id]:
			promote := area.ConditionalOn == ConditionEntityInvolved && hasEntity
			out = append(out, RequiredArea{LegalArea: area, Required: promote})
		}
	}
	return out
}

// Analyze computes per-area coverage. Each matching article gets the area
// id appended to its MatchedLegalAreas.
func (c *CoverageAnalyzer) Analyze(articles []*ArticleResult, areas []RequiredArea) Coverage {
	cov := make(Coverage, len(areas))
	for _, area := range areas {
		matching := matchArticles(articles, area.KeywordsAR, area.KeywordsEN)

		status := CoverageStatus{
			AreaID:   area.ID,
			NameEN:   area.NameEN,
			NameAR:   area.NameAR,
			Required: area.Required,
			Articles: make([]int, 0, len(matching)),
			Status:   StatusMissing,
		}
		var sum float64
		for _, a := range matching {
			status.Articles = append(status.Articles, a.ArticleNumber)
			sum += a.Similarity
			if a.Similarity > status.MaxSimilarity {
				status.MaxSimilarity = a.Similarity
			}
			if !a.hasArea(area.ID) {
				a.MatchedLegalAreas = append(a.MatchedLegalAreas, area.ID)
			}
		}
		if len(matching) > 0 {
			status.AvgSimilarity = sum / float64(len(matching))
		}

		switch {
		case len(matching) >= area.MinArticles && status.AvgSimilarity >= area.MinSimilarity:
			status.Status = StatusCovered
		case len(matching) > 0:
			status.Status = StatusWeak
		}
		cov[area.ID] = status
	}
	return cov
}

func matchArticles(articles []*ArticleResult, keywordsAR, keywordsEN []string) []*ArticleResult {
	var out []*ArticleResult
	for _, a := range articles {
		combined := strings.ToLower(a.TextArabic + " " + a.TextEnglish)
		if containsAny(combined, keywordsAR) || containsAny(combined, keywordsEN) {
			out = append(out, a)
		}
	}
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// IdentifyGaps lists required areas that are missing or weak, ordered by
// area id, with the area's template queries.
func (c *CoverageAnalyzer) IdentifyGaps(cov Coverage) []Gap {
	var gaps []Gap
	for _, id := range sortedKeys(cov) {
		st := cov[id]
		if !st.Required || st.Status == StatusCovered {
			continue
		}
		area := c.areas.Areas[id]
		gaps = append(gaps, Gap{
			AreaID:             id,
			NameAR:             st.NameAR,
			NameEN:             st.NameEN,
			Status:             st.Status,
			SuggestedQueriesAR: area.TemplateQueriesAR,
			KeywordsAR:         area.KeywordsAR,
		})
	}
	return gaps
}

// Score is the fraction of required areas that are covered; 1.0 when
// nothing is required.
func Score(cov Coverage) float64 {
	var required, covered int
	for _, st := range cov {
		if !st.Required {
			continue
		}
		required++
		if st.Status == StatusCovered {
			covered++
		}
	}
	if required == 0 {
		return 1.0
	}
	return float64(covered) / float64(required)
}

// IsSufficient reports whether the coverage score meets threshold.
func IsSufficient(cov Coverage, threshold float64) bool {
	return Score(cov) >= threshold
}

// Summary maps area id to status.
func Summary(cov Coverage) map[string]CoverageState {
	out := make(map[string]CoverageState, len(cov))
	for id, st := range cov {
		out[id] = st.Status
	}
	return out
}

const assessmentSystemPrompt = "أنت محلل قانوني متخصص في تقييم الأدلة."

const assessmentPrompt = `أنت محلل قانوني تقيّم مدى تغطية الأدلة القانونية.

السؤال القانوني الأصلي:
%s

المواد القانونية المسترجعة:
%s

المجالات القانونية المغطاة حالياً:
%s

المجالات الناقصة أو الضعيفة:
%s

هل لدينا أدلة كافية للإجابة على السؤال القانوني بثقة؟

أجب بصيغة JSON:
{
    "sufficient": true/false,
    "confidence": 0.0-1.0,
    "reasoning_ar": "تحليل بالعربية",
    "missing_areas": ["area1", "area2"],
    "suggested_queries_ar": ["استعلام 1", "استعلام 2"]
}`

const assessmentArticles = 10

// AssessWithAgent asks the model whether the evidence suffices. Any failure
// yields a degraded, insufficient assessment rather than an error.
func (c *CoverageAnalyzer) AssessWithAgent(ctx context.Context, completer Completer, articles []*ArticleResult, cov Coverage, question string) *AgentAssessment {
	if completer == nil {
		return &AgentAssessment{ReasoningAR: "LLM not available", Err: "no completer configured"}
	}

	var arts strings.Builder
	for i, a := range articles {
		if i == assessmentArticles {
			break
		}
		fmt.Fprintf(&arts, "- المادة %d: %s... (التشابه: %.0f%%)\n",
			a.ArticleNumber, truncateRunes(a.TextArabic, 200), a.Similarity*100)
	}

	var covered strings.Builder
	for _, id := range sortedKeys(cov) {
		st := cov[id]
		fmt.Fprintf(&covered, "- %s: %s (%d مواد، تشابه: %.0f%%)\n",
			st.NameAR, st.Status, len(st.Articles), st.AvgSimilarity*100)
	}

	var gaps strings.Builder
	for _, g := range c.IdentifyGaps(cov) {
		fmt.Fprintf(&gaps, "- %s: %s\n", g.NameAR, g.Status)
	}
	gapText := gaps.String()
	if gapText == "" {
		gapText = "لا يوجد ثغرات"
	}

	resp, err := completer.Chat(ctx, llm.ChatRequest{
		Messages: llm.SystemUser(assessmentSystemPrompt,
			fmt.Sprintf(assessmentPrompt, question, arts.String(), covered.String(), gapText)),
		Temperature: 0.2,
		MaxTokens:   500,
	})
	if err != nil {
		slog.Warn("coverage: agent assessment failed", "error", err)
		return degradedAssessment(err)
	}

	content := stripFences(stripThinking(resp.Content))
	if idx := strings.Index(content, "{"); idx >= 0 {
		content = content[idx:]
	}
	if idx := strings.LastIndex(content, "}"); idx >= 0 {
		content = content[:idx+1]
	}

	var out AgentAssessment
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		slog.Warn("coverage: failed to parse assessment JSON", "error", err, "content_len", len(content))
		return degradedAssessment(err)
	}
	out.Confidence = clamp01(out.Confidence)
	return &out
}

func degradedAssessment(err error) *AgentAssessment {
	return &AgentAssessment{
		ReasoningAR:        "فشل التقييم: " + err.Error(),
		MissingAreas:       []string{},
		SuggestedQueriesAR: []string{},
		Err:                err.Error(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(cov Coverage) []string {
	ids := make([]string, 0, len(cov))
	for id := range cov {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
