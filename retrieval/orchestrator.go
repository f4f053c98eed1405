package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/poalegal/llm"
	"github.com/brunobiangulo/poalegal/store"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer runs chat completions.
type Completer interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// ArticleStore is the read side of the statute corpus.
type ArticleStore interface {
	SimilaritySearch(ctx context.Context, vec []float32, opts store.SearchOptions) ([]store.ArticleMatch, error)
	GetArticleByNumber(ctx context.Context, number int, lawID string) (*store.Article, error)
}

// Deps are the collaborators of an Orchestrator. Areas and Expander are
// optional and default to the built-in checklist and citation patterns.
type Deps struct {
	Embedder  Embedder
	Completer Completer
	Store     ArticleStore
	Areas     *LegalAreas
	Expander  *CrossRefExpander
	// LawID restricts searches and cross-reference lookups to one law.
	LawID string
}

// Orchestrator drives the iterative retrieval loop.
type Orchestrator struct {
	cfg       Config
	embedder  Embedder
	completer Completer
	store     ArticleStore
	lawID     string
	hyde      *HydeGenerator
	coverage  *CoverageAnalyzer
	crossref  *CrossRefExpander
}

// New validates the configuration and wires the components.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Embedder == nil:
		return nil, fmt.Errorf("%w: embedder", ErrMissingDependency)
	case deps.Completer == nil:
		return nil, fmt.Errorf("%w: completer", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: article store", ErrMissingDependency)
	}

	areas := deps.Areas
	if areas == nil {
		var err error
		if areas, err = DefaultLegalAreas(); err != nil {
			return nil, err
		}
	}
	expander := deps.Expander
	if expander == nil {
		var err error
		if expander, err = NewCrossRefExpander(deps.Store, cfg.CitationPatterns, deps.LawID); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		cfg:       cfg,
		embedder:  deps.Embedder,
		completer: deps.Completer,
		store:     deps.Store,
		lawID:     deps.LawID,
		hyde:      NewHydeGenerator(deps.Completer, cfg.HydeTemperature),
		coverage:  NewCoverageAnalyzer(areas),
		crossref:  expander,
	}, nil
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Coverage returns the coverage analyzer.
func (o *Orchestrator) Coverage() *CoverageAnalyzer { return o.coverage }

// Retrieve runs the loop for one case and returns the articles ordered by
// descending similarity together with the evaluation artifact. It never
// fails: collaborator errors degrade the result and budgets end the loop.
func (o *Orchestrator) Retrieve(ctx context.Context, issues []Issue, cc CaseContext, caseID string) ([]*ArticleResult, *EvalArtifact) {
	start := time.Now()
	sess := NewSession(caseID)
	areas := o.coverage.RequiredAreas(cc.TransactionType, cc.HasEntity())

	slog.Info("retrieval: starting session",
		"case_id", caseID, "session_id", sess.ID,
		"transaction_type", cc.TransactionType, "has_entity", cc.HasEntity(),
		"issues", len(issues), "areas", len(areas))

	for {
		if err := ctx.Err(); err != nil {
			slog.Warn("retrieval: session cancelled", "session_id", sess.ID, "error", err)
			sess.stop(StopError)
			break
		}

		iter := sess.nextIteration()
		iterStart := time.Now()
		il := &IterationLog{
			IterationNumber:   iter,
			Purpose:           PurposeFor(iter),
			Queries:           []*QueryLog{},
			GapsIdentified:    []string{},
			ArticlesRetrieved: []int{},
			ArticlesNew:       []int{},
			CrossRefsFound:    []int{},
		}

		covBefore := o.coverage.Analyze(sess.Articles(), areas)
		il.CoverageBefore = Summary(covBefore)

		switch il.Purpose {
		case PurposeBroadRetrieval:
			o.broadRetrieval(ctx, sess, issues, il)
		case PurposeGapFilling:
			gaps := o.coverage.IdentifyGaps(covBefore)
			for _, g := range gaps {
				il.GapsIdentified = append(il.GapsIdentified, g.AreaID)
			}
			if len(gaps) > 0 {
				o.gapFilling(ctx, sess, gaps, il)
			} else {
				slog.Info("retrieval: no gaps to fill", "session_id", sess.ID)
				il.ArticlesRetrieved = sess.ArticleNumbers()
			}
		case PurposeReferenceExpansion:
			if o.cfg.EnableCrossReferences {
				o.referenceExpansion(ctx, sess, il)
			} else {
				il.ArticlesRetrieved = sess.ArticleNumbers()
			}
		}

		covAfter := o.coverage.Analyze(sess.Articles(), areas)
		il.CoverageAfter = Summary(covAfter)
		sess.setCoverage(covAfter)

		if o.cfg.EnableAgentAssessment && sess.ReserveLLMCall(o.cfg.MaxLLMCalls) {
			il.Assessment = o.coverage.AssessWithAgent(ctx, o.completer, sess.Articles(), covAfter, issueQuestions(issues))
			il.LLMCalls++
		}

		il.LatencyMs = time.Since(iterStart).Milliseconds()
		sess.finishIteration(il)

		slog.Info("retrieval: iteration complete",
			"session_id", sess.ID, "iteration", iter, "purpose", il.Purpose,
			"queries", len(il.Queries), "new_articles", len(il.ArticlesNew),
			"total_articles", sess.ArticleCount(), "coverage", Score(covAfter),
			"latency_ms", il.LatencyMs)

		if reason, ok := evaluateStop(o.cfg, snapshotForStop(sess, covAfter)); ok {
			sess.stop(reason)
			break
		}
	}

	articles := sess.Articles()
	artifact := buildArtifact(o.cfg, sess, issues, cc)

	slog.Info("retrieval: session complete",
		"session_id", sess.ID, "stop_reason", sess.StopReason(),
		"iterations", sess.Iteration(), "articles", len(articles),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return articles, artifact
}

type issueResult struct {
	queries        []*QueryLog
	llmCalls       int
	embeddingCalls int
}

// broadRetrieval runs HyDE probes and then direct queries for each issue.
// Issues fan out up to IssueConcurrency; logs are merged in issue order.
func (o *Orchestrator) broadRetrieval(ctx context.Context, sess *Session, issues []Issue, il *IterationLog) {
	results := make([]issueResult, len(issues))

	var g errgroup.Group
	g.SetLimit(o.cfg.IssueConcurrency)
	for i, issue := range issues {
		g.Go(func() error {
			results[i] = o.processIssue(ctx, sess, issue, il.IterationNumber)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		il.Queries = append(il.Queries, r.queries...)
		il.LLMCalls += r.llmCalls
		il.EmbeddingCalls += r.embeddingCalls
	}
	il.ArticlesRetrieved = sess.ArticleNumbers()
	il.ArticlesNew = sess.ArticleNumbers()
}

func (o *Orchestrator) processIssue(ctx context.Context, sess *Session, issue Issue, iteration int) issueResult {
	var r issueResult
	slog.Debug("retrieval: processing issue", "issue_id", issue.IssueID, "category", issue.Category)

	if o.cfg.HydeEnabled {
		reserve := func() bool { return sess.ReserveLLMCall(o.cfg.MaxLLMCalls) }
		hypos := o.hyde.GenerateForIssue(ctx, issue, o.cfg.HydeNumHypotheticals, reserve)
		r.llmCalls += hypos.Calls
		if hypos.Skipped {
			slog.Info("retrieval: llm call budget exhausted, skipping hyde",
				"issue_id", issue.IssueID, "budget", o.cfg.MaxLLMCalls, "calls_made", hypos.Calls)
		}
		if hypos.Degraded() {
			slog.Warn("retrieval: hyde degraded", "issue_id", issue.IssueID, "error", hypos.Err)
		}
		var perProbe time.Duration
		if len(hypos.Texts) > 0 {
			perProbe = hypos.Latency / time.Duration(len(hypos.Texts))
		}
		for i, h := range hypos.Texts {
			ql := &QueryLog{
				QueryID:       fmt.Sprintf("%s_hyde_%d", issue.IssueID, i),
				QueryType:     QueryHyDE,
				QueryText:     issue.PrimaryQuestion,
				Language:      o.cfg.SearchLanguage,
				Hypothetical:  h,
				HydeLatencyMs: perProbe.Milliseconds(),
			}
			o.search(ctx, sess, h, ql, iteration)
			r.queries = append(r.queries, ql)
			r.embeddingCalls++
		}
	}

	queries := issue.SearchQueries
	if len(queries) > maxIssueQueries {
		queries = queries[:maxIssueQueries]
	}
	for j, q := range queries {
		if strings.TrimSpace(q) == "" || !sess.TryQuery(q) {
			continue
		}
		ql := &QueryLog{
			QueryID:   fmt.Sprintf("%s_direct_%d", issue.IssueID, j),
			QueryType: QueryDirect,
			QueryText: q,
			Language:  o.cfg.SearchLanguage,
		}
		o.search(ctx, sess, q, ql, iteration)
		r.queries = append(r.queries, ql)
		r.embeddingCalls++
	}
	return r
}

// gapFilling searches up to two untried template queries per gap, each
// through one HyDE probe. When HyDE is off or max_llm_calls is spent the
// template query itself is searched.
func (o *Orchestrator) gapFilling(ctx context.Context, sess *Session, gaps []Gap, il *IterationLog) {
	before := toIntSet(sess.ArticleNumbers())

	for _, gap := range gaps {
		slog.Info("retrieval: filling gap", "area", gap.AreaID, "name_ar", gap.NameAR, "status", gap.Status)

		queries := gap.SuggestedQueriesAR
		if len(queries) > maxIssueQueries {
			queries = queries[:maxIssueQueries]
		}
		for _, q := range queries {
			if !sess.TryQuery(q) {
				continue
			}
			id := fmt.Sprintf("gap_%s_%d", gap.AreaID, len(il.Queries))

			if o.cfg.HydeEnabled && sess.ReserveLLMCall(o.cfg.MaxLLMCalls) {
				h := o.hyde.GenerateOne(ctx, q)
				il.LLMCalls++
				if h.Degraded() {
					continue
				}
				ql := &QueryLog{
					QueryID:       id,
					QueryType:     QueryHyDE,
					QueryText:     q,
					Language:      o.cfg.SearchLanguage,
					Hypothetical:  h.Text,
					HydeLatencyMs: h.Latency.Milliseconds(),
				}
				o.search(ctx, sess, h.Text, ql, il.IterationNumber)
				il.Queries = append(il.Queries, ql)
				il.EmbeddingCalls++
				continue
			}

			ql := &QueryLog{QueryID: id, QueryType: QueryDirect, QueryText: q, Language: o.cfg.SearchLanguage}
			o.search(ctx, sess, q, ql, il.IterationNumber)
			il.Queries = append(il.Queries, ql)
			il.EmbeddingCalls++
		}
	}

	il.ArticlesRetrieved = sess.ArticleNumbers()
	il.ArticlesNew = newSince(before, il.ArticlesRetrieved)
}

// referenceExpansion fetches one hop of cited articles.
func (o *Orchestrator) referenceExpansion(ctx context.Context, sess *Session, il *IterationLog) {
	before := toIntSet(sess.ArticleNumbers())

	found, attempted := o.crossref.Expand(ctx, sess.Articles(), sess.AlreadyFetched(), il.IterationNumber, o.cfg.MaxCrossRefs)
	for _, a := range found {
		sess.AddArticle(a)
	}
	sess.MarkFetched(attempted)

	il.ArticlesRetrieved = sess.ArticleNumbers()
	il.ArticlesNew = newSince(before, il.ArticlesRetrieved)
	if attempted != nil {
		il.CrossRefsFound = attempted
	}
}

// search embeds text, runs the similarity search and merges every hit.
// Failures are logged and recorded on the query log. Returns the number
// of articles new to the session.
func (o *Orchestrator) search(ctx context.Context, sess *Session, text string, ql *QueryLog, iteration int) int {
	start := time.Now()
	defer func() { ql.TotalLatencyMs = time.Since(start).Milliseconds() }()
	ql.ArticlesFound = []int{}
	ql.Similarities = []float64{}

	sess.AddEmbeddingCalls(1)
	vecs, err := o.embedder.Embed(ctx, []string{text})
	ql.EmbeddingLatencyMs = time.Since(start).Milliseconds()
	if err == nil && (len(vecs) == 0 || len(vecs[0]) == 0) {
		err = errors.New("empty embedding returned")
	}
	if err != nil {
		slog.Error("retrieval: embedding failed", "query_id", ql.QueryID, "error", err)
		ql.Error = err.Error()
		return 0
	}

	searchStart := time.Now()
	opts := store.SearchOptions{
		Language: o.cfg.SearchLanguage,
		Limit:    o.cfg.SearchLimit,
		MinScore: o.cfg.searchFloor(),
		LawID:    o.lawID,
	}
	matches, err := o.store.SimilaritySearch(ctx, vecs[0], opts)
	if err == nil && len(matches) == 0 && o.cfg.RetryMinScore > 0 && o.cfg.RetryMinScore < opts.MinScore {
		slog.Debug("retrieval: no hits, retrying at lower score",
			"query_id", ql.QueryID, "floor", opts.MinScore, "retry", o.cfg.RetryMinScore)
		opts.MinScore = o.cfg.RetryMinScore
		matches, err = o.store.SimilaritySearch(ctx, vecs[0], opts)
	}
	ql.SearchLatencyMs = time.Since(searchStart).Milliseconds()
	if err != nil {
		slog.Error("retrieval: search failed", "query_id", ql.QueryID, "error", err)
		ql.Error = err.Error()
		return 0
	}

	var added int
	var best float64
	for _, m := range matches {
		if sess.AddArticle(NewArticleResult(m, text, iteration)) {
			added++
		}
		ql.ArticlesFound = append(ql.ArticlesFound, m.ArticleNumber)
		ql.Similarities = append(ql.Similarities, m.Similarity)
		if m.Similarity > best {
			best = m.Similarity
		}
	}
	slog.Debug("retrieval: search complete",
		"query_id", ql.QueryID, "returned", len(matches), "new", added, "max_similarity", best)
	return added
}

func issueQuestions(issues []Issue) string {
	qs := make([]string, 0, len(issues))
	for _, is := range issues {
		if is.PrimaryQuestion != "" {
			qs = append(qs, is.PrimaryQuestion)
		}
	}
	return strings.Join(qs, "\n")
}

func toIntSet(nums []int) map[int]bool {
	m := make(map[int]bool, len(nums))
	for _, n := range nums {
		m[n] = true
	}
	return m
}

// newSince returns the numbers in after that are not in before, sorted.
func newSince(before map[int]bool, after []int) []int {
	out := []int{}
	for _, n := range after {
		if !before[n] {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
