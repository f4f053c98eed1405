package retrieval

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the mutable state of one retrieval run. It is created per
// Retrieve call and discarded once the artifact is built. The mutex makes
// the article map and tried-query set safe for per-issue fan-out.
type Session struct {
	ID        string
	CaseID    string
	StartedAt time.Time

	mu                  sync.Mutex
	iteration           int
	articles            map[int]*ArticleResult
	coverage            Coverage
	queriesTried        map[string]struct{}
	crossRefsFetched    map[int]struct{}
	totalLLMCalls       int
	totalEmbeddingCalls int
	totalLatencyMs      int64
	logs                []*IterationLog
	stopReason          StopReason
}

// NewSession starts an empty session.
func NewSession(caseID string) *Session {
	return &Session{
		ID:               uuid.NewString(),
		CaseID:           caseID,
		StartedAt:        time.Now().UTC(),
		articles:         make(map[int]*ArticleResult),
		coverage:         make(Coverage),
		queriesTried:     make(map[string]struct{}),
		crossRefsFetched: make(map[int]struct{}),
	}
}

// AddArticle merges a result keyed by article number. A rediscovered
// article replaces the stored record only when its similarity is strictly
// higher. Reports whether the number was new to the session.
func (s *Session) AddArticle(a *ArticleResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.articles[a.ArticleNumber]
	if !ok {
		s.articles[a.ArticleNumber] = a
		return true
	}
	if a.Similarity > existing.Similarity {
		s.articles[a.ArticleNumber] = a
	}
	return false
}

// Article returns the stored record for a number.
func (s *Session) Article(number int) (*ArticleResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[number]
	return a, ok
}

// TryQuery marks q as tried and reports whether it was untried before.
func (s *Session) TryQuery(q string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queriesTried[q]; ok {
		return false
	}
	s.queriesTried[q] = struct{}{}
	return true
}

// QueryTried reports whether q was already searched in this session.
func (s *Session) QueryTried(q string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queriesTried[q]
	return ok
}

// ArticleCount returns the number of distinct articles.
func (s *Session) ArticleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.articles)
}

// ArticleNumbers returns the distinct article numbers in ascending order.
func (s *Session) ArticleNumbers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	nums := make([]int, 0, len(s.articles))
	for n := range s.articles {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Articles returns all articles by descending similarity, ties broken by
// ascending article number.
func (s *Session) Articles() []*ArticleResult {
	s.mu.Lock()
	out := make([]*ArticleResult, 0, len(s.articles))
	for _, a := range s.articles {
		out = append(out, a)
	}
	s.mu.Unlock()
	sortArticles(out)
	return out
}

func sortArticles(as []*ArticleResult) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Similarity != as[j].Similarity {
			return as[i].Similarity > as[j].Similarity
		}
		return as[i].ArticleNumber < as[j].ArticleNumber
	})
}

// AvgSimilarity is the mean similarity over all articles, 0 when empty.
func (s *Session) AvgSimilarity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.articles) == 0 {
		return 0
	}
	var sum float64
	for _, a := range s.articles {
		sum += a.Similarity
	}
	return sum / float64(len(s.articles))
}

// TopKSimilarity is the mean of the k best similarities. With fewer than
// k articles it falls back to AvgSimilarity.
func (s *Session) TopKSimilarity(k int) float64 {
	arts := s.Articles()
	if k <= 0 || len(arts) < k {
		return s.AvgSimilarity()
	}
	var sum float64
	for _, a := range arts[:k] {
		sum += a.Similarity
	}
	return sum / float64(k)
}

// AlreadyFetched is the set of article numbers the cross-reference
// expander must not fetch again: session articles plus fetched refs.
func (s *Session) AlreadyFetched() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]bool, len(s.articles)+len(s.crossRefsFetched))
	for n := range s.articles {
		out[n] = true
	}
	for n := range s.crossRefsFetched {
		out[n] = true
	}
	return out
}

// MarkFetched records attempted cross-reference fetches.
func (s *Session) MarkFetched(nums []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nums {
		s.crossRefsFetched[n] = struct{}{}
	}
}

// ReserveLLMCall counts one model call unless the budget is exhausted.
// A budget of 0 is unlimited.
func (s *Session) ReserveLLMCall(budget int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if budget > 0 && s.totalLLMCalls >= budget {
		return false
	}
	s.totalLLMCalls++
	return true
}

// AddEmbeddingCalls counts embedding calls.
func (s *Session) AddEmbeddingCalls(n int) {
	s.mu.Lock()
	s.totalEmbeddingCalls += n
	s.mu.Unlock()
}

// LLMCalls returns the running model-call total.
func (s *Session) LLMCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLLMCalls
}

// EmbeddingCalls returns the running embedding-call total.
func (s *Session) EmbeddingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalEmbeddingCalls
}

// LatencyMs returns the cumulative iteration latency.
func (s *Session) LatencyMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLatencyMs
}

// Iteration returns the current 1-based iteration, 0 before the first.
func (s *Session) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

func (s *Session) nextIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

// Coverage returns the coverage computed after the last iteration.
func (s *Session) Coverage() Coverage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coverage
}

func (s *Session) setCoverage(c Coverage) {
	s.mu.Lock()
	s.coverage = c
	s.mu.Unlock()
}

// finishIteration appends the log and adds its latency to the total.
func (s *Session) finishIteration(l *IterationLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	s.totalLatencyMs += l.LatencyMs
}

// Logs returns the iteration logs in order.
func (s *Session) Logs() []*IterationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*IterationLog(nil), s.logs...)
}

// LastLog returns the most recent iteration log, or nil.
func (s *Session) LastLog() *IterationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) == 0 {
		return nil
	}
	return s.logs[len(s.logs)-1]
}

// StopReason returns the terminal reason, empty while running.
func (s *Session) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

func (s *Session) stop(r StopReason) {
	s.mu.Lock()
	s.stopReason = r
	s.mu.Unlock()
}
