package retrieval

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_AddArticleKeepsMaxSimilarity(t *testing.T) {
	s := NewSession("case-1")

	assert.True(t, s.AddArticle(result(10, 0.6, "أ")))
	assert.False(t, s.AddArticle(result(10, 0.5, "lower")))
	a, ok := s.Article(10)
	require.True(t, ok)
	assert.Equal(t, 0.6, a.Similarity)
	assert.Equal(t, "أ", a.TextArabic)

	assert.False(t, s.AddArticle(result(10, 0.9, "higher")))
	a, _ = s.Article(10)
	assert.Equal(t, 0.9, a.Similarity)
	assert.Equal(t, 1, s.ArticleCount())
}

func TestSession_ArticlesOrdering(t *testing.T) {
	s := NewSession("case-1")
	s.AddArticle(result(30, 0.7, ""))
	s.AddArticle(result(5, 0.9, ""))
	s.AddArticle(result(12, 0.7, ""))

	var got []int
	for _, a := range s.Articles() {
		got = append(got, a.ArticleNumber)
	}
	assert.Equal(t, []int{5, 12, 30}, got)
	assert.Equal(t, []int{5, 12, 30}, s.ArticleNumbers())
}

func TestSession_Similarities(t *testing.T) {
	s := NewSession("case-1")
	assert.Zero(t, s.AvgSimilarity())
	assert.Zero(t, s.TopKSimilarity(3))

	s.AddArticle(result(1, 0.9, ""))
	s.AddArticle(result(2, 0.5, ""))
	assert.InDelta(t, 0.7, s.TopKSimilarity(3), 1e-9, "fewer than k falls back to the mean")

	s.AddArticle(result(3, 0.7, ""))
	s.AddArticle(result(4, 0.1, ""))
	assert.InDelta(t, 0.7, s.TopKSimilarity(3), 1e-9)
	assert.InDelta(t, 0.55, s.AvgSimilarity(), 1e-9)
}

func TestSession_TryQueryConcurrent(t *testing.T) {
	s := NewSession("case-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryQuery("حدود الوكالة") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, s.QueryTried("حدود الوكالة"))
	assert.False(t, s.QueryTried("other"))
}

func TestSession_ReserveLLMCall(t *testing.T) {
	s := NewSession("case-1")
	assert.True(t, s.ReserveLLMCall(2))
	assert.True(t, s.ReserveLLMCall(2))
	assert.False(t, s.ReserveLLMCall(2))
	assert.Equal(t, 2, s.LLMCalls())

	unlimited := NewSession("case-2")
	for range 100 {
		require.True(t, unlimited.ReserveLLMCall(0))
	}
}

func TestSession_AlreadyFetched(t *testing.T) {
	s := NewSession("case-1")
	s.AddArticle(result(1, 0.9, ""))
	s.MarkFetched([]int{7, 8})

	assert.Equal(t, map[int]bool{1: true, 7: true, 8: true}, s.AlreadyFetched())
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession("case-1")
	assert.NotEmpty(t, s.ID)
	assert.Zero(t, s.Iteration())
	assert.Nil(t, s.LastLog())

	s.nextIteration()
	s.finishIteration(&IterationLog{IterationNumber: 1, LatencyMs: 40})
	s.nextIteration()
	s.finishIteration(&IterationLog{IterationNumber: 2, LatencyMs: 2})
	s.stop(StopDiminishingReturns)

	assert.Equal(t, 2, s.Iteration())
	assert.Equal(t, int64(42), s.LatencyMs())
	assert.Len(t, s.Logs(), 2)
	assert.Equal(t, 2, s.LastLog().IterationNumber)
	assert.Equal(t, StopDiminishingReturns, s.StopReason())

	other := NewSession("case-1")
	assert.NotEqual(t, s.ID, other.ID)
}
