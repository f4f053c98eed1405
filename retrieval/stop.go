package retrieval

const confidenceTopK = 3

// stopInputs is the snapshot the stop conditions are evaluated over.
type stopInputs struct {
	Iteration      int
	Articles       int
	LatencyMs      int64
	CoverageScore  float64
	AvgSimilarity  float64
	TopKSimilarity float64
	LastNew        int
	Assessment     *AgentAssessment
}

func snapshotForStop(s *Session, cov Coverage) stopInputs {
	in := stopInputs{
		Iteration:      s.Iteration(),
		Articles:       s.ArticleCount(),
		LatencyMs:      s.LatencyMs(),
		CoverageScore:  Score(cov),
		AvgSimilarity:  s.AvgSimilarity(),
		TopKSimilarity: s.TopKSimilarity(confidenceTopK),
	}
	if last := s.LastLog(); last != nil {
		in.LastNew = len(last.ArticlesNew)
		in.Assessment = last.Assessment
	}
	return in
}

// evaluateStop applies the stop conditions in priority order; the first
// match wins. ok is false when the loop should continue.
func evaluateStop(cfg Config, in stopInputs) (reason StopReason, ok bool) {
	switch {
	case in.Iteration >= cfg.MaxIterations:
		return StopMaxIterations, true
	case in.Articles >= cfg.MaxArticles:
		return StopMaxArticles, true
	case in.LatencyMs >= cfg.MaxLatencyMs:
		return StopMaxLatency, true
	case cfg.EnableCoverageCheck && in.CoverageScore >= cfg.CoverageThreshold:
		return StopCoverageThresholdMet, true
	case in.Articles >= cfg.MinArticles &&
		in.AvgSimilarity >= cfg.ConfidenceThreshold &&
		in.TopKSimilarity >= cfg.TopKConfidence:
		return StopConfidenceThresholdMet, true
	// An empty session is not diminishing, it has found nothing yet.
	case in.Iteration >= 2 && in.Articles > 0 && in.LastNew <= 1:
		return StopDiminishingReturns, true
	case cfg.EnableAgentAssessment && in.Assessment != nil && !in.Assessment.Degraded() &&
		in.Assessment.Sufficient && in.Assessment.Confidence >= cfg.ConfidenceThreshold:
		return StopAgentSelfAssessment, true
	}
	return "", false
}
