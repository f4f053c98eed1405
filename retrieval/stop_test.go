package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateStop(t *testing.T) {
	cfg := DefaultConfig()
	agentCfg := DefaultConfig()
	agentCfg.EnableAgentAssessment = true
	noCoverage := DefaultConfig()
	noCoverage.EnableCoverageCheck = false

	sufficient := &AgentAssessment{Sufficient: true, Confidence: 0.9}

	tests := []struct {
		name   string
		cfg    Config
		in     stopInputs
		want   StopReason
		wantOK bool
	}{
		{
			name:   "iteration budget wins over everything",
			cfg:    cfg,
			in:     stopInputs{Iteration: 3, Articles: 40, LatencyMs: 99999, CoverageScore: 1},
			want:   StopMaxIterations,
			wantOK: true,
		},
		{
			name:   "article budget before latency",
			cfg:    cfg,
			in:     stopInputs{Iteration: 1, Articles: 30, LatencyMs: 30000},
			want:   StopMaxArticles,
			wantOK: true,
		},
		{
			name:   "latency budget",
			cfg:    cfg,
			in:     stopInputs{Iteration: 1, Articles: 3, LatencyMs: 30000, CoverageScore: 1},
			want:   StopMaxLatency,
			wantOK: true,
		},
		{
			name:   "coverage met",
			cfg:    cfg,
			in:     stopInputs{Iteration: 1, Articles: 6, CoverageScore: 0.8, AvgSimilarity: 0.9, TopKSimilarity: 0.9},
			want:   StopCoverageThresholdMet,
			wantOK: true,
		},
		{
			name:   "coverage ignored when check disabled",
			cfg:    noCoverage,
			in:     stopInputs{Iteration: 1, Articles: 2, CoverageScore: 1},
			wantOK: false,
		},
		{
			name:   "confidence met",
			cfg:    cfg,
			in:     stopInputs{Iteration: 1, Articles: 5, CoverageScore: 0.4, AvgSimilarity: 0.55, TopKSimilarity: 0.65},
			want:   StopConfidenceThresholdMet,
			wantOK: true,
		},
		{
			name:   "confidence needs enough articles",
			cfg:    cfg,
			in:     stopInputs{Iteration: 1, Articles: 4, AvgSimilarity: 0.9, TopKSimilarity: 0.9},
			wantOK: false,
		},
		{
			name:   "diminishing returns",
			cfg:    cfg,
			in:     stopInputs{Iteration: 2, Articles: 4, LastNew: 1},
			want:   StopDiminishingReturns,
			wantOK: true,
		},
		{
			name:   "empty session is not diminishing",
			cfg:    cfg,
			in:     stopInputs{Iteration: 2, Articles: 0, LastNew: 0},
			wantOK: false,
		},
		{
			name:   "no diminishing returns in first iteration",
			cfg:    cfg,
			in:     stopInputs{Iteration: 1, Articles: 1, LastNew: 1},
			wantOK: false,
		},
		{
			name:   "agent self assessment",
			cfg:    agentCfg,
			in:     stopInputs{Iteration: 1, Articles: 2, LastNew: 2, Assessment: sufficient},
			want:   StopAgentSelfAssessment,
			wantOK: true,
		},
		{
			name:   "agent assessment ignored when disabled",
			cfg:    cfg,
			in:     stopInputs{Iteration: 1, Articles: 2, Assessment: sufficient},
			wantOK: false,
		},
		{
			name:   "low confidence assessment",
			cfg:    agentCfg,
			in:     stopInputs{Iteration: 1, Articles: 2, Assessment: &AgentAssessment{Sufficient: true, Confidence: 0.3}},
			wantOK: false,
		},
		{
			name:   "degraded assessment",
			cfg:    agentCfg,
			in:     stopInputs{Iteration: 1, Articles: 2, Assessment: &AgentAssessment{Sufficient: true, Confidence: 1, Err: "parse"}},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := evaluateStop(tt.cfg, tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
