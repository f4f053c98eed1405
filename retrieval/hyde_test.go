package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/poalegal/llm"
)

func TestGenerateOne(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		err      error
		wantText string
		degraded bool
	}{
		{
			name:     "prepends marker",
			reply:    "لا يجوز للوكيل أن يتصرف خارج حدود الوكالة.",
			wantText: "المادة (هـ): لا يجوز للوكيل أن يتصرف خارج حدود الوكالة.",
		},
		{
			name:     "keeps leading article heading",
			reply:    "المادة (هـ): يلتزم الوكيل بتنفيذ الوكالة.",
			wantText: "المادة (هـ): يلتزم الوكيل بتنفيذ الوكالة.",
		},
		{
			name:     "strips thinking",
			reply:    "<think>draft</think>المادة (هـ): نص",
			wantText: "المادة (هـ): نص",
		},
		{name: "provider failure", err: errors.New("timeout"), degraded: true},
		{name: "empty completion", reply: "  ", degraded: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCompleter{respond: func(llm.ChatRequest) (string, error) { return tt.reply, tt.err }}
			h := NewHydeGenerator(c, 0.7).GenerateOne(context.Background(), "ما حدود الوكالة؟")
			assert.Equal(t, tt.degraded, h.Degraded())
			assert.Equal(t, tt.wantText, h.Text)
			require.Len(t, c.requests, 1)
			assert.Equal(t, hydeOneMaxTokens, c.requests[0].MaxTokens)
			assert.InDelta(t, 0.7, c.requests[0].Temperature, 1e-9)
		})
	}
}

func TestGenerateOne_EmptyQuestionSkipsModel(t *testing.T) {
	c := &fakeCompleter{}
	h := NewHydeGenerator(c, 0.7).GenerateOne(context.Background(), "   ")
	assert.True(t, h.Degraded())
	assert.Zero(t, c.Calls())
}

func TestParseHypotheticals(t *testing.T) {
	t.Run("marker split", func(t *testing.T) {
		got := parseHypotheticals("المادة (هـ): نص أول\n\nالمادة (هـ): نص ثان", 2)
		assert.Equal(t, []string{"المادة (هـ): نص أول", "المادة (هـ): نص ثان"}, got)
	})
	t.Run("capped at n", func(t *testing.T) {
		got := parseHypotheticals("المادة (هـ): أ المادة (هـ): ب المادة (هـ): ج", 2)
		assert.Len(t, got, 2)
	})
	t.Run("blank line fallback", func(t *testing.T) {
		got := parseHypotheticals("نص أول\n\nنص ثان", 2)
		require.Len(t, got, 2)
		for _, h := range got {
			assert.True(t, strings.HasPrefix(h, hypotheticalMarker), h)
		}
	})
	t.Run("empty response", func(t *testing.T) {
		assert.Empty(t, parseHypotheticals("   ", 2))
	})
}

func TestDedupeByPrefix(t *testing.T) {
	long := strings.Repeat("و", 120)
	got := dedupeByPrefix([]string{long + "أ", long + "ب", "قصير", "قصير"})
	assert.Equal(t, []string{long + "أ", "قصير"}, got)
}

func TestGenerateForIssue(t *testing.T) {
	c := &fakeCompleter{respond: func(req llm.ChatRequest) (string, error) {
		user := req.Messages[len(req.Messages)-1].Content
		switch {
		case req.MaxTokens == hydeManyMaxTokens:
			return "المادة (هـ): الوكالة العامة لا تشمل أعمال التصرف.\n\nالمادة (هـ): يجب توكيل خاص لبيع العقار.", nil
		case strings.Contains(user, "حدود"):
			return "المادة (هـ): تتحدد حدود الوكالة بعقدها.", nil
		}
		return "", errors.New("unexpected prompt")
	}}
	issue := Issue{
		IssueID:         "i1",
		PrimaryQuestion: "هل تشمل الوكالة العامة البيع؟",
		SearchQueries:   []string{"هل تشمل الوكالة العامة البيع؟", "حدود الوكالة", "ثالث لا يستخدم"},
	}

	got := NewHydeGenerator(c, 0.7).GenerateForIssue(context.Background(), issue, 2, nil)
	assert.False(t, got.Degraded())
	assert.Equal(t, 2, got.Calls, "search query equal to the primary question is skipped")
	assert.Len(t, got.Texts, 3)
	assert.Equal(t, 2, c.Calls())
}

func TestGenerateForIssue_PartialFailure(t *testing.T) {
	c := &fakeCompleter{respond: func(req llm.ChatRequest) (string, error) {
		if req.MaxTokens == hydeManyMaxTokens {
			return "", errors.New("rate limited")
		}
		return "المادة (هـ): نص", nil
	}}
	issue := Issue{IssueID: "i1", PrimaryQuestion: "سؤال", SearchQueries: []string{"استعلام"}}

	got := NewHydeGenerator(c, 0.7).GenerateForIssue(context.Background(), issue, 2, nil)
	assert.True(t, got.Degraded())
	assert.Equal(t, []string{"المادة (هـ): نص"}, got.Texts)
	assert.Equal(t, 2, got.Calls)
}

func TestGenerateForIssue_Reserve(t *testing.T) {
	issue := Issue{
		IssueID:         "i1",
		PrimaryQuestion: "سؤال",
		SearchQueries:   []string{"استعلام أول", "استعلام ثان"},
	}

	tests := []struct {
		name        string
		budget      int
		wantCalls   int
		wantSkipped bool
	}{
		{"unlimited", -1, 3, false},
		{"covers every call", 3, 3, false},
		{"stops after primary", 1, 1, true},
		{"nothing allowed", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCompleter{}
			left := tt.budget
			reserve := func() bool {
				if left < 0 {
					return true
				}
				if left == 0 {
					return false
				}
				left--
				return true
			}

			got := NewHydeGenerator(c, 0.7).GenerateForIssue(context.Background(), issue, 2, reserve)
			assert.Equal(t, tt.wantCalls, got.Calls)
			assert.Equal(t, tt.wantCalls, c.Calls())
			assert.Equal(t, tt.wantSkipped, got.Skipped)
		})
	}
}
